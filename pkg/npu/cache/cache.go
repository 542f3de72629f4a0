// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cache implements a persistent cache of compiled NN coefficients, backed by badger.
//
// Encoding the coefficients of large layers (in particular the search of the gen7 zero-run
// width) dominates compilation time, and networks are usually compiled many times with the same
// weights: a cache hit skips it.
package cache

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/npuc/pkg/npu/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// keyPrefix is bumped whenever the layout of the entries changes.
const keyPrefix = "npuc/coefficients/v1/"

// Cache of compiled coefficients. It's safe for concurrent use.
type Cache struct {
	db *badger.DB
}

var _ nn.CoefficientCache = (*Cache)(nil)

// Open opens (or creates) the cache stored in dir.
func Open(dir string) (*Cache, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory returns a cache that lives only while it's open.
func OpenInMemory() (*Cache, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Cache, error) {
	opts = opts.WithLogger(logger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: opening %q", opts.Dir)
	}
	return &Cache{db: db}, nil
}

func key(k uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(keyPrefix), k)
}

// Get returns the entry stored under k. found is false if there is none.
func (c *Cache) Get(k uint64) (data []byte, found bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(k))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		found = err == nil
		return err
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache: reading entry %016x", k)
	}
	return data, found, nil
}

// Put stores data under k, replacing any previous entry.
func (c *Cache) Put(k uint64, data []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(k), data)
	})
	if err != nil {
		return errors.Wrapf(err, "cache: writing entry %016x", k)
	}
	klog.V(2).Infof("cache: stored entry %016x (%s)", k, humanize.Bytes(uint64(len(data))))
	return nil
}

// Len returns the number of entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, errors.WithStack(err)
}

// Close flushes and closes the cache.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return errors.WithStack(err)
}

// logger routes badger logs to klog, demoting its chatty info messages.
type logger struct{}

func (logger) Errorf(format string, args ...any)   { klog.Errorf("badger: "+format, args...) }
func (logger) Warningf(format string, args ...any) { klog.Warningf("badger: "+format, args...) }
func (logger) Infof(format string, args ...any)    { klog.V(2).Infof("badger: "+format, args...) }
func (logger) Debugf(format string, args ...any)   { klog.V(3).Infof("badger: "+format, args...) }
