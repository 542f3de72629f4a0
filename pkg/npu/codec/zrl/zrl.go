// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package zrl implements the zero-run-length weight coder of gen7 NPUs.
//
// The stream is a sequence of symbols (run, value), where run is a RunBits-wide count of
// zero-points preceding the 8-bit value. With RunBits == 0 values are stored verbatim.
// Raw fields (biases, output offsets) can be interleaved with symbols after a Flush.
package zrl

import (
	"github.com/gomlx/npuc/pkg/support/bitstream"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Encoder writes weights to a bitstream.Writer.
type Encoder struct {
	w         *bitstream.Writer
	runBits   int
	zeroPoint uint8
	run       int
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w *bitstream.Writer, runBits int, zeroPoint uint8) *Encoder {
	return &Encoder{w: w, runBits: runBits, zeroPoint: zeroPoint}
}

// Writer returns the underlying bitstream.Writer, to write raw fields after a Flush.
func (e *Encoder) Writer() *bitstream.Writer { return e.w }

func (e *Encoder) maxRun() int { return 1<<e.runBits - 1 }

// Write encodes one weight.
func (e *Encoder) Write(value uint8) {
	if e.runBits == 0 {
		e.w.Write(uint32(value), 8)
		return
	}
	if e.run == e.maxRun() {
		e.w.Write(uint32(e.run), e.runBits)
		e.w.Write(uint32(value), 8)
		e.run = 0
		return
	}
	if value == e.zeroPoint {
		e.run++
		return
	}
	e.w.Write(uint32(e.run), e.runBits)
	e.w.Write(uint32(value), 8)
	e.run = 0
}

// Flush writes the pending run of zero-points, if any.
func (e *Encoder) Flush() {
	if e.run == 0 {
		return
	}
	e.w.Write(uint32(e.run-1), e.runBits)
	e.w.Write(uint32(e.zeroPoint), 8)
	e.run = 0
}

// Decoder reads weights written by an Encoder.
type Decoder struct {
	r         *bitstream.Reader
	runBits   int
	zeroPoint uint8

	pendingZeros int
	pendingValue int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r *bitstream.Reader, runBits int, zeroPoint uint8) *Decoder {
	return &Decoder{r: r, runBits: runBits, zeroPoint: zeroPoint, pendingValue: -1}
}

// Reader returns the underlying bitstream.Reader, to read raw fields.
// It must only be used when Pending is false, matching the points where the encoder flushed.
func (d *Decoder) Reader() *bitstream.Reader { return d.r }

// Pending returns whether values of the last symbol read were not returned yet.
func (d *Decoder) Pending() bool { return d.pendingZeros > 0 || d.pendingValue >= 0 }

// Read returns the next weight.
func (d *Decoder) Read() (uint8, error) {
	if d.pendingZeros > 0 {
		d.pendingZeros--
		return d.zeroPoint, nil
	}
	if d.pendingValue >= 0 {
		v := uint8(d.pendingValue)
		d.pendingValue = -1
		return v, nil
	}
	run, err := d.r.Read(d.runBits)
	if err != nil {
		return 0, errors.WithMessagef(err, "zrl: reading run length")
	}
	value, err := d.r.Read(8)
	if err != nil {
		return 0, errors.WithMessagef(err, "zrl: reading value")
	}
	if run == 0 {
		return uint8(value), nil
	}
	d.pendingZeros = int(run) - 1
	d.pendingValue = int(value)
	return d.zeroPoint, nil
}

// ChooseRunBits returns the run-length width producing the smallest stream.
//
// sizeOf must encode the stream with the given width on a dry-run writer and return its size.
// Widths are tried from maxBits down, stopping at the first one that makes the size worse, so
// on ties the smaller width wins.
func ChooseRunBits(maxBits int, sizeOf func(runBits int) int) int {
	best, bestSize := 0, -1
	for bits := maxBits; bits >= 0; bits-- {
		size := sizeOf(bits)
		if bestSize >= 0 && size > bestSize {
			break
		}
		best, bestSize = bits, size
	}
	klog.V(2).Infof("zrl: chose %d run bits (%d bytes)", best, bestSize)
	return best
}
