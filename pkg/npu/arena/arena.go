// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena maps tensor indices to views of device buffers.
//
// Every tensor index is either unbacked, or backed by a view (offset, size) of a buffer. Several
// indices can share one buffer at different offsets: that is how concatenation, split and the
// operands of additions are handled without copying any data.
package arena

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type backing struct {
	buf  device.Buffer
	refs int
	// owner is the index that created the buffer.
	owner int
}

// View of a buffer backing one tensor index.
type View struct {
	Index  int
	Offset int
	Size   int

	backing *backing
}

// Buffer backing the view.
func (v View) Buffer() device.Buffer { return v.backing.buf }

// Owner is the index whose Create allocated the backing buffer.
func (v View) Owner() int { return v.backing.owner }

// String implements fmt.Stringer.
func (v View) String() string {
	return fmt.Sprintf("#%d -> buffer@%#x[%d:%d] (owner #%d)",
		v.Index, v.backing.buf.GPUAddress(), v.Offset, v.Offset+v.Size, v.backing.owner)
}

// Arena owns the buffers backing the tensors of one subgraph.
type Arena struct {
	alloc device.Allocator
	views []*View
}

// New creates an arena with count unbacked indices, 0 to count-1.
func New(alloc device.Allocator, count int) *Arena {
	return &Arena{alloc: alloc, views: make([]*View, count)}
}

// Len returns the number of indices.
func (a *Arena) Len() int { return len(a.views) }

// Allocate returns a fresh unbacked index.
func (a *Arena) Allocate() int {
	a.views = append(a.views, nil)
	return len(a.views) - 1
}

func (a *Arena) checkIndex(idx int) error {
	if idx < 0 || idx >= len(a.views) {
		return errors.Errorf("tensor index %d out of range [0, %d)", idx, len(a.views))
	}
	return nil
}

// Create backs idx with a new zero-initialized buffer of size bytes.
//
// It's a no-op if idx is already backed by a view of the same size (created or aliased), and
// an error if the size differs.
func (a *Arena) Create(idx, size int) error {
	if err := a.checkIndex(idx); err != nil {
		return err
	}
	if v := a.views[idx]; v != nil {
		if v.Size != size {
			return errors.Errorf("tensor #%d already backed with %d bytes, can't re-create it with %d bytes", idx, v.Size, size)
		}
		return nil
	}
	buf, err := a.alloc.Allocate(size)
	if err != nil {
		return errors.WithMessagef(err, "failed to allocate %s for tensor #%d", humanize.Bytes(uint64(size)), idx)
	}
	a.views[idx] = &View{Index: idx, Size: size, backing: &backing{buf: buf, refs: 1, owner: idx}}
	klog.V(1).Infof("arena: created tensor #%d with %s", idx, humanize.Bytes(uint64(size)))
	return nil
}

// Alias makes dst a view of size bytes of src's buffer, starting at offset bytes into src's view.
//
// Aliasing an already backed dst is only accepted if it describes exactly the same view.
func (a *Arena) Alias(dst, src, offset, size int) error {
	if err := a.checkIndex(dst); err != nil {
		return err
	}
	if err := a.checkIndex(src); err != nil {
		return err
	}
	s := a.views[src]
	if s == nil {
		return errors.Errorf("can't alias tensor #%d to unbacked tensor #%d", dst, src)
	}
	if offset < 0 || size <= 0 || offset+size > s.Size {
		return errors.Errorf("alias of tensor #%d at [%d:%d] is out of the %d bytes of tensor #%d",
			dst, offset, offset+size, s.Size, src)
	}
	if d := a.views[dst]; d != nil {
		if d.backing == s.backing && d.Offset == s.Offset+offset && d.Size == size {
			return nil
		}
		return errors.Errorf("tensor #%d is already backed (%s), can't alias it to tensor #%d", dst, d, src)
	}
	s.backing.refs++
	a.views[dst] = &View{Index: dst, Offset: s.Offset + offset, Size: size, backing: s.backing}
	klog.V(1).Infof("arena: aliased tensor #%d to tensor #%d at [%d:%d]", dst, src, offset, offset+size)
	return nil
}

// IsBacked returns whether idx has a backing buffer.
func (a *Arena) IsBacked(idx int) bool {
	return idx >= 0 && idx < len(a.views) && a.views[idx] != nil
}

// View returns the view backing idx.
func (a *Arena) View(idx int) (View, bool) {
	if !a.IsBacked(idx) {
		return View{}, false
	}
	return *a.views[idx], true
}

// Buffer returns the buffer backing idx, or nil if it's not backed.
func (a *Arena) Buffer(idx int) device.Buffer {
	if !a.IsBacked(idx) {
		return nil
	}
	return a.views[idx].backing.buf
}

// Offset returns the offset of idx into its buffer.
func (a *Arena) Offset(idx int) int {
	if !a.IsBacked(idx) {
		return 0
	}
	return a.views[idx].Offset
}

// Size returns the size of the view backing idx, or 0 if it's not backed.
func (a *Arena) Size(idx int) int {
	if !a.IsBacked(idx) {
		return 0
	}
	return a.views[idx].Size
}

// Summary returns the views of all backed indices, in index order.
func (a *Arena) Summary() []View {
	var views []View
	for _, v := range a.views {
		if v != nil {
			views = append(views, *v)
		}
	}
	return views
}

// Release drops all views, releasing each buffer once its last view is gone.
func (a *Arena) Release() {
	for idx, v := range a.views {
		if v == nil {
			continue
		}
		v.backing.refs--
		if v.backing.refs == 0 {
			v.backing.buf.Release()
		}
		a.views[idx] = nil
	}
}
