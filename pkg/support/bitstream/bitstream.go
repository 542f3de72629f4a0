// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bitstream implements a variable-length bit writer and reader.
//
// Values are appended least significant bit first into 32-bit little-endian words, which is
// the order the NPU coefficient decoders consume them.
//
// A Writer created with NewDryRun counts bits without storing anything: encoders run the exact
// same code in both modes, so sizes measured during a parameter search always match the sizes
// of the final encoding.
package bitstream

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Writer appends bits to a destination buffer, or only counts them in dry-run mode.
type Writer struct {
	dst     []byte
	dryRun  bool
	buffer  uint64
	pending int
	words   int
}

// NewWriter returns a Writer that stores its words into dst.
// Writing beyond len(dst) panics: destination sizes are always computed with a dry run first.
func NewWriter(dst []byte) *Writer {
	return &Writer{dst: dst}
}

// NewDryRun returns a Writer that only counts the bits written.
func NewDryRun() *Writer {
	return &Writer{dryRun: true}
}

// DryRun returns whether the writer is only counting bits.
func (w *Writer) DryRun() bool { return w.dryRun }

// Write appends the lower `bits` bits of value. Zero bits is a no-op.
func (w *Writer) Write(value uint32, bits int) {
	if bits == 0 {
		return
	}
	if bits < 0 || bits > 32 {
		exceptions.Panicf("bitstream: invalid width %d", bits)
	}
	if bits < 32 && value>>bits != 0 {
		exceptions.Panicf("bitstream: value %d (%#x) doesn't fit in %d bits", value, value, bits)
	}
	w.buffer |= uint64(value) << w.pending
	w.pending += bits
	for w.pending >= 32 {
		w.emit(uint32(w.buffer))
		w.buffer >>= 32
		w.pending -= 32
	}
}

func (w *Writer) emit(word uint32) {
	if !w.dryRun {
		offset := w.words * 4
		if offset+4 > len(w.dst) {
			exceptions.Panicf("bitstream: writing word %d overruns destination of %d bytes", w.words, len(w.dst))
		}
		binary.LittleEndian.PutUint32(w.dst[offset:], word)
	}
	w.words++
}

// Align pads with zero bits up to the next 32-bit word boundary.
func (w *Writer) Align() {
	if w.pending > 0 {
		w.Write(0, 32-w.pending)
	}
}

// PadTo aligns the stream and then appends zero words until its length in bytes is a multiple
// of alignment (which must be a multiple of 4).
func (w *Writer) PadTo(alignment int) {
	w.Align()
	for (w.words*4)%alignment != 0 {
		w.emit(0)
	}
}

// Len returns the number of bytes of complete words written so far.
// After Align or PadTo it is the total size of the stream.
func (w *Writer) Len() int { return w.words * 4 }

// BitLen returns the total number of bits written, including the ones not yet flushed to a word.
func (w *Writer) BitLen() int { return w.words*32 + w.pending }

// Reader consumes bits in the order a Writer produced them.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Read returns the next `bits` bits as an unsigned value.
func (r *Reader) Read(bits int) (uint32, error) {
	if bits < 0 || bits > 32 {
		return 0, errors.Errorf("bitstream: invalid width %d", bits)
	}
	if r.pos+bits > len(r.data)*8 {
		return 0, errors.Errorf("bitstream: reading %d bits at bit %d overruns %d bytes", bits, r.pos, len(r.data))
	}
	var value uint32
	for i := range bits {
		bit := (r.data[(r.pos+i)/8] >> ((r.pos + i) % 8)) & 1
		value |= uint32(bit) << i
	}
	r.pos += bits
	return value, nil
}

// Align skips to the next 32-bit word boundary.
func (r *Reader) Align() {
	if rem := r.pos % 32; rem != 0 {
		r.pos += 32 - rem
	}
}

// BitPos returns the number of bits consumed so far.
func (r *Reader) BitPos() int { return r.pos }
