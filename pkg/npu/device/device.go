// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines what the compiler needs from the GPU driver that owns the NPU:
// zero-initialized linear buffers with bracketed CPU access, their GPU virtual addresses,
// and a command stream that sets registers and references buffers.
//
// The compiler never submits work or synchronizes with the GPU by itself: it only calls these
// interfaces. See package memdev for an in-memory implementation used in tests and tools.
package device

import (
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/pkg/errors"
)

// Access flags for CPU access and buffer references in the command stream.
type Access int

const (
	Read Access = 1 << iota
	Write

	ReadWrite = Read | Write
)

// String implements fmt.Stringer.
func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// Buffer is a linear GPU buffer.
type Buffer interface {
	// Size in bytes.
	Size() int

	// GPUAddress is the NPU-visible virtual address of the first byte of the buffer.
	GPUAddress() uint32

	// CPUPrep starts CPU access to the buffer, waiting for any pending GPU access to finish.
	// The returned slice is only valid until CPUFini.
	CPUPrep(access Access) ([]byte, error)

	// CPUFini ends a CPU access started by CPUPrep.
	CPUFini()

	// Release the buffer. It must not be referenced by a pending command stream.
	Release()
}

// Allocator creates zero-initialized buffers.
type Allocator interface {
	Allocate(size int) (Buffer, error)
}

// CommandStream accumulates register writes and buffer references for the GPU front-end.
type CommandStream interface {
	// SetState writes value to the register reg.
	SetState(reg, value uint32)

	// SetStateReloc writes the GPU address of buf plus offset to the register reg.
	SetStateReloc(reg uint32, buf Buffer, offset uint32, access Access)

	// Reference marks buf as used by the commands in the stream, so it's kept alive and
	// synchronized with CPU access.
	Reference(buf Buffer, access Access)

	// Flush submits the accumulated commands.
	Flush() error

	// Wait blocks until all submitted commands finished executing.
	Wait() error
}

// Device is the NPU as seen by the compiler.
type Device interface {
	Allocator

	// Specs returns the static capabilities of the NPU.
	Specs() hw.Specs

	// Stream returns the command stream used to dispatch instructions.
	Stream() CommandStream
}

// Write copies data into buf at offset, bracketing the access with CPUPrep/CPUFini.
func Write(buf Buffer, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > buf.Size() {
		return errors.Errorf("writing %d bytes at offset %d overflows buffer of %d bytes", len(data), offset, buf.Size())
	}
	mapped, err := buf.CPUPrep(Write)
	if err != nil {
		return errors.WithMessagef(err, "failed to map buffer for writing")
	}
	defer buf.CPUFini()
	copy(mapped[offset:], data)
	return nil
}

// Read copies len(data) bytes from buf at offset into data.
func Read(buf Buffer, offset int, data []byte) error {
	if offset < 0 || offset+len(data) > buf.Size() {
		return errors.Errorf("reading %d bytes at offset %d overflows buffer of %d bytes", len(data), offset, buf.Size())
	}
	mapped, err := buf.CPUPrep(Read)
	if err != nil {
		return errors.WithMessagef(err, "failed to map buffer for reading")
	}
	defer buf.CPUFini()
	copy(data, mapped[offset:offset+len(data)])
	return nil
}

// NewBufferWith allocates a buffer holding a copy of data.
func NewBufferWith(alloc Allocator, data []byte) (Buffer, error) {
	buf, err := alloc.Allocate(len(data))
	if err != nil {
		return nil, err
	}
	if err = Write(buf, 0, data); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}
