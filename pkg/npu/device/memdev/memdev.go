// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memdev implements device.Device in host memory.
//
// Buffers are byte slices mapped at fake, page-aligned GPU addresses. The command stream
// records every command, and on Flush hands the pending ones to an optional Executor, which
// tests use to interpret TP register blocks against the buffers (see Device.Resolve).
package memdev

import (
	"slices"
	"sync"

	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	pageSize    = 4096
	baseAddress = 0x10000
)

// Command is one recorded command stream entry.
type Command struct {
	// Reg is the register written, or 0 for a pure buffer reference.
	Reg   uint32
	Value uint32

	// Buffer is set for relocations and references.
	Buffer *Buffer
	Access device.Access
}

// IsReloc returns whether the command writes a buffer address to a register.
func (c Command) IsReloc() bool { return c.Reg != 0 && c.Buffer != nil }

// Executor is called by Flush with the commands submitted.
type Executor func(commands []Command) error

// Device is an in-memory NPU device.
type Device struct {
	specs hw.Specs

	mu        sync.Mutex
	next      uint32
	live      []*Buffer
	allocated int

	// FailAfter, if > 0, makes the allocation number FailAfter (1-based) and all following ones fail.
	FailAfter int

	stream   *Stream
	executor Executor
}

var _ device.Device = (*Device)(nil)

// New creates a device with the given specs.
func New(specs hw.Specs) *Device {
	d := &Device{specs: specs, next: baseAddress}
	d.stream = &Stream{dev: d}
	return d
}

// Specs implements device.Device.
func (d *Device) Specs() hw.Specs { return d.specs }

// Stream implements device.Device.
func (d *Device) Stream() device.CommandStream { return d.stream }

// Commands returns the in-memory stream, with access to the recorded commands.
func (d *Device) Commands() *Stream { return d.stream }

// SetExecutor sets the function called on every Flush.
func (d *Device) SetExecutor(executor Executor) { d.executor = executor }

// Allocate implements device.Allocator.
func (d *Device) Allocate(size int) (device.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size <= 0 {
		return nil, errors.Errorf("memdev: invalid buffer size %d", size)
	}
	d.allocated++
	if d.FailAfter > 0 && d.allocated >= d.FailAfter {
		return nil, errors.Errorf("memdev: out of memory allocating %d bytes (allocation #%d)", size, d.allocated)
	}
	b := &Buffer{dev: d, address: d.next, data: make([]byte, size)}
	d.next += uint32(hw.Align(size, pageSize))
	d.live = append(d.live, b)
	klog.V(3).Infof("memdev: allocated %d bytes at %#x", size, b.address)
	return b, nil
}

// LiveBuffers returns the number of allocated buffers not yet released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Resolve returns the bytes [addr, addr+size) of the live buffer containing that range.
func (d *Device) Resolve(addr uint32, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.live {
		if addr >= b.address && int(addr-b.address)+size <= len(b.data) {
			offset := int(addr - b.address)
			return b.data[offset : offset+size], nil
		}
	}
	return nil, errors.Errorf("memdev: address range [%#x, %#x) is not mapped", addr, int(addr)+size)
}

func (d *Device) release(b *Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := slices.Index(d.live, b)
	if idx < 0 {
		klog.Warningf("memdev: buffer at %#x released twice", b.address)
		return
	}
	d.live = slices.Delete(d.live, idx, idx+1)
}

// Buffer is a host memory buffer.
type Buffer struct {
	dev      *Device
	address  uint32
	data     []byte
	mapped   bool
	released bool
}

var _ device.Buffer = (*Buffer)(nil)

// Size implements device.Buffer.
func (b *Buffer) Size() int { return len(b.data) }

// GPUAddress implements device.Buffer.
func (b *Buffer) GPUAddress() uint32 { return b.address }

// CPUPrep implements device.Buffer.
func (b *Buffer) CPUPrep(access device.Access) ([]byte, error) {
	if b.released {
		return nil, errors.Errorf("memdev: buffer at %#x used after release", b.address)
	}
	if b.mapped {
		return nil, errors.Errorf("memdev: buffer at %#x is already mapped for CPU access", b.address)
	}
	b.mapped = true
	return b.data, nil
}

// CPUFini implements device.Buffer.
func (b *Buffer) CPUFini() { b.mapped = false }

// Release implements device.Buffer.
func (b *Buffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.dev.release(b)
}

// Bytes returns the contents of the buffer, without CPU access bracketing.
func (b *Buffer) Bytes() []byte { return b.data }

// Stream records commands.
type Stream struct {
	dev     *Device
	pending []Command
	history []Command

	Flushes, Waits int
}

var _ device.CommandStream = (*Stream)(nil)

// SetState implements device.CommandStream.
func (s *Stream) SetState(reg, value uint32) {
	s.pending = append(s.pending, Command{Reg: reg, Value: value})
}

// SetStateReloc implements device.CommandStream.
func (s *Stream) SetStateReloc(reg uint32, buf device.Buffer, offset uint32, access device.Access) {
	b := buf.(*Buffer)
	s.pending = append(s.pending, Command{Reg: reg, Value: b.address + offset, Buffer: b, Access: access})
}

// Reference implements device.CommandStream.
func (s *Stream) Reference(buf device.Buffer, access device.Access) {
	s.pending = append(s.pending, Command{Buffer: buf.(*Buffer), Access: access})
}

// Flush implements device.CommandStream.
func (s *Stream) Flush() error {
	s.Flushes++
	commands := s.pending
	s.pending = nil
	s.history = append(s.history, commands...)
	for _, c := range commands {
		if c.Buffer != nil && c.Buffer.released {
			return errors.Errorf("memdev: command stream references released buffer at %#x", c.Buffer.address)
		}
	}
	if s.dev.executor != nil && len(commands) > 0 {
		return s.dev.executor(commands)
	}
	return nil
}

// Wait implements device.CommandStream.
func (s *Stream) Wait() error {
	s.Waits++
	return nil
}

// Pending returns the commands not yet flushed.
func (s *Stream) Pending() []Command { return s.pending }

// History returns all flushed commands, in order.
func (s *Stream) History() []Command { return s.history }
