// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package subgraph compiles a graph of operations into NPU instructions, and runs them.
//
// Compile lowers the operations into jobs (package lower), plans the tensor memory (package arena)
// and compiles every job into an instruction (packages nn and tp). A Subgraph is then invoked any
// number of times:
//
//	sg, err := subgraph.Compile(dev, operations, opts)
//	if err != nil { ... }
//	defer sg.Destroy()
//	err = sg.Invoke([]int{0}, [][]byte{input}, []bool{false})
//	...
//	err = sg.ReadOutputs([]int{1}, [][]byte{output}, []bool{false})
package subgraph

import (
	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/npu/lower"
	"github.com/gomlx/npuc/pkg/npu/nn"
	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/gomlx/npuc/pkg/npu/tp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Subgraph is a compiled graph: the arena holding its tensors and the instructions to run.
type Subgraph struct {
	dev   device.Device
	specs hw.Specs
	opts  Options

	arena        *arena.Arena
	program      *lower.Program
	instructions []*jobs.Instruction
}

// Compile lowers and compiles the operations for the device.
//
// It returns an error for invalid graphs or if an allocation fails, in which case everything
// allocated so far is released. Operations the hardware can't run panic.
func Compile(dev device.Device, operations []ops.Operation, opts Options) (*Subgraph, error) {
	specs := dev.Specs()
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	sg := &Subgraph{
		dev:   dev,
		specs: specs,
		opts:  opts,
		arena: arena.New(dev, ops.NumTensors(operations)),
	}
	succeeded := false
	defer func() {
		if !succeeded {
			sg.Destroy()
		}
	}()

	var err error
	sg.program, err = lower.Lower(specs.Generation, operations, sg.arena)
	if err != nil {
		return nil, errors.WithMessage(err, "lowering graph")
	}
	if err = lower.PlanMemory(sg.arena, sg.program); err != nil {
		return nil, errors.WithMessage(err, "planning memory")
	}

	nnCompiler := nn.New(dev, specs, opts.Cache)
	tpCompiler := tp.New(dev, specs)
	for jobIdx, job := range sg.program.Jobs {
		var in *jobs.Instruction
		switch {
		case job.Kind.IsMarker():
			continue
		case job.Kind.IsTP():
			in, err = tpCompiler.Compile(sg.arena, job)
		default:
			in, err = nnCompiler.Compile(sg.arena, job)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "compiling job #%d", jobIdx)
		}
		in.Job = jobIdx
		sg.instructions = append(sg.instructions, in)
	}
	klog.V(1).Infof("subgraph: %d operations compiled to %d jobs and %d instructions for %s",
		len(operations), len(sg.program.Jobs), len(sg.instructions), specs.Name)
	succeeded = true
	return sg, nil
}

// Destroy releases the instructions and tensors. The subgraph can't be used afterward.
func (sg *Subgraph) Destroy() {
	for _, in := range sg.instructions {
		in.Release()
	}
	sg.instructions = nil
	if sg.arena != nil {
		sg.arena.Release()
	}
}

// Instructions returns the compiled instructions, in execution order.
func (sg *Subgraph) Instructions() []*jobs.Instruction { return sg.instructions }

// Jobs returns the jobs the graph was lowered to, including the aliasing markers.
func (sg *Subgraph) Jobs() []*jobs.Job {
	if sg.program == nil {
		return nil
	}
	return sg.program.Jobs
}

// Arena returns the arena holding the tensors.
func (sg *Subgraph) Arena() *arena.Arena { return sg.arena }

// Options used by the driver.
func (sg *Subgraph) Options() Options { return sg.opts }

// deviceSigned returns whether the tensors are stored as int8 in device memory: gen8 cores read
// and write int8 images, gen7 ones uint8.
func (sg *Subgraph) deviceSigned() bool { return sg.specs.Generation == hw.Gen8 }

// convert flips the sign bit when the caller's representation differs from the device's.
func convert(data []byte, signed, deviceSigned bool) []byte {
	if signed == deviceSigned {
		return data
	}
	converted := make([]byte, len(data))
	for i, v := range data {
		converted[i] = v ^ 0x80
	}
	return converted
}

func (sg *Subgraph) checkArgs(indices []int, data [][]byte, signed []bool) error {
	if len(indices) != len(data) || len(indices) != len(signed) {
		return errors.Errorf("got %d tensor indices, %d buffers and %d signed flags", len(indices), len(data), len(signed))
	}
	for i, idx := range indices {
		if !sg.arena.IsBacked(idx) {
			return errors.Errorf("tensor #%d is not part of the subgraph", idx)
		}
		if size := sg.arena.Size(idx); size != len(data[i]) {
			return errors.Errorf("tensor #%d has %d bytes, got a buffer of %d bytes", idx, size, len(data[i]))
		}
	}
	return nil
}

// Invoke uploads the inputs and emits all the instructions.
//
// Signed inputs hold int8 values, the others the uint8 values described by the tensor zero-point.
// By default the instructions are only queued, and ReadOutputs waits for them to finish.
func (sg *Subgraph) Invoke(indices []int, inputs [][]byte, signed []bool) error {
	if err := sg.checkArgs(indices, inputs, signed); err != nil {
		return errors.WithMessage(err, "invoke")
	}
	for i, idx := range indices {
		data := convert(inputs[i], signed[i], sg.deviceSigned())
		if err := device.Write(sg.arena.Buffer(idx), sg.arena.Offset(idx), data); err != nil {
			return errors.WithMessagef(err, "uploading input tensor #%d", idx)
		}
	}
	stream := sg.dev.Stream()
	for slot, in := range sg.instructions {
		sg.emit(stream, slot, in)
		if !sg.opts.NoBatching {
			continue
		}
		if err := stream.Flush(); err != nil {
			return errors.WithMessagef(err, "flushing instruction #%d", slot)
		}
		if err := stream.Wait(); err != nil {
			return errors.WithMessagef(err, "waiting for instruction #%d", slot)
		}
		klog.V(1).Infof("subgraph: instruction #%d (%s) done, output tensor #%d has %d bytes",
			slot, in.Kind, in.Output, sg.arena.Size(in.Output))
	}
	return nil
}

// ReadOutputs waits for the invocation to finish and copies out the output tensors.
func (sg *Subgraph) ReadOutputs(indices []int, outputs [][]byte, signed []bool) error {
	if err := sg.checkArgs(indices, outputs, signed); err != nil {
		return errors.WithMessage(err, "read outputs")
	}
	stream := sg.dev.Stream()
	if err := stream.Flush(); err != nil {
		return errors.WithMessage(err, "flushing command stream")
	}
	if err := stream.Wait(); err != nil {
		return errors.WithMessage(err, "waiting for command stream")
	}
	for i, idx := range indices {
		if err := device.Read(sg.arena.Buffer(idx), sg.arena.Offset(idx), outputs[i]); err != nil {
			return errors.WithMessagef(err, "reading output tensor #%d", idx)
		}
		if signed[i] != sg.deviceSigned() {
			for j := range outputs[i] {
				outputs[i][j] ^= 0x80
			}
		}
	}
	return nil
}
