// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lower turns the flat list of graph operations into primitive hardware jobs, and plans
// the arena memory they use.
//
// Tensors between NN jobs are kept channel-major, the layout the NN cores read and write. Graph
// inputs are channel-last, so a transpose job is inserted before the first NN job that reads one
// with more than one channel, and a detranspose job after NN jobs whose output is not consumed by
// exactly one operation (graph outputs, fan-outs).
package lower

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/npu/nn"
	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/gomlx/npuc/pkg/npu/tp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Program is the result of lowering a graph.
type Program struct {
	Jobs []*jobs.Job

	// Sizes of every tensor index the jobs use, in bytes.
	Sizes map[int]int
}

type lowerer struct {
	gen   hw.Generation
	arena *arena.Arena
	prog  *Program

	// consumers counts the operations reading each tensor.
	consumers map[int]int

	// channelLast marks the tensors whose bytes are in the graph (channel-last) layout.
	channelLast map[int]bool
}

// Lower converts the operations to jobs. New intermediate tensors are allocated in the arena,
// which must have one index per graph tensor already.
//
// It returns an error if the graph is invalid, and panics for operations the hardware can't run.
func Lower(gen hw.Generation, operations []ops.Operation, a *arena.Arena) (*Program, error) {
	if err := ops.ValidateGraph(operations); err != nil {
		return nil, err
	}
	if n := ops.NumTensors(operations); a.Len() < n {
		return nil, errors.Errorf("lower: arena has %d indices, the graph uses %d", a.Len(), n)
	}
	l := &lowerer{
		gen:         gen,
		arena:       a,
		prog:        &Program{Sizes: make(map[int]int)},
		consumers:   make(map[int]int),
		channelLast: make(map[int]bool),
	}
	produced := make(map[int]bool)
	for _, op := range operations {
		for _, t := range op.Inputs {
			l.consumers[t.Index]++
		}
		for _, t := range op.Outputs {
			produced[t.Index] = true
		}
	}
	for _, op := range operations {
		for _, t := range op.Inputs {
			if !produced[t.Index] {
				l.channelLast[t.Index] = true
			}
			l.prog.Sizes[t.Index] = t.Size()
		}
		for _, t := range op.Outputs {
			l.prog.Sizes[t.Index] = t.Size()
		}
	}

	for i := range operations {
		op := &operations[i]
		klog.V(1).Infof("lower: operation #%d %s", i, op)
		switch op.Kind {
		case ops.KindConvolution:
			l.convolution(i, op)
		case ops.KindAdd:
			l.add(i, op)
		case ops.KindConcatenation:
			l.concatenation(i, op)
		case ops.KindSplit:
			l.split(i, op)
		case ops.KindPad:
			l.pad(i, op)
		case ops.KindFullyConnected:
			l.fullyConnected(i, op)
		default:
			exceptions.Panicf("lower: unsupported operation kind %s", op.Kind)
		}
	}
	return l.prog, nil
}

func (l *lowerer) emit(job *jobs.Job) {
	klog.V(1).Infof("lower:   %s", job)
	l.prog.Jobs = append(l.prog.Jobs, job)
}

// newTensor allocates an intermediate tensor index.
func (l *lowerer) newTensor(size int) int {
	idx := l.arena.Allocate()
	l.prog.Sizes[idx] = size
	return idx
}

// toChannelMajor returns the index holding t in channel-major layout, emitting a transpose if
// needed.
func (l *lowerer) toChannelMajor(opIdx int, t ops.Tensor) int {
	if t.Channels == 1 || !l.channelLast[t.Index] {
		return t.Index
	}
	shape := jobs.ShapeOf(t)
	transposed := l.newTensor(t.Size())
	l.emit(&jobs.Job{Kind: jobs.KindTranspose, Op: opIdx, Input: t.Index, Output: transposed,
		InputShape: shape, OutputShape: shape, InputScale: t.Scale, OutputScale: t.Scale,
		InputZeroPoint: t.ZeroPoint, OutputZeroPoint: t.ZeroPoint})
	return transposed
}

// duplicate copies the tensor t, stored at index src, to a new index in the same layout. The copy
// is a transpose of a single channel image, which leaves the bytes in place.
func (l *lowerer) duplicate(opIdx int, t ops.Tensor, src int) int {
	shape := jobs.Shape{Width: t.Width, Height: t.Height * t.Channels, Channels: 1}
	copied := l.newTensor(t.Size())
	l.emit(&jobs.Job{Kind: jobs.KindTranspose, Op: opIdx, Input: src, Output: copied,
		InputShape: shape, OutputShape: shape, InputScale: t.Scale, OutputScale: t.Scale,
		InputZeroPoint: t.ZeroPoint, OutputZeroPoint: t.ZeroPoint})
	l.channelLast[copied] = l.channelLast[src]
	return copied
}

// output returns where the NN job producing t writes, and a function to call after emitting it
// that appends the detranspose job, if one is needed.
func (l *lowerer) output(opIdx int, t ops.Tensor) (idx int, finish func()) {
	if t.Channels == 1 || l.consumers[t.Index] == 1 {
		return t.Index, func() {}
	}
	shape := jobs.ShapeOf(t)
	idx = l.newTensor(t.Size())
	return idx, func() {
		l.emit(&jobs.Job{Kind: jobs.KindDetranspose, Op: opIdx, Input: idx, Output: t.Index,
			InputShape: shape, OutputShape: shape, InputScale: t.Scale, OutputScale: t.Scale,
			InputZeroPoint: t.ZeroPoint, OutputZeroPoint: t.ZeroPoint})
		l.channelLast[t.Index] = true
	}
}

// nnJob returns an NN job with the quantization of in and out.
func nnJob(opIdx int, mode jobs.NNMode, in, out ops.Tensor) *jobs.Job {
	return &jobs.Job{
		Kind: jobs.KindNN, Op: opIdx, Mode: mode,
		Input: in.Index, Output: out.Index,
		InputShape: jobs.ShapeOf(in), OutputShape: jobs.ShapeOf(out),
		InputScale: in.Scale, OutputScale: out.Scale,
		InputZeroPoint: in.ZeroPoint, OutputZeroPoint: out.ZeroPoint,
	}
}

func (l *lowerer) convolution(opIdx int, op *ops.Operation) {
	in, out, conv := op.Input(), op.Output(), op.Conv
	stride := conv.Stride()
	if max(conv.StrideY, 1) != stride {
		exceptions.Panicf("lower: operation #%d has different strides %dx%d", opIdx, conv.StrideX, conv.StrideY)
	}
	if stride > 2 {
		exceptions.Panicf("lower: operation #%d has stride %d, only 1 and 2 are supported", opIdx, stride)
	}
	job := nnJob(opIdx, jobs.ModeConvolution, in, out)
	job.Weights, job.Bias, job.Stride = conv.Weights, conv.Bias, stride
	job.Depthwise, job.Pointwise, job.PaddingSame, job.ReLU = conv.Depthwise, conv.Pointwise, conv.PaddingSame, conv.ReLU

	job.Input = l.toChannelMajor(opIdx, in)
	if stride > 1 && !nn.NativeStride(l.gen, conv.Depthwise, conv.Pointwise, in.Width) {
		kw := conv.Weights.Width
		// Fails early for kernels the reshuffle can't pad.
		tp.ReshufflePadding(kw, conv.PaddingSame)
		shape := nn.DestrideShape(l.gen, job.InputShape, kw, stride, conv.PaddingSame)
		reshuffled := l.newTensor(shape.Size())
		l.emit(&jobs.Job{Kind: jobs.KindReshuffle, Op: opIdx, Input: job.Input, Output: reshuffled,
			InputShape: job.InputShape, OutputShape: shape, InputScale: in.Scale, OutputScale: in.Scale,
			InputZeroPoint: in.ZeroPoint, OutputZeroPoint: in.ZeroPoint, Stride: stride,
			PaddingSame: conv.PaddingSame, Weights: ops.Weights{Width: kw, Height: conv.Weights.Height}})
		job.Input = reshuffled
	}
	var finish func()
	job.Output, finish = l.output(opIdx, out)
	l.emit(job)
	finish()
}

// addWeights returns the weights and raw bias of the pass-through kernel computing
// sA·(a−zpA) + sB·(b−zpB) with the quantization of a.
func addWeights(a, b ops.Tensor) (scale float32, first, second uint8, bias int32) {
	ratio := float64(b.Scale) / float64(a.Scale)
	ws := math.Max(ratio, 1) / 255
	first = uint8(math.Round(1 / ws))
	second = uint8(math.Round(ratio / ws))
	bias = int32(math.Round((float64(a.ZeroPoint) - float64(b.ZeroPoint)) * ratio / ws))
	return float32(ws), first, second, bias
}

func (l *lowerer) add(opIdx int, op *ops.Operation) {
	a, b, out := op.Inputs[0], op.Inputs[1], op.Output()
	// Both operands must share a layout: an elementwise sum doesn't care which.
	aIdx, bIdx := a.Index, b.Index
	if l.channelLast[a.Index] != l.channelLast[b.Index] {
		aIdx, bIdx = l.toChannelMajor(opIdx, a), l.toChannelMajor(opIdx, b)
	}
	if aIdx == bIdx {
		// Each operand is aliased into its half of the NN input: x+x needs a second copy.
		bIdx = l.duplicate(opIdx, b, aIdx)
	}
	operandsChannelLast := l.channelLast[aIdx] && l.channelLast[bIdx]

	hidden := l.newTensor(a.Size() + b.Size())
	job := nnJob(opIdx, jobs.ModeAddition, a, out)
	job.Input = hidden
	job.Branches = []int{aIdx, bIdx}
	ws, first, second, bias := addWeights(a, b)
	shape := jobs.ShapeOf(a)
	if l.gen == hw.Gen7 {
		job.InputShape, job.OutputShape = nn.AdditionSizes(shape)
		job.Weights = ops.Weights{Width: 1, Height: 1, InputChannels: 2, OutputChannels: 1,
			Data: []byte{first, second}, Scale: ws}
		job.Bias = []int32{bias}
	} else {
		// A 1x1 convolution over the 2C channels, adding channel c and C+c.
		c := shape.Channels
		job.Mode = jobs.ModeConvolution
		job.InputShape = jobs.Shape{Width: shape.Width, Height: shape.Height, Channels: 2 * c}
		job.Weights = ops.Weights{Width: 1, Height: 1, InputChannels: 2 * c, OutputChannels: c,
			Data: make([]byte, 2*c*c), Scale: ws}
		job.Bias = make([]int32, c)
		for oc := range c {
			job.Weights.Data[oc*2*c+oc] = first
			job.Weights.Data[oc*2*c+c+oc] = second
			job.Bias[oc] = bias
		}
	}
	klog.V(1).Infof("lower: add weights %d, %d (scale %g), bias %d", first, second, ws, bias)

	if operandsChannelLast {
		job.Output = out.Index
		l.emit(job)
		l.channelLast[out.Index] = true
		return
	}
	var finish func()
	job.Output, finish = l.output(opIdx, out)
	l.emit(job)
	finish()
}

func (l *lowerer) concatenation(opIdx int, op *ops.Operation) {
	out := op.Output()
	job := &jobs.Job{Kind: jobs.KindConcat, Op: opIdx, Input: out.Index, InputShape: jobs.ShapeOf(out)}
	for _, t := range op.Inputs {
		job.Branches = append(job.Branches, t.Index)
	}
	l.channelLast[out.Index] = l.channelLast[op.Inputs[0].Index]
	l.emit(job)
}

func (l *lowerer) split(opIdx int, op *ops.Operation) {
	in := op.Input()
	job := &jobs.Job{Kind: jobs.KindSplit, Op: opIdx, Input: in.Index, InputShape: jobs.ShapeOf(in)}
	for _, t := range op.Outputs {
		job.Branches = append(job.Branches, t.Index)
		l.channelLast[t.Index] = l.channelLast[in.Index]
	}
	l.emit(job)
}

// pad lowers to a 1x1 identity convolution reading the input with an offset.
func (l *lowerer) pad(opIdx int, op *ops.Operation) {
	in, out, pad := op.Input(), op.Output(), op.Pad
	c := in.Channels
	job := nnJob(opIdx, jobs.ModeConvolution, in, out)
	job.Weights = ops.Weights{Width: 1, Height: 1, InputChannels: c, OutputChannels: c,
		Data: make([]byte, c*c), Scale: 1.0 / 255}
	for oc := range c {
		job.Weights.Data[oc*c+oc] = 255
	}
	job.Bias = make([]int32, c)
	job.PadBeforeX, job.PadBeforeY = pad.BeforeX, pad.BeforeY

	job.Input = l.toChannelMajor(opIdx, in)
	var finish func()
	job.Output, finish = l.output(opIdx, out)
	l.emit(job)
	finish()
}

// fullyConnected lowers to an NN job over the flattened input. Only flattening a channel-major
// image with more than one pixel needs a detranspose first.
func (l *lowerer) fullyConnected(opIdx int, op *ops.Operation) {
	in, out, conv := op.Input(), op.Output(), op.Conv
	job := nnJob(opIdx, jobs.ModeFullyConnected, in, out)
	job.InputShape = jobs.Shape{Width: 1, Height: 1, Channels: in.Size()}
	job.OutputShape = jobs.Shape{Width: 1, Height: 1, Channels: out.Size()}
	job.Weights, job.Bias, job.ReLU = conv.Weights, conv.Bias, conv.ReLU
	if in.Channels > 1 && in.Width*in.Height > 1 && !l.channelLast[in.Index] {
		shape := jobs.ShapeOf(in)
		flat := l.newTensor(in.Size())
		l.emit(&jobs.Job{Kind: jobs.KindDetranspose, Op: opIdx, Input: in.Index, Output: flat,
			InputShape: shape, OutputShape: shape, InputScale: in.Scale, OutputScale: in.Scale,
			InputZeroPoint: in.ZeroPoint, OutputZeroPoint: in.ZeroPoint})
		job.Input = flat
	}
	l.emit(job)
	l.channelLast[out.Index] = true
}
