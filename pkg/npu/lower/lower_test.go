// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lower

import (
	"testing"

	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/npu/nn"
	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func tensor(idx, w, h, c int) ops.Tensor {
	return ops.Tensor{Index: idx, Width: w, Height: h, Channels: c, Scale: 1, ZeroPoint: 128}
}

func conv(in, out ops.Tensor, k, stride int) ops.Operation {
	w := ops.Weights{Width: k, Height: k, InputChannels: in.Channels, OutputChannels: out.Channels,
		Scale: 0.5, ZeroPoint: 128}
	w.Data = make([]byte, w.Size())
	return ops.Operation{
		Kind: ops.KindConvolution, Inputs: []ops.Tensor{in}, Outputs: []ops.Tensor{out},
		Conv: &ops.Convolution{Weights: w, Bias: make([]int32, out.Channels), StrideX: stride, StrideY: stride,
			PaddingSame: true},
	}
}

func lowerAndPlan(t *testing.T, gen hw.Generation, operations []ops.Operation) (*Program, *arena.Arena) {
	specs := must.M1(hw.Preset("vipnano-si+"))
	if gen == hw.Gen8 {
		specs = must.M1(hw.Preset("vip9000-6c"))
	}
	a := arena.New(memdev.New(specs), ops.NumTensors(operations))
	p, err := Lower(gen, operations, a)
	require.NoError(t, err)
	require.NoError(t, PlanMemory(a, p))
	for _, job := range p.Jobs {
		if !job.Kind.IsMarker() {
			require.True(t, a.IsBacked(job.Input), "input of %s", job)
			require.True(t, a.IsBacked(job.Output), "output of %s", job)
		}
	}
	return p, a
}

func kinds(p *Program) []jobs.Kind {
	var k []jobs.Kind
	for _, job := range p.Jobs {
		k = append(k, job.Kind)
	}
	return k
}

func TestConvolution(t *testing.T) {
	in, out := tensor(0, 8, 8, 3), tensor(1, 8, 8, 4)
	for _, gen := range []hw.Generation{hw.Gen7, hw.Gen8} {
		p, a := lowerAndPlan(t, gen, []ops.Operation{conv(in, out, 3, 1)})
		require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
		transpose, nnJob, detranspose := p.Jobs[0], p.Jobs[1], p.Jobs[2]
		assert.Equal(t, 0, transpose.Input)
		assert.Equal(t, transpose.Output, nnJob.Input)
		assert.Equal(t, nnJob.Output, detranspose.Input)
		assert.Equal(t, 1, detranspose.Output)
		assert.Equal(t, jobs.Shape{8, 8, 3}, nnJob.InputShape)
		assert.Equal(t, 8*8*4, a.Size(1))
		assert.Equal(t, 8*8*3, a.Size(0))
		a.Release()
	}
}

func TestSingleChannel(t *testing.T) {
	// One channel: no transposes at all.
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{conv(tensor(0, 8, 8, 1), tensor(1, 8, 8, 1), 3, 1)})
	assert.Equal(t, []jobs.Kind{jobs.KindNN}, kinds(p))
	a.Release()
}

func TestChain(t *testing.T) {
	t0, t1, t2 := tensor(0, 8, 8, 3), tensor(1, 8, 8, 4), tensor(2, 8, 8, 5)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{conv(t0, t1, 3, 1), conv(t1, t2, 3, 1)})
	// t1 is consumed by exactly one operation: it stays channel-major.
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	assert.Equal(t, 1, p.Jobs[1].Output)
	assert.Equal(t, 1, p.Jobs[2].Input)
	a.Release()
}

func TestFanOut(t *testing.T) {
	t0, t1, t2, t3 := tensor(0, 8, 8, 3), tensor(1, 8, 8, 4), tensor(2, 8, 8, 2), tensor(3, 8, 8, 2)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{conv(t0, t1, 3, 1), conv(t1, t2, 1, 1), conv(t1, t3, 1, 1)})
	require.Equal(t, []jobs.Kind{
		jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose,
		jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose,
		jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose,
	}, kinds(p))
	assert.Equal(t, 1, p.Jobs[2].Output)
	assert.Equal(t, 1, p.Jobs[3].Input)
	assert.Equal(t, 1, p.Jobs[6].Input)
	a.Release()
}

func TestStrided(t *testing.T) {
	in, out := tensor(0, 16, 16, 3), tensor(1, 8, 8, 8)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{conv(in, out, 3, 2)})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindReshuffle, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	reshuffle, nnJob := p.Jobs[1], p.Jobs[2]
	assert.Equal(t, nn.DestrideShape(hw.Gen7, jobs.Shape{16, 16, 3}, 3, 2, true), reshuffle.OutputShape)
	assert.Equal(t, jobs.Shape{9, 9, 12}, reshuffle.OutputShape)
	assert.Equal(t, reshuffle.Output, nnJob.Input)
	assert.Equal(t, 9*9*12, a.Size(nnJob.Input))
	assert.Equal(t, jobs.Shape{16, 16, 3}, nnJob.InputShape, "the NN compiler destrides the weights itself")
	a.Release()

	// Depthwise wide enough is strided natively on gen8.
	dw := conv(tensor(0, 16, 16, 4), tensor(1, 8, 8, 4), 3, 2)
	dw.Conv.Depthwise = true
	dw.Conv.Weights.InputChannels = 1
	dw.Conv.Weights.Data = make([]byte, 3*3*4)
	p, a = lowerAndPlan(t, hw.Gen8, []ops.Operation{dw})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	a.Release()

	// Narrow depthwise: native on gen8 at any width, reshuffled on gen7 for widths 3 to 5.
	dw = conv(tensor(0, 4, 4, 4), tensor(1, 2, 2, 4), 3, 2)
	dw.Conv.Depthwise = true
	dw.Conv.Weights.InputChannels = 1
	dw.Conv.Weights.Data = make([]byte, 3*3*4)
	p, a = lowerAndPlan(t, hw.Gen8, []ops.Operation{dw})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	assert.Equal(t, jobs.Shape{4, 4, 4}, p.Jobs[1].InputShape)
	a.Release()
	p, a = lowerAndPlan(t, hw.Gen7, []ops.Operation{dw})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindReshuffle, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	a.Release()

	require.Panics(t, func() {
		_, _ = Lower(hw.Gen7, []ops.Operation{conv(tensor(0, 16, 16, 3), tensor(1, 6, 6, 8), 3, 3)}, arena.New(nil, 2))
	})
}

func TestAdd(t *testing.T) {
	a, b, out := tensor(0, 8, 8, 4), tensor(1, 8, 8, 4), tensor(2, 8, 8, 4)
	b.Scale = 2
	add := ops.Operation{Kind: ops.KindAdd, Inputs: []ops.Tensor{a, b}, Outputs: []ops.Tensor{out}}
	for _, gen := range []hw.Generation{hw.Gen7, hw.Gen8} {
		p, ar := lowerAndPlan(t, gen, []ops.Operation{add})
		require.Equal(t, []jobs.Kind{jobs.KindNN}, kinds(p), "no copies, no transposes")
		job := p.Jobs[0]
		assert.Equal(t, 2*a.Size(), ar.Size(job.Input))
		assert.Equal(t, ar.Buffer(job.Input), ar.Buffer(0))
		assert.Equal(t, ar.Buffer(job.Input), ar.Buffer(1))
		assert.Equal(t, ar.Offset(job.Input), ar.Offset(0))
		assert.Equal(t, ar.Offset(job.Input)+a.Size(), ar.Offset(1))
		assert.Equal(t, 2, job.Output)
		if gen == hw.Gen7 {
			assert.Equal(t, jobs.ModeAddition, job.Mode)
			assert.Equal(t, jobs.Shape{64, 4, 2}, job.InputShape)
			assert.Equal(t, jobs.Shape{64, 4, 1}, job.OutputShape)
			assert.Equal(t, []byte{128, 255}, job.Weights.Data)
		} else {
			assert.Equal(t, jobs.Shape{8, 8, 8}, job.InputShape)
			assert.Equal(t, 8*4, len(job.Weights.Data))
			assert.Equal(t, uint8(128), job.Weights.Data[1*8+1])
			assert.Equal(t, uint8(255), job.Weights.Data[1*8+4+1])
			assert.Equal(t, uint8(0), job.Weights.Data[1*8+4+2])
		}
		ar.Release()
	}
}

func TestAddSameOperand(t *testing.T) {
	x, out := tensor(0, 8, 8, 4), tensor(1, 8, 8, 4)
	add := ops.Operation{Kind: ops.KindAdd, Inputs: []ops.Tensor{x, x}, Outputs: []ops.Tensor{out}}
	for _, gen := range []hw.Generation{hw.Gen7, hw.Gen8} {
		p, ar := lowerAndPlan(t, gen, []ops.Operation{add})
		require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN}, kinds(p))
		copyJob, job := p.Jobs[0], p.Jobs[1]
		assert.Equal(t, 0, copyJob.Input)
		assert.Equal(t, 1, copyJob.InputShape.Channels, "a single channel transpose is a plain copy")
		assert.Equal(t, x.Size(), copyJob.InputShape.Size())
		assert.Equal(t, []int{0, copyJob.Output}, job.Branches)
		assert.Equal(t, ar.Buffer(job.Input), ar.Buffer(copyJob.Output))
		assert.Equal(t, ar.Offset(job.Input), ar.Offset(0))
		assert.Equal(t, ar.Offset(job.Input)+x.Size(), ar.Offset(copyJob.Output))
		assert.Equal(t, 1, job.Output, "the operands stay channel-last")
		ar.Release()
	}
}

func TestAddWeights(t *testing.T) {
	a := ops.Tensor{Scale: 1, ZeroPoint: 128}
	b := ops.Tensor{Scale: 2, ZeroPoint: 100}
	ws, first, second, bias := addWeights(a, b)
	assert.InDelta(t, 2.0/255, ws, 1e-7)
	assert.Equal(t, uint8(128), first)
	assert.Equal(t, uint8(255), second)
	assert.Equal(t, int32(28*255), bias)

	ws, first, second, bias = addWeights(b, a)
	assert.InDelta(t, 1.0/255, ws, 1e-7)
	assert.Equal(t, uint8(255), first)
	assert.Equal(t, uint8(128), second)
	assert.Equal(t, int32(-28*255/2), bias)
}

func TestConcatSplit(t *testing.T) {
	t0 := tensor(0, 8, 8, 3)
	b1, b2 := tensor(1, 8, 8, 4), tensor(2, 8, 8, 2)
	cat := tensor(3, 8, 8, 6)
	s1, s2 := tensor(4, 8, 8, 1), tensor(5, 8, 8, 5)
	operations := []ops.Operation{
		conv(t0, b1, 3, 1),
		conv(t0, b2, 3, 1),
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{b1, b2}, Outputs: []ops.Tensor{cat}},
		{Kind: ops.KindSplit, Inputs: []ops.Tensor{cat}, Outputs: []ops.Tensor{s1, s2}},
	}
	p, a := lowerAndPlan(t, hw.Gen7, operations)
	require.Equal(t, []jobs.Kind{
		jobs.KindTranspose, jobs.KindNN, jobs.KindTranspose, jobs.KindNN, jobs.KindConcat, jobs.KindSplit,
	}, kinds(p))
	assert.Equal(t, []int{1, 2}, p.Jobs[4].Branches)
	assert.Equal(t, cat.Size(), a.Size(3))
	assert.Equal(t, b1.Size()+b2.Size(), a.Size(3))
	assert.Equal(t, a.Offset(3), a.Offset(1))
	assert.Equal(t, a.Offset(3)+b1.Size(), a.Offset(2))
	assert.Equal(t, a.Offset(3), a.Offset(4))
	assert.Equal(t, a.Offset(3)+s1.Size(), a.Offset(5))
	for _, idx := range []int{1, 2, 4, 5} {
		assert.Equal(t, a.Buffer(3), a.Buffer(idx))
	}
	a.Release()

	operations[2].Outputs[0].Channels = 7
	_, err := Lower(hw.Gen7, operations, arena.New(nil, 6))
	require.ErrorContains(t, err, "sum to")
}

func TestConcatOutput(t *testing.T) {
	// A concatenation of NN outputs read by nobody: the branches have a single consumer, so they,
	// and the concatenated graph output, stay channel-major.
	t0 := tensor(0, 8, 8, 3)
	b1, b2, cat := tensor(1, 8, 8, 4), tensor(2, 8, 8, 2), tensor(3, 8, 8, 6)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{
		conv(t0, b1, 3, 1),
		conv(t0, b2, 3, 1),
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{b1, b2}, Outputs: []ops.Tensor{cat}},
	})
	require.Equal(t, []jobs.Kind{
		jobs.KindTranspose, jobs.KindNN, jobs.KindTranspose, jobs.KindNN, jobs.KindConcat,
	}, kinds(p))
	assert.Equal(t, 1, p.Jobs[1].Output)
	assert.Equal(t, 2, p.Jobs[3].Output)
	assert.Equal(t, a.Offset(3), a.Offset(1))
	a.Release()
}

func TestNestedConcat(t *testing.T) {
	b1, b2, b3 := tensor(0, 4, 4, 1), tensor(1, 4, 4, 1), tensor(2, 4, 4, 1)
	inner, outer := tensor(3, 4, 4, 2), tensor(4, 4, 4, 3)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{b1, b2}, Outputs: []ops.Tensor{inner}},
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{inner, b3}, Outputs: []ops.Tensor{outer}},
	})
	require.Len(t, p.Jobs, 2)
	assert.Equal(t, 48, a.Size(4))
	assert.Equal(t, a.Offset(4), a.Offset(0))
	assert.Equal(t, a.Offset(4)+16, a.Offset(1))
	assert.Equal(t, a.Offset(4)+32, a.Offset(2))
	a.Release()
}

func TestPad(t *testing.T) {
	in, out := tensor(0, 8, 8, 2), tensor(1, 11, 10, 2)
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{{
		Kind: ops.KindPad, Inputs: []ops.Tensor{in}, Outputs: []ops.Tensor{out},
		Pad: &ops.Padding{BeforeX: 1, AfterX: 2, BeforeY: 1, AfterY: 1},
	}})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose}, kinds(p))
	job := p.Jobs[1]
	assert.Equal(t, []byte{255, 0, 0, 255}, job.Weights.Data)
	assert.Equal(t, [2]int{1, 1}, [2]int{job.PadBeforeX, job.PadBeforeY})
	assert.Equal(t, jobs.Shape{11, 10, 2}, job.OutputShape)
	a.Release()
}

func TestFullyConnected(t *testing.T) {
	t0, t1, t2 := tensor(0, 4, 4, 3), tensor(1, 4, 4, 2), tensor(2, 1, 1, 10)
	w := ops.Weights{Width: 1, Height: 1, InputChannels: 32, OutputChannels: 10, Scale: 1, ZeroPoint: 128}
	w.Data = make([]byte, w.Size())
	fc := ops.Operation{Kind: ops.KindFullyConnected, Inputs: []ops.Tensor{t1}, Outputs: []ops.Tensor{t2},
		Conv: &ops.Convolution{Weights: w, Bias: make([]int32, 10)}}
	p, a := lowerAndPlan(t, hw.Gen7, []ops.Operation{conv(t0, t1, 3, 1), fc})
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose, jobs.KindNN}, kinds(p))
	job := p.Jobs[3]
	assert.Equal(t, jobs.ModeFullyConnected, job.Mode)
	assert.Equal(t, jobs.Shape{1, 1, 32}, job.InputShape)
	assert.Equal(t, p.Jobs[2].Output, job.Input)
	assert.Equal(t, 2, job.Output)
	a.Release()
}

func TestLowerErrors(t *testing.T) {
	operations := []ops.Operation{conv(tensor(0, 8, 8, 3), tensor(1, 8, 8, 4), 3, 1)}
	_, err := Lower(hw.Gen7, operations, arena.New(nil, 1))
	require.Error(t, err, "arena too small")

	operations[0].Conv.Bias = nil
	_, err = Lower(hw.Gen7, operations, arena.New(nil, 2))
	require.Error(t, err)

	_, err = Lower(hw.Gen7, []ops.Operation{{Kind: ops.KindInvalid}}, arena.New(nil, 1))
	require.ErrorContains(t, err, "unknown operation kind")
}

func TestPlanMemoryAliasConflict(t *testing.T) {
	// Tensor 0 can't be at the start of both concatenations.
	b0, b1, b2 := tensor(0, 4, 4, 1), tensor(1, 4, 4, 1), tensor(2, 4, 4, 1)
	operations := []ops.Operation{
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{b0, b1}, Outputs: []ops.Tensor{tensor(3, 4, 4, 2)}},
		{Kind: ops.KindConcatenation, Inputs: []ops.Tensor{b0, b2}, Outputs: []ops.Tensor{tensor(4, 4, 4, 2)}},
	}
	a := arena.New(memdev.New(must.M1(hw.Preset("vipnano-si+"))), 5)
	p, err := Lower(hw.Gen7, operations, a)
	require.NoError(t, err)
	require.Error(t, PlanMemory(a, p))
	a.Release()
}
