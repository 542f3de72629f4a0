// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tp compiles the jobs of the tensor-permutation (TP) cores: transposes between the
// channel-last layout of graph inputs and outputs and the channel-major layout the NN cores
// use, and the reshuffle (space-to-depth) that destrides strided convolutions.
package tp

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/support/bitfield"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiler compiles TP jobs for one NPU.
type Compiler struct {
	alloc device.Allocator
	specs hw.Specs
}

// New returns a Compiler for the specs.
//
// It panics if the generation is not supported.
func New(alloc device.Allocator, specs hw.Specs) *Compiler {
	if !specs.Generation.Supported() {
		exceptions.Panicf("tp: unsupported NPU generation %s", specs.Generation)
	}
	return &Compiler{alloc: alloc, specs: specs}
}

// Compile returns the instruction for the TP job, with one register block per TP core used.
// The job input and output must be backed in the arena.
func (c *Compiler) Compile(a *arena.Arena, job *jobs.Job) (*jobs.Instruction, error) {
	if !a.IsBacked(job.Input) || !a.IsBacked(job.Output) {
		return nil, errors.Errorf("tp: %s reads or writes an unbacked tensor", job)
	}
	input := a.Buffer(job.Input).GPUAddress() + uint32(a.Offset(job.Input))
	output := a.Buffer(job.Output).GPUAddress() + uint32(a.Offset(job.Output))
	blocks := c.Plan(job, input, output)
	in := &jobs.Instruction{Kind: job.Kind, Input: job.Input, Output: job.Output}
	for core, p := range blocks {
		config, err := device.NewBufferWith(c.alloc, bitfield.Pack(p))
		if err != nil {
			in.Release()
			return nil, errors.WithMessagef(err, "tp: allocating registers of core %d of %s", core, job)
		}
		in.Configs = append(in.Configs, config)
	}
	klog.V(2).Infof("tp: %s on %d cores", job, len(blocks))
	return in, nil
}

// Plan returns the register blocks of the job for the given input and output addresses,
// one per TP core used.
func (c *Compiler) Plan(job *jobs.Job, input, output uint32) []*Params {
	switch job.Kind {
	case jobs.KindTranspose:
		return []*Params{c.transpose(job.InputShape, input, output)}
	case jobs.KindDetranspose:
		return []*Params{c.detranspose(job.InputShape, input, output)}
	case jobs.KindReshuffle:
		return c.reshuffle(job, input, output)
	default:
		exceptions.Panicf("tp: can't compile %s job", job.Kind)
		return nil
	}
}

func (c *Compiler) newParams() *Params {
	dataType := uint32(dataTypeUint8)
	if c.specs.Generation == hw.Gen8 {
		dataType = dataTypeInt8
	}
	return &Params{
		InTileSequence:      0x2,
		InImageGlobalMem:    1,
		OutImageGlobalMem:   1,
		InImageDataType:     dataType,
		OutImageDataType:    dataType,
		FlatRoundingMode:    1,
		IntegerRoundingMode: 1,
		Last:                1,
	}
}

// borderConst returns the register value of a zero-point: gen8 images are signed.
func (c *Compiler) borderConst(zeroPoint uint8) uint32 {
	if c.specs.Generation == hw.Gen8 {
		return uint32(zeroPoint ^ 0x80)
	}
	return uint32(zeroPoint)
}

// setInput configures the input image: element (x, y, z) is at base + z·slice + y·stride + x.
func (p *Params) setInput(base uint32, xSize, ySize, zSize, stride, slice int) {
	p.InImageBaseAddress = base
	p.InImageXSize = uint32(xSize)
	p.InImageYSize = uint32(ySize)
	p.InImageZSize = uint32(zSize)
	p.InImageStride = uint32(stride)
	p.InImageSlice = uint32(slice)
}

// setWindow configures the window [x0, x1] × [y0, y1] (inclusive) read as a single tile.
func (p *Params) setWindow(x0, y0, x1, y1 int) {
	p.InWindowXStart, p.InWindowYStart = coordinate(x0), coordinate(y0)
	p.InWindowXEnd, p.InWindowYEnd = coordinate(x1), coordinate(y1)
	p.InTileXSize, p.InTileYSize = uint32(x1-x0+1), uint32(y1-y0+1)
	p.InTileXInc, p.InTileYInc = p.InTileXSize, p.InTileYSize
}

// transpose converts a channel-last image to channel-major: each pixel row is read as a slice
// of width × channels values.
func (c *Compiler) transpose(shape jobs.Shape, input, output uint32) *Params {
	w, h, ch := shape.Width, shape.Height, shape.Channels
	p := c.newParams()
	p.setInput(input, ch, w, h, ch, w*ch)
	p.setWindow(0, 0, ch-1, w-1)
	p.OutImageBaseAddress = output
	p.setLoops(loop{ch, w * h}, loop{w, 1}, loop{h, w})
	return p
}

// detranspose converts a channel-major image back to channel-last.
func (c *Compiler) detranspose(shape jobs.Shape, input, output uint32) *Params {
	w, h, ch := shape.Width, shape.Height, shape.Channels
	p := c.newParams()
	p.setInput(input, w, h, ch, w, w*h)
	p.setWindow(0, 0, w-1, h-1)
	p.OutImageBaseAddress = output
	p.setLoops(loop{w, ch}, loop{h, w * ch}, loop{ch, 1})
	return p
}

// ReshufflePadding returns the number of border pixels the reshuffle adds before the image,
// for a same-padded convolution of the given kernel width.
//
// It panics for kernel widths that can't be destrided.
func ReshufflePadding(kernelWidth int, paddingSame bool) int {
	if !paddingSame || kernelWidth == 1 {
		return 0
	}
	switch kernelWidth {
	case 3:
		return 1
	case 5:
		return 2
	default:
		exceptions.Panicf("tp: can't reshuffle for a same-padded %dx%d kernel", kernelWidth, kernelWidth)
		return 0
	}
}

// reshuffle splits each stride×stride block of pixels of the channel-major input into
// stride² channels: output channel c·4 + sy·2 + sx holds the pixels (2x'+sx−pad, 2y'+sy−pad)
// of input channel c, with the zero-point for pixels outside the image.
//
// The work is split among the TP cores by channels, or by output rows for single channel
// images. Narrow images (less than 8 pixels wide) use a single core.
func (c *Compiler) reshuffle(job *jobs.Job, input, output uint32) []*Params {
	if job.Stride != 2 {
		exceptions.Panicf("tp: reshuffle for stride %d is not supported, only 2", job.Stride)
	}
	in, out := job.InputShape, job.OutputShape
	if out.Channels != 4*in.Channels {
		exceptions.Panicf("tp: reshuffle of %s can't produce %s", in, out)
	}
	pad := ReshufflePadding(job.Weights.Width, job.PaddingSame)
	outPlane := out.Width * out.Height

	cores := c.specs.TPCoreCount
	if in.Width < 8 {
		cores = 1
	}
	splitChannels := in.Channels > 1
	total := out.Height
	if splitChannels {
		total = in.Channels
	}
	perCore := hw.DivRoundUp(total, min(cores, total))
	cores = hw.DivRoundUp(total, perCore)

	blocks := make([]*Params, 0, cores)
	for core := range cores {
		start, end := core*perCore, min((core+1)*perCore, total)
		firstChannel, channels := 0, in.Channels
		firstRow, rows := 0, out.Height
		if splitChannels {
			firstChannel, channels = start, end-start
		} else {
			firstRow, rows = start, end-start
		}
		p := c.newParams()
		p.setInput(input+uint32(firstChannel*in.Width*in.Height), in.Width, in.Height, channels,
			in.Width, in.Width*in.Height)
		p.setWindow(-pad, 2*firstRow-pad, 2*out.Width-pad-1, 2*(firstRow+rows)-pad-1)
		p.InImageBorderConst = c.borderConst(job.InputZeroPoint)
		p.OutImageBaseAddress = output + uint32(firstChannel*4*outPlane+firstRow*out.Width)
		p.setLoops(loop{2, outPlane}, loop{out.Width, 1}, loop{2, 2 * outPlane}, loop{rows, out.Width},
			loop{channels, 4 * outPlane})
		if core < cores-1 {
			p.Last, p.NoFlush = 0, 1
		}
		blocks = append(blocks, p)
	}
	if klog.V(2).Enabled() {
		split := "rows"
		if splitChannels {
			split = "channels"
		}
		klog.Infof("tp: reshuffle %s -> %s, pad %d, %d cores split by %s", in, out, pad, cores, split)
	}
	return blocks
}
