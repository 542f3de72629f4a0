// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"k8s.io/klog/v2"
)

// Layer is an NN job after weight normalization: the shapes, kernel and flags as the NN
// cores see them.
type Layer struct {
	Mode jobs.NNMode

	// Input is the image read by the NN cores: for destrided convolutions it is the output of the
	// reshuffle job (more channels, smaller width and height).
	Input, Output jobs.Shape

	KernelWidth, KernelHeight int

	// Weights are laid out channel-major: [Output.Channels][Input.Channels][KernelHeight][KernelWidth].
	Weights         []byte
	WeightScale     float32
	WeightZeroPoint uint8

	// Bias before zero-point correction, one per output channel.
	Bias []int32

	InputScale, OutputScale         float32
	InputZeroPoint, OutputZeroPoint uint8

	// Stride of the original convolution.
	Stride int

	// PoolingFirstPixel means the stride is handled by the NN core itself: it computes the
	// unstrided convolution and keeps the first pixel of every 2x2 block.
	PoolingFirstPixel bool

	Depthwise, Pointwise, PaddingSame, ReLU bool

	// OffsetX and OffsetY are the (non-positive) offsets of the input window, for padding.
	OffsetX, OffsetY int
}

// KernelSize is the number of weights of one output channel.
func (l *Layer) KernelSize() int { return l.KernelWidth * l.KernelHeight * l.Input.Channels }

// Kernel returns the weights of output channel oc.
func (l *Layer) Kernel(oc int) []byte {
	size := l.KernelSize()
	return l.Weights[oc*size : (oc+1)*size]
}

// String implements fmt.Stringer.
func (l *Layer) String() string {
	return fmt.Sprintf("%s %s -> %s, kernel %dx%d, stride %d (pooling=%v)",
		l.Mode, l.Input, l.Output, l.KernelWidth, l.KernelHeight, l.Stride, l.PoolingFirstPixel)
}

// NativeStride returns whether a strided convolution is handled by the NN core with
// first-pixel pooling, as opposed to being destrided by a reshuffle job first.
func NativeStride(gen hw.Generation, depthwise, pointwise bool, inputWidth int) bool {
	return strategyFor(gen).nativeStride(depthwise, pointwise, inputWidth)
}

// DestrideShape returns the shape of the image after the space-to-depth decomposition of
// stride: each stride×stride block of pixels becomes stride² channels.
func DestrideShape(gen hw.Generation, in jobs.Shape, kernelWidth, stride int, paddingSame bool) jobs.Shape {
	adjust := 0
	if paddingSame {
		adjust = strategyFor(gen).destrideAdjust(kernelWidth, stride)
	}
	return jobs.Shape{
		Width:    hw.DivRoundUp(in.Width, stride) + adjust,
		Height:   hw.DivRoundUp(in.Height, stride) + adjust,
		Channels: in.Channels * stride * stride,
	}
}

// normalize converts the job weights to the channel-major layout the coefficient streams use,
// expanding depthwise kernels, destriding strided convolutions and widening 1x1 single-channel
// kernels.
func normalize(gen hw.Generation, job *jobs.Job) *Layer {
	if job.Kind != jobs.KindNN {
		exceptions.Panicf("nn: can't compile %s job", job.Kind)
	}
	w := job.Weights
	l := &Layer{
		Mode:            job.Mode,
		Input:           job.InputShape,
		Output:          job.OutputShape,
		KernelWidth:     w.Width,
		KernelHeight:    w.Height,
		WeightScale:     w.Scale,
		WeightZeroPoint: w.ZeroPoint,
		Bias:            job.Bias,
		InputScale:      job.InputScale,
		OutputScale:     job.OutputScale,
		InputZeroPoint:  job.InputZeroPoint,
		OutputZeroPoint: job.OutputZeroPoint,
		Stride:          max(job.Stride, 1),
		Depthwise:       job.Depthwise,
		Pointwise:       job.Pointwise,
		PaddingSame:     job.PaddingSame,
		ReLU:            job.ReLU,
		OffsetX:         -job.PadBeforeX,
		OffsetY:         -job.PadBeforeY,
	}
	if l.Stride > 2 {
		exceptions.Panicf("nn: stride %d is not supported, only 1 or 2", l.Stride)
	}
	if l.Stride > 1 && l.Mode != jobs.ModeConvolution {
		exceptions.Panicf("nn: stride %d is not supported in %s mode", l.Stride, l.Mode)
	}
	if job.PadBeforeX > 7 || job.PadBeforeY > 7 || job.PadBeforeX < 0 || job.PadBeforeY < 0 {
		exceptions.Panicf("nn: padding before (%d, %d) is not supported, at most 7 pixels", job.PadBeforeX, job.PadBeforeY)
	}
	if l.Stride > 1 {
		l.PoolingFirstPixel = NativeStride(gen, l.Depthwise, l.Pointwise, l.Input.Width)
	}

	switch {
	case l.Depthwise && (l.Output.Channels > 1 || l.Stride > 1):
		l.Weights = expandDepthwise(w.Data, l.Output.Channels, l.KernelHeight, l.KernelWidth, l.WeightZeroPoint)
		l.Depthwise = false
	case l.Depthwise:
		// A single channel: [kh][kw][1] is already channel-major.
		l.Weights = w.Data
	default:
		l.Weights = toChannelMajor(w.Data, l.Output.Channels, l.KernelHeight, l.KernelWidth, w.InputChannels)
	}

	if l.Stride > 1 && !l.PoolingFirstPixel {
		destride(gen, l)
	}
	if l.KernelWidth == 1 && l.KernelHeight == 1 && l.Input.Channels == 1 {
		expand2x2(l)
	}
	if l.PaddingSame && (l.Stride == 1 || l.PoolingFirstPixel) && l.KernelWidth > 2 {
		if l.KernelWidth < 5 {
			l.OffsetX, l.OffsetY = -1, -1
		} else {
			l.OffsetX, l.OffsetY = -2, -2
		}
	}
	klog.V(2).Infof("nn: normalized layer %s", l)
	return l
}

// toChannelMajor transposes [oc][kh][kw][ic] weights to [oc][ic][kh][kw].
func toChannelMajor(data []byte, oc, kh, kw, ic int) []byte {
	if ic == 1 {
		return data
	}
	out := make([]byte, len(data))
	for o := range oc {
		for y := range kh {
			for x := range kw {
				for c := range ic {
					out[((o*ic+c)*kh+y)*kw+x] = data[((o*kh+y)*kw+x)*ic+c]
				}
			}
		}
	}
	return out
}

// expandDepthwise converts [kh][kw][channels] per-channel filters to a full
// [channels][channels][kh][kw] kernel, with zero-point weights off the diagonal.
func expandDepthwise(data []byte, channels, kh, kw int, zeroPoint uint8) []byte {
	out := make([]byte, channels*channels*kh*kw)
	for i := range out {
		out[i] = zeroPoint
	}
	for o := range channels {
		for y := range kh {
			for x := range kw {
				out[((o*channels+o)*kh+y)*kw+x] = data[(y*kw+x)*channels+o]
			}
		}
	}
	return out
}

// destride rewrites a stride-2 convolution as an unstrided one over the reshuffled image,
// where input channel c·s² + sy·s + sx holds the pixels (x·s+sx, y·s+sy) of channel c.
func destride(gen hw.Generation, l *Layer) {
	s := l.Stride
	oc, ic, kh, kw := l.Output.Channels, l.Input.Channels, l.KernelHeight, l.KernelWidth
	newIC := ic * s * s
	newKH, newKW := hw.DivRoundUp(kh, s), hw.DivRoundUp(kw, s)
	out := make([]byte, oc*newIC*newKH*newKW)
	for o := range oc {
		for c := range ic {
			for sy := range s {
				for sx := range s {
					plane := c*s*s + sy*s + sx
					for y := range newKH {
						for x := range newKW {
							value := l.WeightZeroPoint
							if ky, kx := y*s+sy, x*s+sx; ky < kh && kx < kw {
								value = l.Weights[((o*ic+c)*kh+ky)*kw+kx]
							}
							out[((o*newIC+plane)*newKH+y)*newKW+x] = value
						}
					}
				}
			}
		}
	}
	l.Input = DestrideShape(gen, l.Input, kw, s, l.PaddingSame)
	l.Weights = out
	l.KernelWidth, l.KernelHeight = newKW, newKH
}

// expand2x2 widens a 1x1 single-channel kernel to 2x2, padding it with zero-points.
func expand2x2(l *Layer) {
	oc := l.Output.Channels
	out := make([]byte, oc*4)
	for o := range oc {
		out[o*4] = l.Weights[o]
		out[o*4+1], out[o*4+2], out[o*4+3] = l.WeightZeroPoint, l.WeightZeroPoint, l.WeightZeroPoint
	}
	l.Weights = out
	l.KernelWidth, l.KernelHeight = 2, 2
}

// AdditionSizes returns the image the gen7 NN cores process for an elementwise addition of two
// tensors of size bytes each: the bytes are reshaped to a width dividing width·height of the
// operands, and the two operands become the 2 input channels.
func AdditionSizes(operand jobs.Shape) (in, out jobs.Shape) {
	plane := operand.Width * operand.Height
	var width int
	switch {
	case plane%128 == 0:
		width = 128
	case plane%64 == 0:
		width = 64
	case plane%32 == 0:
		width = 32
	default:
		for width = 63; width > 1; width-- {
			if plane%width == 0 {
				break
			}
		}
	}
	height := operand.Size() / width
	return jobs.Shape{Width: width, Height: height, Channels: 2}, jobs.Shape{Width: width, Height: height, Channels: 1}
}
