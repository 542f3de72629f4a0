// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/npuc/pkg/npu/codec/zrl"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/support/bitfield"
	"github.com/gomlx/npuc/pkg/support/bitstream"
)

// v7 targets gen7 NPUs: unsigned 8-bit data, 15-bit multiplier, zero-run-length coded weights.
type v7 struct{}

var _ strategy = v7{}

func (v7) generation() hw.Generation { return hw.Gen7 }

func (v7) nativeStride(depthwise, pointwise bool, inputWidth int) bool {
	return pointwise || (depthwise && (inputWidth < 3 || inputWidth > 5))
}

func (v7) destrideAdjust(kernelWidth, _ int) int {
	if kernelWidth == 5 {
		return 2
	}
	return 1
}

func (v7) capKernelsPerCore(specs hw.Specs, l *Layer, limit int) int {
	if l.KernelWidth == 1 {
		limit = min(limit, specs.AccumBufferDepth/3)
	}
	return min(limit, 127)
}

func (v7) quantize(scale float32) Quantization { return quantize(scale, 15, 16) }

func (v7) biasZeroPoint(inputZeroPoint uint8) int32 { return int32(inputZeroPoint) }

func (v7) encode(specs hw.Specs, p *Plan) {
	l, t := p.Layer, p.Tiling
	writerFor := func(runBits int) sectionWriter {
		return func(core int, w *bitstream.Writer) {
			writeV7Core(l, t, p.Biases, runBits, core, w)
		}
	}
	p.RunBits = 0
	// Additions and pointwise convolutions rarely have runs of zero-points worth coding.
	if l.Mode != jobs.ModeAddition && !l.Pointwise {
		p.RunBits = zrl.ChooseRunBits(specs.MaxZRLBits, func(runBits int) int {
			return coefficientsSize(t.Cores, writerFor(runBits))
		})
	}
	p.Coefficients, p.CacheSize = packCoefficients(t.Cores, writerFor(p.RunBits))
}

func (v7) codecParam(p *Plan) uint32 { return uint32(p.RunBits) }

func (v7) setCodecParam(p *Plan, param uint32) { p.RunBits = int(param) }

func (v7) partialCachePattern(int) (partialPattern, bool) { return partialPattern{}, false }

func (v7) registers(p *Plan, addr addresses) []byte {
	r := commonValues(p)
	l, q, s := p.Layer, p.Quantization, p.SRAM
	params := &ParamsV7{
		LayerType:      r.layerType,
		KernelXYSize:   r.kernelXY,
		KernelZSize:    r.kernelZ & 0x3fff,
		KernelsPerCore: r.kernelsPerCore,
		Pooling:        r.pooling,
		PoolingXYSize:  r.poolingXY,
		NNLayerFlush:   1,

		KernelDataType:   dataTypeUint8,
		InImageDataType:  dataTypeUint8,
		OutImageDataType: dataTypeUint8,
		InImageXSize:     r.inX,
		InImageYSize:     r.inY,

		InImageXOffset: r.offsetX,
		InImageYOffset: r.offsetY,
		ReLU:           r.relu,
		PostMultiplier: q.Multiplier & 1,
		PostShift:      q.PostShift(),

		OutImageXSize: r.outX,
		OutImageYSize: r.outY,

		OutImageZSize:      r.outZ,
		RoundingMode:       1,
		InImageXOffsetBit3: r.offX3,
		InImageYOffsetBit3: r.offY3,
		OutImageTileXSize:  r.tileX,
		OutImageTileYSize:  r.tileY,

		KernelAddress:   addr.kernel >> 6,
		KernelZSize2:    (r.kernelZ >> 14) & 0x3f,
		InImageAddress:  addr.input,
		OutImageAddress: addr.output,

		ImageCachingMode:  s.ImageMode,
		KernelCachingMode: s.KernelMode,
		KernelPatternMSB:  s.PatternMSB,
		KernelYSize:       r.kernelY,
		OutImageYStride:   r.outY,

		KernelPatternLow:        s.PatternLow,
		KernelPatternHigh:       s.PatternHigh,
		KernelCacheStartAddress: s.KernelStart,
		KernelCacheEndAddress:   s.KernelEnd,
		ImageCacheStartAddress:  s.ImageStart,
		ImageCacheEndAddress:    s.ImageEnd,

		InImageBorderConst: uint32(l.InputZeroPoint),
		PostMultiplier1To6: (q.Multiplier >> 1) & 0x3f,
		PostShiftBit5To6:   q.PostShiftHigh(),

		InImageXStride:      r.inX,
		InImageYStride:      r.inY,
		OutImageXStride:     r.outX,
		PostMultiplier7To14: (q.Multiplier >> 7) & 0xff,

		CoefZeroPoint: uint32(l.WeightZeroPoint),
		OutZeroPoint:  uint32(l.OutputZeroPoint),
		Depthwise:     r.depthwise,
	}
	return bitfield.Pack(params)
}
