// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/npuc/pkg/npu/codec/huffpair"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/support/bitfield"
	"github.com/gomlx/npuc/pkg/support/bitstream"
	"k8s.io/klog/v2"
)

// v8 targets gen8 NPUs: signed 8-bit data, 23-bit multiplier, paired-symbol coded weights and
// partial kernel caching.
type v8 struct{}

var _ strategy = v8{}

func (v8) generation() hw.Generation { return hw.Gen8 }

func (v8) nativeStride(depthwise, pointwise bool, _ int) bool {
	return depthwise || pointwise
}

func (v8) destrideAdjust(kernelWidth, stride int) int {
	return hw.DivRoundUp(kernelWidth, stride) - 1
}

func (v8) capKernelsPerCore(_ hw.Specs, _ *Layer, limit int) int {
	return min(limit, 64)
}

func (v8) quantize(scale float32) Quantization { return quantize(scale, 23, 1) }

func (v8) biasZeroPoint(inputZeroPoint uint8) int32 { return int32(inputZeroPoint) - 128 }

// signed converts an unsigned zero-point to the int8 representation used by gen8 registers.
func signed(zeroPoint uint8) uint32 { return uint32(zeroPoint ^ 0x80) }

func (v8) encode(_ hw.Specs, p *Plan) {
	l, t := p.Layer, p.Tiling
	writerFor := func(m huffpair.Map, zeroRuns bool) sectionWriter {
		return func(core int, w *bitstream.Writer) {
			writeV8Core(l, t, p.Biases, m, zeroRuns, core, w)
		}
	}
	var best huffpair.Map
	bestSize := -1
	for _, zeroRuns := range []bool{true, false} {
		m := symbolMap(l, t, zeroRuns)
		size := coefficientsSize(t.Cores, writerFor(m, zeroRuns))
		if bestSize < 0 || size < bestSize {
			best, bestSize, p.ZeroRuns = m, size, zeroRuns
		}
	}
	p.SymbolMap = best.Pack()
	klog.V(2).Infof("nn: symbol map %06x, zero runs %v", p.SymbolMap, p.ZeroRuns)
	p.Coefficients, p.CacheSize = packCoefficients(t.Cores, writerFor(best, p.ZeroRuns))
}

func (v8) codecParam(p *Plan) uint32 {
	param := p.SymbolMap
	if p.ZeroRuns {
		param |= 1 << 24
	}
	return param
}

func (v8) setCodecParam(p *Plan, param uint32) {
	p.SymbolMap = param & (1<<24 - 1)
	p.ZeroRuns = param>>24&1 == 1
}

func (v8) partialCachePattern(outputChannels int) (partialPattern, bool) {
	switch {
	case outputChannels >= 1024:
		return partialPattern{0x13, 0x80000, 0}, true
	case outputChannels >= 512:
		return partialPattern{0x3d, 0, 0x2aaaaaa0}, true
	case outputChannels >= 256:
		return partialPattern{0x3e, 0xffffaaaa, 0x7fffffff}, true
	case outputChannels >= 160:
		return partialPattern{0x6, 0x7e, 0}, true
	default:
		return partialPattern{0x1, 0x2, 0}, true
	}
}

func (v8) registers(p *Plan, addr addresses) []byte {
	r := commonValues(p)
	l, q, s := p.Layer, p.Quantization, p.SRAM
	params := &ParamsV8{
		LayerType:      r.layerType,
		KernelXYSize:   r.kernelXY,
		KernelZSize:    r.kernelZ & 0x3fff,
		KernelsPerCore: r.kernelsPerCore,
		Pooling:        r.pooling,
		PoolingXYSize:  r.poolingXY,
		NNLayerFlush:   1,

		KernelDataType:   dataTypeInt8,
		InImageDataType:  dataTypeInt8,
		OutImageDataType: dataTypeInt8,
		InImageXSize:     r.inX,
		InImageYSize:     r.inY,

		InImageXOffset: r.offsetX,
		InImageYOffset: r.offsetY,
		ReLU:           r.relu,
		PostMultiplier: q.Multiplier & 1,
		PostShift:      q.PostShift(),

		NoFlush:       1,
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

		InImageBorderConst: signed(l.InputZeroPoint),
		PostMultiplier1To6: (q.Multiplier >> 1) & 0x3f,
		PostShiftBit5To6:   q.PostShiftHigh(),

		InImageXStride:      r.inX,
		InImageYStride:      r.inY,
		OutImageXStride:     r.outX,
		PostMultiplier7To14: (q.Multiplier >> 7) & 0xff,

		CoefZeroPoint:        signed(l.WeightZeroPoint),
		OutZeroPoint:         signed(l.OutputZeroPoint),
		Depthwise:            r.depthwise,
		PostMultiplier15To22: (q.Multiplier >> 15) & 0xff,

		CoefSymbolMap: p.SymbolMap,
		ZeroRunMode:   uint32(boolToInt(p.ZeroRuns)),
	}
	return bitfield.Pack(params)
}
