// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/codec/huffpair"
	"github.com/gomlx/npuc/pkg/npu/codec/zrl"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/support/bitstream"
)

// CoefficientAlignment of the coefficients header and of each core section.
const CoefficientAlignment = 64

// sectionWriter writes the coefficients (weights and biases) processed by one core.
// It's called once on a dry-run writer to measure the section, and once more to write it.
type sectionWriter func(core int, w *bitstream.Writer)

// HeaderSize returns the size of the coefficients header: one uint32 section size per core.
func HeaderSize(cores int) int { return hw.Align(cores*4, CoefficientAlignment) }

func sectionSizes(cores int, write sectionWriter) []int {
	sizes := make([]int, cores)
	for core := range cores {
		w := bitstream.NewDryRun()
		write(core, w)
		w.PadTo(CoefficientAlignment)
		sizes[core] = w.Len()
	}
	return sizes
}

// coefficientsSize is the total size of the coefficients buffer.
func coefficientsSize(cores int, write sectionWriter) int {
	total := HeaderSize(cores)
	for _, size := range sectionSizes(cores, write) {
		total += size
	}
	return total
}

// packCoefficients returns the coefficients buffer contents and the kernel cache size needed to
// hold them: the largest section times the number of cores.
func packCoefficients(cores int, write sectionWriter) (data []byte, cacheSize int) {
	sizes := sectionSizes(cores, write)
	header := HeaderSize(cores)
	total := header
	for _, size := range sizes {
		total += size
		cacheSize = max(cacheSize, size)
	}
	data = make([]byte, total)
	offset := header
	for core, size := range sizes {
		binary.LittleEndian.PutUint32(data[core*4:], uint32(size))
		w := bitstream.NewWriter(data[offset : offset+size])
		write(core, w)
		w.PadTo(CoefficientAlignment)
		if w.Len() != size {
			exceptions.Panicf("nn: core %d coefficients took %d bytes, measured %d", core, w.Len(), size)
		}
		offset += size
	}
	return data, cacheSize * cores
}

// Sections splits a coefficients buffer into its per-core sections.
func Sections(data []byte, cores int) [][]byte {
	header := HeaderSize(cores)
	sections := make([][]byte, cores)
	offset := header
	for core := range cores {
		size := int(binary.LittleEndian.Uint32(data[core*4:]))
		sections[core] = data[offset : offset+size]
		offset += size
	}
	return sections
}

// v7BlockChannels is the number of input channels of each block of the gen7 stream.
func v7BlockChannels(l *Layer) int {
	if l.Pointwise && l.Output.Channels > 8 {
		return 1
	}
	return 6
}

// writeV7Core writes the zero-run-length coded section of core: a header with the run width
// and the number of kernels, then for each superblock, block of input channels and kernel,
// the block weights. The first block carries the bias after the first weight, and the last one
// is followed by the offset of the kernel output channel.
func writeV7Core(l *Layer, t Tiling, biases []int32, runBits, core int, w *bitstream.Writer) {
	kernels := t.CoreKernels(core)
	w.Write(uint32(runBits), 8)
	w.Write(uint32(len(kernels)), 16)
	enc := zrl.NewEncoder(w, runBits, l.WeightZeroPoint)
	ic := l.Input.Channels
	plane := l.KernelWidth * l.KernelHeight
	blockChannels := v7BlockChannels(l)
	blocks := hw.DivRoundUp(ic, blockChannels)
	outValues := l.Output.Width * l.Output.Height
	for sb := range t.Superblocks {
		start, end := t.CoreChannels(sb, core)
		for block := range blocks {
			from, to := block*blockChannels*plane, min((block+1)*blockChannels, ic)*plane
			for oc := start; oc < end; oc++ {
				weights := l.Kernel(oc)[from:to]
				if block == 0 {
					enc.Write(weights[0])
					enc.Flush()
					w.Write(uint32(biases[oc]), 32)
					weights = weights[1:]
				}
				for _, v := range weights {
					enc.Write(v)
				}
				if block == blocks-1 {
					enc.Flush()
					w.Write(uint32(outValues*oc), 32)
				}
			}
		}
	}
	w.Align()
}

// coreWeights concatenates the kernels of core, in processing order.
func coreWeights(l *Layer, t Tiling, core int) (weights []byte, kernels []int) {
	kernels = t.CoreKernels(core)
	weights = make([]byte, 0, len(kernels)*l.KernelSize())
	for _, oc := range kernels {
		weights = append(weights, l.Kernel(oc)...)
	}
	return
}

// writeV8Core writes the paired-symbol coded section of core: the number of kernels and of
// symbols, the biases of its kernels, then the weights bitstream.
func writeV8Core(l *Layer, t Tiling, biases []int32, m huffpair.Map, zeroRuns bool, core int, w *bitstream.Writer) {
	weights, kernels := coreWeights(l, t, core)
	symbols := huffpair.Encode(bitstream.NewDryRun(), weights, l.WeightZeroPoint, m, zeroRuns)
	w.Write(uint32(len(kernels)), 32)
	w.Write(uint32(symbols), 32)
	for _, oc := range kernels {
		w.Write(uint32(biases[oc]), 32)
	}
	huffpair.Encode(w, weights, l.WeightZeroPoint, m, zeroRuns)
	w.Align()
}

// symbolMap builds the gen8 symbol map from the histogram of all weights of the layer.
func symbolMap(l *Layer, t Tiling, zeroRuns bool) huffpair.Map {
	var h huffpair.Histogram
	for core := range t.Cores {
		weights, _ := coreWeights(l, t, core)
		h.Add(weights, l.WeightZeroPoint, zeroRuns)
	}
	return huffpair.BuildMap(h)
}
