// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"

	"github.com/gomlx/npuc/pkg/npu/hw"
)

// SRAMLayout is the partition of the on-chip SRAM between the kernel (coefficients) cache and
// the input image cache.
type SRAMLayout struct {
	KernelMode             uint32
	KernelStart, KernelEnd uint32

	// Kernel cache pattern, only for partial caching.
	PatternMSB, PatternLow, PatternHigh uint32

	ImageMode            uint32
	ImageStart, ImageEnd uint32

	// ImageCacheSize is the space needed to cache one input tile of every channel, or 0 if
	// caching the input is pointless.
	ImageCacheSize int
}

// String implements fmt.Stringer.
func (s SRAMLayout) String() string {
	return fmt.Sprintf("kernel cache mode %d [%#x, %#x), image cache mode %d [%#x, %#x)",
		s.KernelMode, s.KernelStart, s.KernelEnd, s.ImageMode, s.ImageStart, s.ImageEnd)
}

// partialPattern is the gen8 tagged partial kernel cache pattern.
type partialPattern struct {
	msb, low, high uint32
}

// imageCacheSize is 0 with a single superblock, since the input is read only once.
func imageCacheSize(l *Layer, t Tiling) int {
	if t.Superblocks == 1 {
		return 0
	}
	size := hw.Align((t.TileWidth+l.KernelWidth-1)*(t.TileHeight+l.KernelHeight-1), 16)
	return hw.Align(size*l.Input.Channels, 128)
}

// partitionSRAM gives the kernel cache priority, starting at hw.KernelCacheStart.
func partitionSRAM(specs hw.Specs, gen strategy, l *Layer, t Tiling, kernelCacheSize int) SRAMLayout {
	sram := uint32(specs.OnChipSRAMSize)
	s := SRAMLayout{ImageCacheSize: imageCacheSize(l, t), KernelStart: hw.KernelCacheStart}
	if hw.KernelCacheStart+kernelCacheSize <= specs.OnChipSRAMSize {
		s.KernelMode = hw.CacheFull
		s.KernelEnd = uint32(hw.KernelCacheStart + kernelCacheSize)
	} else if pattern, ok := gen.partialCachePattern(l.Output.Channels); ok {
		s.KernelMode = hw.CachePartial
		s.KernelEnd = sram
		s.PatternMSB, s.PatternLow, s.PatternHigh = pattern.msb, pattern.low, pattern.high
	} else {
		s.KernelMode = hw.CacheNone
		s.KernelEnd = hw.KernelCacheStart
	}

	if s.ImageCacheSize > 0 && int(s.KernelEnd)+s.ImageCacheSize <= specs.OnChipSRAMSize {
		s.ImageMode = hw.CacheFull
		s.ImageStart = s.KernelEnd
		s.ImageEnd = s.KernelEnd + uint32(s.ImageCacheSize)
	} else {
		s.ImageMode = hw.CacheNone
		s.ImageStart, s.ImageEnd = 0, hw.KernelCacheStart
	}
	return s
}
