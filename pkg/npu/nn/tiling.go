// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"

	"github.com/gomlx/npuc/pkg/npu/hw"
)

// Tiling is how an NN job is scheduled on the cores: the output is processed in tiles of
// TileWidth×TileHeight pixels, and the output channels in Superblocks groups, each one split
// among the cores.
type Tiling struct {
	TileWidth, TileHeight int
	Interleave            int
	Superblocks           int

	// Cores used: at most one per output channel.
	Cores int

	// KernelsPerCore is the maximum number of output channels a core processes per superblock.
	KernelsPerCore int

	OutputChannels int
}

// String implements fmt.Stringer.
func (t Tiling) String() string {
	return fmt.Sprintf("tile %dx%d, interleave %d, %d superblocks, %d cores x %d kernels",
		t.TileWidth, t.TileHeight, t.Interleave, t.Superblocks, t.Cores, t.KernelsPerCore)
}

// interleaveMode returns how many lines the input buffer interleaves for the tile width and
// kernel height.
func interleaveMode(tileWidth, kernelHeight int) int {
	span := kernelHeight - 1 + tileWidth
	switch {
	case span > (hw.MaxTileWidth+8)/2:
		return 1
	case span > (hw.MaxTileWidth+8)/4:
		return 2
	case tileWidth > hw.MaxTileWidth/4:
		return 2
	default:
		return 4
	}
}

func computeTiling(specs hw.Specs, gen strategy, l *Layer) Tiling {
	outW, outH := l.Output.Width, l.Output.Height
	if l.PoolingFirstPixel {
		outW, outH = 2*outW, 2*outH
	}
	t := Tiling{OutputChannels: l.Output.Channels}
	t.TileWidth = min(outW, hw.MaxTileWidth)
	t.Interleave = interleaveMode(t.TileWidth, l.KernelHeight)
	t.TileHeight = specs.InputBufferDepth*t.Interleave - l.KernelHeight + 1
	t.TileHeight = min(t.TileHeight, t.Interleave*specs.AccumBufferDepth, outH)
	if l.Stride > 1 && t.TileHeight%2 == 1 {
		t.TileHeight--
	}
	t.TileHeight = max(t.TileHeight, 1)

	oc := l.Output.Channels
	t.Cores = min(specs.NNCoreCount, oc)
	kernelsPerCore := hw.DivRoundUp(oc, t.Cores)
	limit := specs.AccumBufferDepth * t.Interleave / t.TileHeight
	limit = max(gen.capKernelsPerCore(specs, l, limit), 1)
	t.Superblocks = hw.DivRoundUp(kernelsPerCore, limit)
	for oc%t.Superblocks != 0 {
		t.Superblocks++
	}
	t.KernelsPerCore = hw.DivRoundUp(oc/t.Superblocks, t.Cores)
	return t
}

// SuperblockChannels returns the number of output channels of each superblock.
func (t Tiling) SuperblockChannels() int { return t.OutputChannels / t.Superblocks }

// CoreChannels returns the range [start, end) of output channels computed by core in superblock.
// The range can be empty.
func (t Tiling) CoreChannels(superblock, core int) (start, end int) {
	n := t.SuperblockChannels()
	base := superblock * n
	return base + min(core*t.KernelsPerCore, n), base + min((core+1)*t.KernelsPerCore, n)
}

// CoreKernels returns all output channels computed by core, in processing order.
func (t Tiling) CoreKernels(core int) []int {
	var kernels []int
	for sb := range t.Superblocks {
		start, end := t.CoreChannels(sb, core)
		for oc := start; oc < end; oc++ {
			kernels = append(kernels, oc)
		}
	}
	return kernels
}
