// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subgraph

import (
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
)

// Slot offsets added to the instruction addresses. The low bits of the address (slotMask)
// select the instruction slot of the front-end.
const (
	tpChainedSlot         = 0x1
	tpChainedSlotParallel = 0x1f

	// parallelSlots is the number of slots handed out round-robin in parallel mode: 1 to 30,
	// leaving tpChainedSlotParallel to the chained TP cores.
	parallelSlots = tpChainedSlotParallel - 1
)

// slot returns the instruction slot of the instruction #idx, or of one of its non-final TP cores.
// The value always fits in slotMask.
func (sg *Subgraph) slot(idx int, chained bool) uint32 {
	switch {
	case chained && sg.opts.Parallel:
		return tpChainedSlotParallel
	case chained:
		return tpChainedSlot
	case sg.opts.Parallel:
		return uint32(idx%parallelSlots + 1)
	default:
		return 0
	}
}

// reference marks every buffer of the instruction as used by the stream.
func (sg *Subgraph) reference(stream device.CommandStream, in *jobs.Instruction) {
	stream.Reference(sg.arena.Buffer(in.Input), device.Read)
	stream.Reference(sg.arena.Buffer(in.Output), device.Write)
	for _, config := range in.Configs {
		stream.Reference(config, device.Read)
	}
	if in.Coefficients != nil {
		stream.Reference(in.Coefficients, device.Read)
	}
}

// emit appends the register writes dispatching the instruction #idx.
func (sg *Subgraph) emit(stream device.CommandStream, idx int, in *jobs.Instruction) {
	sg.reference(stream, in)
	if in.Kind == jobs.KindNN {
		nnConfig := hw.NNConfigSmallBatch
		if sg.opts.NoBatching {
			nnConfig = 0
		}
		stream.SetState(hw.RegOCBRemapStart, 0)
		stream.SetState(hw.RegOCBRemapEnd, 0)
		stream.SetState(hw.RegGLNNConfig, nnConfig)
		stream.SetStateReloc(hw.RegPSNNInstAddr, in.Configs[0], sg.slot(idx, false), device.Read)
		stream.SetState(hw.RegPSInstSlot, sg.slot(idx, false))
		return
	}
	for core, config := range in.Configs {
		chained := core < len(in.Configs)-1
		stream.SetState(hw.RegOCBRemapStart, 0)
		stream.SetState(hw.RegOCBRemapEnd, 0)
		stream.SetState(hw.RegGLTPConfig, 0)
		stream.SetStateReloc(hw.RegPSTPInstAddr, config, sg.slot(idx, chained), device.Read)
	}
	stream.SetState(hw.RegPSInstSlot, sg.slot(idx, false))
}
