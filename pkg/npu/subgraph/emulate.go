// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subgraph

import (
	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/tp"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// slotMask covers the instruction slot bits of the instruction address registers.
const slotMask = 0x3f

// EmulateTP returns a memdev.Executor that runs the TP instructions submitted to dev with the
// TP emulator. NN instructions are skipped: their outputs are left untouched.
func EmulateTP(dev *memdev.Device) memdev.Executor {
	return func(commands []memdev.Command) error {
		for _, c := range commands {
			if !c.IsReloc() {
				continue
			}
			switch c.Reg {
			case hw.RegPSTPInstAddr:
				regs, err := dev.Resolve(c.Value&^slotMask, tp.RegistersSize)
				if err != nil {
					return errors.WithMessage(err, "resolving TP instruction")
				}
				if err = tp.Emulate(regs, dev); err != nil {
					return err
				}
			case hw.RegPSNNInstAddr:
				klog.V(2).Infof("memdev: skipping NN instruction at %#x", c.Value&^slotMask)
			}
		}
		return nil
	}
}
