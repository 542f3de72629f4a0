// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"github.com/gomlx/npuc/pkg/support/bitfield"
	"github.com/pkg/errors"
)

// Memory resolves GPU addresses to CPU-visible bytes. Implemented by memdev.Device.
type Memory interface {
	Resolve(addr uint32, size int) ([]byte, error)
}

// Emulate executes the TP register block regs, reading and writing mem.
//
// Only the data movement is emulated (window and tile traversal, border constant and output
// loops): the ALU stages are expected to be disabled.
func Emulate(regs []byte, mem Memory) error {
	var p Params
	if err := bitfield.Unpack(regs, &p); err != nil {
		return errors.WithMessage(err, "tp: emulating register block")
	}
	return p.emulate(mem)
}

func (p *Params) emulate(mem Memory) error {
	xSize, ySize, zSize := int(p.InImageXSize), int(p.InImageYSize), int(p.InImageZSize)
	stride, slice := int(p.InImageStride), int(p.InImageSlice)
	if xSize == 0 || ySize == 0 || zSize == 0 {
		return errors.Errorf("tp: empty input image %dx%dx%d", xSize, ySize, zSize)
	}
	tileW, tileH := int(p.InTileXSize), int(p.InTileYSize)
	incX, incY := int(p.InTileXInc), int(p.InTileYInc)
	if tileW == 0 || tileH == 0 || incX == 0 || incY == 0 {
		return errors.Errorf("tp: invalid tiles %dx%d, increments %dx%d", tileW, tileH, incX, incY)
	}
	if p.AluMultEnable != 0 || p.AluPWLEnable != 0 || p.AluReLUEnable != 0 {
		return errors.New("tp: ALU stages are not emulated")
	}
	x0, y0 := int(int16(p.InWindowXStart)), int(int16(p.InWindowYStart))
	x1, y1 := int(int16(p.InWindowXEnd)), int(int16(p.InWindowYEnd))

	in, err := mem.Resolve(p.InImageBaseAddress, (zSize-1)*slice+(ySize-1)*stride+xSize)
	if err != nil {
		return errors.WithMessage(err, "tp: resolving input image")
	}
	border := byte(p.InImageBorderConst)
	var values []byte
	for z := range zSize {
		for ty := y0; ty <= y1; ty += incY {
			for tx := x0; tx <= x1; tx += incX {
				for y := ty; y < ty+tileH && y <= y1; y++ {
					for x := tx; x < tx+tileW && x <= x1; x++ {
						v := border
						if x >= 0 && x < xSize && y >= 0 && y < ySize {
							v = in[z*slice+y*stride+x]
						}
						values = append(values, v)
					}
				}
			}
		}
	}

	counts, incs := p.loopFields()
	offsets := make([]int, len(values))
	size := 0
	for n := range values {
		q, offset := n, 0
		for i, count := range counts {
			c := max(int(*count), 1)
			offset += (q % c) * int(*incs[i])
			q /= c
		}
		offset += q * int(*incs[numLoops])
		offsets[n] = offset
		size = max(size, offset+1)
	}
	out, err := mem.Resolve(p.OutImageBaseAddress, size)
	if err != nil {
		return errors.WithMessage(err, "tp: resolving output image")
	}
	for n, v := range values {
		out[offsets[n]] = v
	}
	return nil
}
