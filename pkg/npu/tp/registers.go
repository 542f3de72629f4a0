// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

// RegistersSize is the size in bytes of the TP register block, the same for both generations.
const RegistersSize = 31 * 4

// Data types of images.
const (
	dataTypeInt8  = 0x0
	dataTypeUint8 = 0x2
)

// Params is the register block read by one TP core.
//
// The input image is read slice by slice (Z), and each slice tile by tile over the input window,
// each tile row by row. Window coordinates are signed 16 bits: reads outside the image return
// InImageBorderConst. The n-th value read is written at
// OutImageBaseAddress + Σ digit_i(n)·OutLoopInc_i, where digit_i are the digits of n in the
// mixed radix of the loop counts (the last loop has no count).
type Params struct {
	// Word 0.
	InImageXSize uint32 `bits:"16"`
	Unused0      uint32 `bits:"16"`

	// Word 1.
	InImageYSize uint32 `bits:"16"`
	InImageZSize uint32 `bits:"16"`

	// Word 2.
	InImageStride uint32 `bits:"16"`
	Unused1       uint32 `bits:"16"`

	// Word 3.
	InImageSlice uint32 `bits:"32"`

	// Words 4 and 5.
	InWindowXStart uint32 `bits:"16"`
	InWindowYStart uint32 `bits:"16"`
	InWindowXEnd   uint32 `bits:"16"`
	InWindowYEnd   uint32 `bits:"16"`

	// Word 6.
	InTileSequence         uint32 `bits:"2"`
	InTileGlobalMem        uint32 `bits:"1"`
	InImageGlobalMem       uint32 `bits:"1"`
	AluI2FEnable           uint32 `bits:"1"`
	AluSquareEnable        uint32 `bits:"1"`
	AluHorzProcessing      uint32 `bits:"3"`
	AluHorzProcCount       uint32 `bits:"6"`
	AluHorzProcStride      uint32 `bits:"1"`
	AluVertProcessing      uint32 `bits:"2"`
	Unused2                uint32 `bits:"1"`
	AluVertProcCount       uint32 `bits:"6"`
	AluVertProcStride      uint32 `bits:"1"`
	AluNMSEnable           uint32 `bits:"1"`
	AluPWLEnable           uint32 `bits:"1"`
	AluMultEnable          uint32 `bits:"1"`
	AluF2IEnable           uint32 `bits:"1"`
	AluLoadPWLLUT          uint32 `bits:"1"`
	AluLoadPWLLUTGlobalMem uint32 `bits:"1"`

	// Words 7 to 11.
	InTileListAddress    uint32 `bits:"32"`
	InTileXSize          uint32 `bits:"16"`
	InTileYSize          uint32 `bits:"16"`
	InTileXInc           uint32 `bits:"16"`
	InTileYInc           uint32 `bits:"16"`
	InImageBaseAddress   uint32 `bits:"32"`
	AluLoadPWLLUTAddress uint32 `bits:"32"`

	// Word 12.
	OutTileSkipAtBorder     uint32 `bits:"1"`
	OutImageGlobalMem       uint32 `bits:"1"`
	OutLoop1Reset           uint32 `bits:"1"`
	OutLoop2Reset           uint32 `bits:"1"`
	OutLoop3Reset           uint32 `bits:"1"`
	OutBrickMode            uint32 `bits:"1"`
	AluZFilterMode          uint32 `bits:"1"`
	Unused3                 uint32 `bits:"1"`
	InWindowZStartOverfetch uint32 `bits:"2"`
	Unused4                 uint32 `bits:"1"`
	InWindowZEndOverfetch   uint32 `bits:"2"`
	Unused5                 uint32 `bits:"1"`
	AluSquarePreshift       uint32 `bits:"4"`
	InImageDataType         uint32 `bits:"3"`
	OutImageDataType        uint32 `bits:"3"`
	Unused6                 uint32 `bits:"4"`
	AluPWLSignSupport       uint32 `bits:"1"`
	AluReLUEnable           uint32 `bits:"1"`
	NoFlush                 uint32 `bits:"1"`
	Last                    uint32 `bits:"1"`

	// Words 13 to 23.
	OutImageBaseAddress uint32 `bits:"32"`
	OutLoop0Inc         uint32 `bits:"32"`
	OutLoop1Inc         uint32 `bits:"32"`
	OutLoop0Count       uint32 `bits:"16"`
	OutLoop1Count       uint32 `bits:"16"`
	OutLoop2Inc         uint32 `bits:"32"`
	OutLoop3Inc         uint32 `bits:"32"`
	OutLoop2Count       uint32 `bits:"16"`
	OutLoop3Count       uint32 `bits:"16"`
	OutLoop4Inc         uint32 `bits:"32"`
	OutLoop5Inc         uint32 `bits:"32"`
	OutLoop4Count       uint32 `bits:"16"`
	OutLoop5Count       uint32 `bits:"16"`
	OutLoop6Inc         uint32 `bits:"32"`

	// Word 24.
	AluFilterPWLSwap       uint32 `bits:"1"`
	FlatRoundingMode       uint32 `bits:"2"`
	IntegerRoundingMode    uint32 `bits:"2"`
	AluInputPreshift       uint32 `bits:"5"`
	AluOutputPostshift     uint32 `bits:"5"`
	AluReorderBitsUsed     uint32 `bits:"4"`
	AluReorderLoop2Mode    uint32 `bits:"1"`
	Unused7                uint32 `bits:"4"`
	InImageBorderMode      uint32 `bits:"2"`
	AluOutputPostshift5To6 uint32 `bits:"2"`
	Unused8                uint32 `bits:"4"`

	// Words 25 to 28, in units of 64 bytes.
	InImageCircularBufSize          uint32 `bits:"32"`
	InImageCircularBufEndAddrPlus1  uint32 `bits:"32"`
	OutImageCircularBufSize         uint32 `bits:"32"`
	OutImageCircularBufEndAddrPlus1 uint32 `bits:"32"`

	// Word 29.
	InImageBorderConst uint32 `bits:"16"`
	CoefZeroPoint      uint32 `bits:"8"`
	InZeroPoint        uint32 `bits:"8"`

	// Word 30.
	OutZeroPoint            uint32 `bits:"8"`
	AluOutputPostMultiplier uint32 `bits:"15"`
	Unused9                 uint32 `bits:"9"`
}

// numLoops is the number of output loops with a count; a last one only has an increment.
const numLoops = 6

// loop of the output address generator.
type loop struct {
	count, inc int
}

func (p *Params) loopFields() (counts [numLoops]*uint32, incs [numLoops + 1]*uint32) {
	counts = [numLoops]*uint32{&p.OutLoop0Count, &p.OutLoop1Count, &p.OutLoop2Count,
		&p.OutLoop3Count, &p.OutLoop4Count, &p.OutLoop5Count}
	incs = [numLoops + 1]*uint32{&p.OutLoop0Inc, &p.OutLoop1Inc, &p.OutLoop2Inc, &p.OutLoop3Inc,
		&p.OutLoop4Inc, &p.OutLoop5Inc, &p.OutLoop6Inc}
	return
}

// setLoops configures the output loops, innermost first. Unused loops get a count of 1.
func (p *Params) setLoops(loops ...loop) {
	counts, incs := p.loopFields()
	for i := range counts {
		*counts[i] = 1
	}
	for i, l := range loops {
		*counts[i] = uint32(l.count)
		*incs[i] = uint32(l.inc)
	}
}

// coordinate encodes a signed window coordinate.
func coordinate(v int) uint32 { return uint32(uint16(int16(v))) }
