// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

// Register blocks read by the NN cores, one per instruction. Field order and widths are fixed by
// the hardware; see package bitfield for the packing rules.

// Pooling modes.
const (
	poolingNone       = 0
	poolingFirstPixel = 3
)

// Data types of kernels and images.
const (
	dataTypeInt8  = 0x0
	dataTypeUint8 = 0x2
)

const (
	layerConvolution    = 0
	layerFullyConnected = 1
)

// RegistersSize is the size in bytes of the NN register block of both generations.
const RegistersSize = 34 * 4

// ParamsV7 is the gen7 NN register block.
type ParamsV7 struct {
	// Word 0.
	LayerType      uint32 `bits:"1"`
	NoZOffset      uint32 `bits:"1"`
	KernelXYSize   uint32 `bits:"4"`
	KernelZSize    uint32 `bits:"14"`
	KernelsPerCore uint32 `bits:"7"`
	Pooling        uint32 `bits:"2"`
	PoolingXYSize  uint32 `bits:"1"`
	PReLU          uint32 `bits:"1"`
	NNLayerFlush   uint32 `bits:"1"`

	// Word 1.
	KernelDataType   uint32 `bits:"2"`
	InImageDataType  uint32 `bits:"2"`
	OutImageDataType uint32 `bits:"2"`
	InImageXSize     uint32 `bits:"13"`
	InImageYSize     uint32 `bits:"13"`

	// Word 2.
	InImageXOffset uint32 `bits:"3"`
	InImageYOffset uint32 `bits:"3"`
	Unused0        uint32 `bits:"1"`
	BrickMode      uint32 `bits:"1"`
	BrickDistance  uint32 `bits:"16"`
	ReLU           uint32 `bits:"1"`
	Unused1        uint32 `bits:"1"`
	PostMultiplier uint32 `bits:"1"`
	PostShift      uint32 `bits:"5"`

	// Word 3.
	Unused2       uint32 `bits:"3"`
	NoFlush       uint32 `bits:"1"`
	Unused3       uint32 `bits:"2"`
	OutImageXSize uint32 `bits:"13"`
	OutImageYSize uint32 `bits:"13"`

	// Word 4.
	OutImageZSize      uint32 `bits:"14"`
	RoundingMode       uint32 `bits:"2"`
	InImageXOffsetBit3 uint32 `bits:"1"`
	InImageYOffsetBit3 uint32 `bits:"1"`
	OutImageTileXSize  uint32 `bits:"7"`
	OutImageTileYSize  uint32 `bits:"7"`

	// Words 5 to 7.
	KernelAddress   uint32 `bits:"26"`
	KernelZSize2    uint32 `bits:"6"`
	InImageAddress  uint32 `bits:"32"`
	OutImageAddress uint32 `bits:"32"`

	// Word 8.
	ImageCachingMode     uint32 `bits:"2"`
	KernelCachingMode    uint32 `bits:"2"`
	PartialCacheDataUnit uint32 `bits:"2"`
	KernelPatternMSB     uint32 `bits:"6"`
	KernelYSize          uint32 `bits:"4"`
	OutImageYStride      uint32 `bits:"16"`

	// Words 9 to 14.
	KernelPatternLow        uint32 `bits:"32"`
	KernelPatternHigh       uint32 `bits:"32"`
	KernelCacheStartAddress uint32 `bits:"32"`
	KernelCacheEndAddress   uint32 `bits:"32"`
	ImageCacheStartAddress  uint32 `bits:"32"`
	ImageCacheEndAddress    uint32 `bits:"32"`

	// Word 15.
	InImageBorderMode    uint32 `bits:"2"`
	InImageBorderConst   uint32 `bits:"16"`
	Unused4              uint32 `bits:"1"`
	KernelDataTypeBit2   uint32 `bits:"1"`
	InImageDataTypeBit2  uint32 `bits:"1"`
	OutImageDataTypeBit2 uint32 `bits:"1"`
	PostMultiplier1To6   uint32 `bits:"6"`
	PostShiftBit5To6     uint32 `bits:"2"`
	Unused5              uint32 `bits:"2"`

	// Words 16 and 17.
	InImageXStride      uint32 `bits:"16"`
	InImageYStride      uint32 `bits:"16"`
	OutImageXStride     uint32 `bits:"16"`
	Unused6             uint32 `bits:"8"`
	PostMultiplier7To14 uint32 `bits:"8"`

	// Words 18 to 21.
	OutImageCircularBufSize        uint32 `bits:"26"`
	PerChannelPostMul              uint32 `bits:"1"`
	Unused7                        uint32 `bits:"5"`
	OutImageCircularBufEndAddrPlus uint32 `bits:"26"`
	Unused8                        uint32 `bits:"6"`
	InImageCircularBufSize         uint32 `bits:"26"`
	Unused9                        uint32 `bits:"6"`
	InImageCircularBufEndAddrPlus  uint32 `bits:"26"`
	Unused10                       uint32 `bits:"6"`

	// Word 22.
	CoefZeroPoint      uint32 `bits:"8"`
	OutZeroPoint       uint32 `bits:"8"`
	KernelDirectStream uint32 `bits:"1"`
	Depthwise          uint32 `bits:"1"`
	Unused11           uint32 `bits:"14"`

	// Words 23 to 33.
	Unused12 uint32 `bits:"32"`
	Unused13 uint32 `bits:"32"`
	Unused14 uint32 `bits:"32"`
	Unused15 uint32 `bits:"32"`
	Unused16 uint32 `bits:"32"`
	Unused17 uint32 `bits:"32"`
	Unused18 uint32 `bits:"32"`
	Unused19 uint32 `bits:"32"`
	Unused20 uint32 `bits:"32"`
	Unused21 uint32 `bits:"32"`
	Unused22 uint32 `bits:"32"`
}

// ParamsV8 is the gen8 NN register block. It extends the multiplier to 23 bits and adds the
// symbol map of the weight codec.
type ParamsV8 struct {
	// Word 0.
	LayerType      uint32 `bits:"1"`
	NoZOffset      uint32 `bits:"1"`
	KernelXYSize   uint32 `bits:"4"`
	KernelZSize    uint32 `bits:"14"`
	KernelsPerCore uint32 `bits:"7"`
	Pooling        uint32 `bits:"2"`
	PoolingXYSize  uint32 `bits:"1"`
	PReLU          uint32 `bits:"1"`
	NNLayerFlush   uint32 `bits:"1"`

	// Word 1.
	KernelDataType   uint32 `bits:"2"`
	InImageDataType  uint32 `bits:"2"`
	OutImageDataType uint32 `bits:"2"`
	InImageXSize     uint32 `bits:"13"`
	InImageYSize     uint32 `bits:"13"`

	// Word 2.
	InImageXOffset uint32 `bits:"3"`
	InImageYOffset uint32 `bits:"3"`
	Unused0        uint32 `bits:"1"`
	BrickMode      uint32 `bits:"1"`
	BrickDistance  uint32 `bits:"16"`
	ReLU           uint32 `bits:"1"`
	Unused1        uint32 `bits:"1"`
	PostMultiplier uint32 `bits:"1"`
	PostShift      uint32 `bits:"5"`

	// Word 3.
	Unused2       uint32 `bits:"3"`
	NoFlush       uint32 `bits:"1"`
	Unused3       uint32 `bits:"2"`
	OutImageXSize uint32 `bits:"13"`
	OutImageYSize uint32 `bits:"13"`

	// Word 4.
	OutImageZSize      uint32 `bits:"14"`
	RoundingMode       uint32 `bits:"2"`
	InImageXOffsetBit3 uint32 `bits:"1"`
	InImageYOffsetBit3 uint32 `bits:"1"`
	OutImageTileXSize  uint32 `bits:"7"`
	OutImageTileYSize  uint32 `bits:"7"`

	// Words 5 to 7.
	KernelAddress   uint32 `bits:"26"`
	KernelZSize2    uint32 `bits:"6"`
	InImageAddress  uint32 `bits:"32"`
	OutImageAddress uint32 `bits:"32"`

	// Word 8.
	ImageCachingMode     uint32 `bits:"2"`
	KernelCachingMode    uint32 `bits:"2"`
	PartialCacheDataUnit uint32 `bits:"2"`
	KernelPatternMSB     uint32 `bits:"6"`
	KernelYSize          uint32 `bits:"4"`
	OutImageYStride      uint32 `bits:"16"`

	// Words 9 to 14.
	KernelPatternLow        uint32 `bits:"32"`
	KernelPatternHigh       uint32 `bits:"32"`
	KernelCacheStartAddress uint32 `bits:"32"`
	KernelCacheEndAddress   uint32 `bits:"32"`
	ImageCacheStartAddress  uint32 `bits:"32"`
	ImageCacheEndAddress    uint32 `bits:"32"`

	// Word 15.
	InImageBorderMode    uint32 `bits:"2"`
	InImageBorderConst   uint32 `bits:"16"`
	Unused4              uint32 `bits:"1"`
	KernelDataTypeBit2   uint32 `bits:"1"`
	InImageDataTypeBit2  uint32 `bits:"1"`
	OutImageDataTypeBit2 uint32 `bits:"1"`
	PostMultiplier1To6   uint32 `bits:"6"`
	PostShiftBit5To6     uint32 `bits:"2"`
	Unused5              uint32 `bits:"2"`

	// Words 16 and 17.
	InImageXStride      uint32 `bits:"16"`
	InImageYStride      uint32 `bits:"16"`
	OutImageXStride     uint32 `bits:"16"`
	Unused6             uint32 `bits:"8"`
	PostMultiplier7To14 uint32 `bits:"8"`

	// Words 18 to 21.
	OutImageCircularBufSize        uint32 `bits:"26"`
	PerChannelPostMul              uint32 `bits:"1"`
	Unused7                        uint32 `bits:"5"`
	OutImageCircularBufEndAddrPlus uint32 `bits:"26"`
	Unused8                        uint32 `bits:"6"`
	InImageCircularBufSize         uint32 `bits:"26"`
	Unused9                        uint32 `bits:"6"`
	InImageCircularBufEndAddrPlus  uint32 `bits:"26"`
	Unused10                       uint32 `bits:"6"`

	// Word 22.
	CoefZeroPoint        uint32 `bits:"8"`
	OutZeroPoint         uint32 `bits:"8"`
	KernelDirectStream   uint32 `bits:"1"`
	Depthwise            uint32 `bits:"1"`
	PostMultiplier15To22 uint32 `bits:"8"`
	Unused11             uint32 `bits:"6"`

	// Word 23.
	CoefSymbolMap uint32 `bits:"24"`
	ZeroRunMode   uint32 `bits:"1"`
	Unused12      uint32 `bits:"7"`

	// Words 24 to 33.
	Unused13 uint32 `bits:"32"`
	Unused14 uint32 `bits:"32"`
	Unused15 uint32 `bits:"32"`
	Unused16 uint32 `bits:"32"`
	Unused17 uint32 `bits:"32"`
	Unused18 uint32 `bits:"32"`
	Unused19 uint32 `bits:"32"`
	Unused20 uint32 `bits:"32"`
	Unused21 uint32 `bits:"32"`
	Unused22 uint32 `bits:"32"`
}

// offsetBits splits a 4-bit two's complement offset into its low 3 bits and bit 3.
func offsetBits(offset int) (low, bit3 uint32) {
	v := uint32(offset) & 0xf
	return v & 0x7, v >> 3
}
