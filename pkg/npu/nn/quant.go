// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Quantization is the requantization of the accumulators to the output:
// out = acc · Multiplier / 2^Shift, where Multiplier carries an implicit leading one.
type Quantization struct {
	// Scale requested: inputScale · weightScale / outputScale.
	Scale float32

	// Shift is the 7-bit post-shift.
	Shift uint32

	// Multiplier holds the fraction bits of the scale: 15 bits on gen7, 23 bits on gen8.
	Multiplier     uint32
	MultiplierBits int
}

// Effective returns the scale the hardware actually applies.
func (q Quantization) Effective() float64 {
	m := float64(uint32(1)<<q.MultiplierBits | q.Multiplier)
	shift := float64(q.Shift)
	if q.MultiplierBits == 23 {
		// The gen8 multiplier is a fraction of 2^23 applied on top of the shift.
		shift += 23
	}
	return m / math.Exp2(shift)
}

// PostShift returns the low 5 bits of the shift.
func (q Quantization) PostShift() uint32 { return q.Shift & 0x1f }

// PostShiftHigh returns bits 5 and 6 of the shift.
func (q Quantization) PostShiftHigh() uint32 { return (q.Shift >> 5) & 0x3 }

// quantize decomposes scale into a multiplier of multiplierBits fraction bits and a shift.
// shiftBias is the generation-specific constant added to the negated exponent.
func quantize(scale float32, multiplierBits int, shiftBias int) Quantization {
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		exceptions.Panicf("nn: invalid requantization scale %g", scale)
	}
	bits := math.Float32bits(scale)
	exponent := int(bits >> 23)
	shift := 127 + 31 - 32 - exponent + shiftBias
	if shift < 0 || shift > 127 {
		exceptions.Panicf("nn: requantization scale %g out of the hardware range (shift %d)", scale, shift)
	}
	mantissa := bits & (1<<23 - 1)
	return Quantization{
		Scale:          scale,
		Shift:          uint32(shift),
		Multiplier:     mantissa >> (23 - multiplierBits),
		MultiplierBits: multiplierBits,
	}
}

// correctBiases folds the input zero-point into the biases: for each output channel it
// subtracts Σ (w − weightZeroPoint) · inputZeroPoint over the kernel.
func correctBiases(l *Layer, inputZeroPoint int32) []int32 {
	biases := make([]int32, l.Output.Channels)
	for oc := range biases {
		var correction int32
		for _, w := range l.Kernel(oc) {
			correction += (int32(w) - int32(l.WeightZeroPoint)) * inputZeroPoint
		}
		var bias int32
		if oc < len(l.Bias) {
			bias = l.Bias[oc]
		}
		biases[oc] = bias - correction
	}
	return biases
}
