// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package huffpair implements the paired-symbol weight coder of gen8 NPUs.
//
// Weights are first turned into signed deltas from the zero-point, int8(w − zp), and each delta
// (or run of zero deltas) becomes one symbol of one of 8 classes:
//
//   - ClassZeroRun: a run of 1 to 277 zero deltas. The 2-bit sub-code selects the run range
//     (1, 2–5, 6–21, 22–277) and the tail (0, 2, 4 or 8 bits) the offset within it.
//   - Classes 1 to 7: deltas whose magnitude has that many bits. Bit 0 of the sub-code is the
//     sign, bit 1 is the magnitude bit below the most significant one, and the tail holds the
//     remaining k−2 low bits. Class 1 uses sub-code 0b10 as a verbatim escape for the delta −128,
//     followed by the raw 8-bit weight.
//
// Each class is identified by a 3-bit prefix, its position in a Map built from the class
// histogram, so the most frequent classes get the lowest prefixes.
//
// Symbols are processed two at a time in a 3-stage pipeline. Step t writes the two prefixes of
// the symbols of step t, then the sub-codes of the symbols of step t−2, then the tails of the
// symbols of step t−4. Four extra steps at the end drain the pipeline.
package huffpair

import (
	"math/bits"
	"slices"

	"github.com/gomlx/npuc/pkg/support/bitstream"
	"github.com/pkg/errors"
)

// NumClasses of symbols.
const NumClasses = 8

// ClassZeroRun is the class of runs of zero deltas. Classes 1 to 7 are magnitude bit lengths.
const ClassZeroRun = 0

// MaxRun is the longest run of zero deltas a single symbol encodes.
const MaxRun = 277

const (
	prefixBits  = 3
	subCodeBits = 2
	escapeSub   = 0b10

	// pipelineDepth is the number of steps between a prefix and its tail.
	pipelineDepth = 4
)

var runBase = [4]int{1, 2, 6, 22}
var runTailBits = [4]int{0, 2, 4, 8}

type symbol struct {
	class    uint8
	sub      uint8
	tail     uint32
	tailBits int
}

func runSymbol(run int) symbol {
	for sub := 3; sub >= 0; sub-- {
		if run >= runBase[sub] {
			return symbol{class: ClassZeroRun, sub: uint8(sub), tail: uint32(run - runBase[sub]), tailBits: runTailBits[sub]}
		}
	}
	panic("huffpair: empty zero run")
}

func valueSymbol(value, zeroPoint uint8) symbol {
	delta := int8(value - zeroPoint)
	if delta == -128 {
		return symbol{class: 1, sub: escapeSub, tail: uint32(value), tailBits: 8}
	}
	var sign uint8
	magnitude := int(delta)
	if delta < 0 {
		sign, magnitude = 1, -magnitude
	}
	k := bits.Len(uint(magnitude))
	if k == 1 {
		return symbol{class: 1, sub: sign}
	}
	second := uint8(magnitude>>(k-2)) & 1
	return symbol{
		class:    uint8(k),
		sub:      sign | second<<1,
		tail:     uint32(magnitude) & (1<<(k-2) - 1),
		tailBits: k - 2,
	}
}

// tokenize converts the weights to symbols. If zeroRuns is false every zero delta becomes a
// run of length 1.
func tokenize(values []byte, zeroPoint uint8, zeroRuns bool) []symbol {
	symbols := make([]symbol, 0, len(values))
	run := 0
	for _, v := range values {
		if v == zeroPoint {
			run++
			if !zeroRuns || run == MaxRun {
				symbols = append(symbols, runSymbol(run))
				run = 0
			}
			continue
		}
		if run > 0 {
			symbols = append(symbols, runSymbol(run))
			run = 0
		}
		symbols = append(symbols, valueSymbol(v, zeroPoint))
	}
	if run > 0 {
		symbols = append(symbols, runSymbol(run))
	}
	return symbols
}

func tailBits(class, sub uint8) (int, error) {
	switch {
	case class == ClassZeroRun:
		return runTailBits[sub], nil
	case class == 1:
		switch sub {
		case 0, 1:
			return 0, nil
		case escapeSub:
			return 8, nil
		default:
			return 0, errors.Errorf("huffpair: invalid sub-code %#b for class 1", sub)
		}
	default:
		return int(class) - 2, nil
	}
}

// Histogram counts the symbols of each class.
type Histogram [NumClasses]int

// Add counts the symbols of values.
func (h *Histogram) Add(values []byte, zeroPoint uint8, zeroRuns bool) {
	for _, s := range tokenize(values, zeroPoint, zeroRuns) {
		h[s.class]++
	}
}

// Map holds the class assigned to each 3-bit prefix.
type Map [NumClasses]uint8

// IdentityMap assigns prefix i to class i.
var IdentityMap = Map{0, 1, 2, 3, 4, 5, 6, 7}

// BuildMap orders classes by decreasing count, ties broken by class number.
func BuildMap(h Histogram) Map {
	m := IdentityMap
	slices.SortStableFunc(m[:], func(a, b uint8) int { return h[b] - h[a] })
	return m
}

// Pack returns the 24-bit register representation of the map: 3 bits per prefix,
// prefix 0 in the lowest bits.
func (m Map) Pack() uint32 {
	var packed uint32
	for prefix, class := range m {
		packed |= uint32(class) << (prefix * prefixBits)
	}
	return packed
}

// UnpackMap is the inverse of Map.Pack. It fails if the classes are not a permutation.
func UnpackMap(packed uint32) (Map, error) {
	var m Map
	var seen [NumClasses]bool
	for prefix := range m {
		class := uint8(packed>>(prefix*prefixBits)) & 7
		if seen[class] {
			return m, errors.Errorf("huffpair: symbol map %#06x assigns class %d twice", packed, class)
		}
		seen[class] = true
		m[prefix] = class
	}
	return m, nil
}

func (m Map) prefixes() (prefixes [NumClasses]uint8) {
	for prefix, class := range m {
		prefixes[class] = uint8(prefix)
	}
	return
}

func numSteps(symbols int) int { return (symbols + 1) / 2 }

// pairRange returns the symbol indices [start, end) handled by step.
func pairRange(step, symbols int) (start, end int) {
	return 2 * step, min(2*step+2, symbols)
}

// Encode writes values to w and returns the number of symbols written, which the decoder needs.
//
// It runs identically on a dry-run writer, which is how stream sizes are measured.
func Encode(w *bitstream.Writer, values []byte, zeroPoint uint8, m Map, zeroRuns bool) int {
	symbols := tokenize(values, zeroPoint, zeroRuns)
	prefixes := m.prefixes()
	steps := numSteps(len(symbols))
	for t := range steps + pipelineDepth {
		if t < steps {
			start, end := pairRange(t, len(symbols))
			for _, s := range symbols[start:end] {
				w.Write(uint32(prefixes[s.class]), prefixBits)
			}
		}
		if step := t - 2; step >= 0 && step < steps {
			start, end := pairRange(step, len(symbols))
			for _, s := range symbols[start:end] {
				w.Write(uint32(s.sub), subCodeBits)
			}
		}
		if step := t - pipelineDepth; step >= 0 && step < steps {
			start, end := pairRange(step, len(symbols))
			for _, s := range symbols[start:end] {
				w.Write(s.tail, s.tailBits)
			}
		}
	}
	return len(symbols)
}

func (s symbol) appendValues(values []byte, zeroPoint uint8) []byte {
	switch {
	case s.class == ClassZeroRun:
		run := runBase[s.sub] + int(s.tail)
		for range run {
			values = append(values, zeroPoint)
		}
	case s.class == 1 && s.sub == escapeSub:
		values = append(values, uint8(s.tail))
	default:
		k := int(s.class)
		magnitude := 1 << (k - 1)
		if k >= 2 {
			magnitude |= int(s.sub>>1) << (k - 2)
			magnitude |= int(s.tail)
		}
		delta := magnitude
		if s.sub&1 == 1 {
			delta = -delta
		}
		values = append(values, zeroPoint+uint8(int8(delta)))
	}
	return values
}

// Decode reads numSymbols symbols from r, returning the weights they encode.
func Decode(r *bitstream.Reader, numSymbols int, zeroPoint uint8, m Map) ([]byte, error) {
	symbols := make([]symbol, numSymbols)
	steps := numSteps(numSymbols)
	values := make([]byte, 0, numSymbols)
	for t := range steps + pipelineDepth {
		if t < steps {
			start, end := pairRange(t, numSymbols)
			for i := start; i < end; i++ {
				prefix, err := r.Read(prefixBits)
				if err != nil {
					return nil, errors.WithMessagef(err, "huffpair: prefix of symbol %d", i)
				}
				symbols[i].class = m[prefix]
			}
		}
		if step := t - 2; step >= 0 && step < steps {
			start, end := pairRange(step, numSymbols)
			for i := start; i < end; i++ {
				sub, err := r.Read(subCodeBits)
				if err != nil {
					return nil, errors.WithMessagef(err, "huffpair: sub-code of symbol %d", i)
				}
				symbols[i].sub = uint8(sub)
				if symbols[i].tailBits, err = tailBits(symbols[i].class, symbols[i].sub); err != nil {
					return nil, err
				}
			}
		}
		if step := t - pipelineDepth; step >= 0 && step < steps {
			start, end := pairRange(step, numSymbols)
			for i := start; i < end; i++ {
				tail, err := r.Read(symbols[i].tailBits)
				if err != nil {
					return nil, errors.WithMessagef(err, "huffpair: tail of symbol %d", i)
				}
				symbols[i].tail = tail
				values = symbols[i].appendValues(values, zeroPoint)
			}
		}
	}
	return values, nil
}
