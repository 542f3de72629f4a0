// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hw describes the static capabilities of an NPU: its generation, number of NN and TP
// cores, buffer depths and on-chip SRAM size.
//
// The values come from the external driver (the GPU identity database), and they drive every
// decision of the compiler: register block layouts, weight codecs, tiling and SRAM partitioning.
// Named presets are provided for tests and for the npuc_inspect tool.
package hw

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Generation of the NPU. The two supported generations use incompatible register layouts,
// weight codecs and quantization math.
type Generation int

const (
	// Gen7 uses the byte-oriented zero-run-length weight codec.
	Gen7 Generation = 7

	// Gen8 uses the paired-symbol weight codec.
	Gen8 Generation = 8
)

// String implements fmt.Stringer.
func (g Generation) String() string {
	switch g {
	case Gen7:
		return "gen7"
	case Gen8:
		return "gen8"
	default:
		return fmt.Sprintf("gen(%d)", int(g))
	}
}

// ParseGeneration accepts "gen7", "7", "gen8" or "8".
func ParseGeneration(s string) (Generation, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "gen"))
	if err != nil {
		return 0, errors.Errorf("invalid NPU generation %q", s)
	}
	g := Generation(n)
	if !g.Supported() {
		return 0, errors.Errorf("unsupported NPU generation %q", s)
	}
	return g, nil
}

// Supported returns whether the compiler knows how to target the generation.
func (g Generation) Supported() bool {
	return g == Gen7 || g == Gen8
}

// MaxTileWidth is the widest output tile the NN core handles.
const MaxTileWidth = 64

// KernelCacheStart is the SRAM offset where the kernel (weight) cache starts.
const KernelCacheStart = 0x800

// Specs are the capability parameters of one NPU.
type Specs struct {
	Name       string     `json:"name,omitempty"`
	Generation Generation `json:"generation"`

	// NNCoreCount is the number of convolution cores working in lockstep on one NN job.
	NNCoreCount int `json:"nn_core_count"`

	// TPCoreCount is the number of tensor-permutation cores.
	TPCoreCount int `json:"tp_core_count"`

	// InputBufferDepth is the depth, in lines, of the NN core input buffer.
	InputBufferDepth int `json:"input_buffer_depth"`

	// AccumBufferDepth is the depth of the NN core accumulation buffer.
	AccumBufferDepth int `json:"accum_buffer_depth"`

	// OnChipSRAMSize in bytes, shared between the kernel cache and the image cache.
	OnChipSRAMSize int `json:"on_chip_sram_size"`

	// MaxZRLBits is the widest zero-run-length field of the gen7 weight codec.
	MaxZRLBits int `json:"max_zrl_bits"`
}

// Validate returns an error if a parameter is out of range.
func (s Specs) Validate() error {
	if !s.Generation.Supported() {
		return errors.Errorf("specs %q: unsupported generation %s", s.Name, s.Generation)
	}
	if s.NNCoreCount <= 0 || s.NNCoreCount > 32 {
		return errors.Errorf("specs %q: invalid NN core count %d", s.Name, s.NNCoreCount)
	}
	if s.TPCoreCount <= 0 || s.TPCoreCount > 32 {
		return errors.Errorf("specs %q: invalid TP core count %d", s.Name, s.TPCoreCount)
	}
	if s.InputBufferDepth <= 0 || s.AccumBufferDepth <= 0 {
		return errors.Errorf("specs %q: buffer depths must be positive, got input=%d, accum=%d",
			s.Name, s.InputBufferDepth, s.AccumBufferDepth)
	}
	if s.OnChipSRAMSize < KernelCacheStart {
		return errors.Errorf("specs %q: on-chip SRAM size %d is smaller than the reserved %d bytes",
			s.Name, s.OnChipSRAMSize, KernelCacheStart)
	}
	if s.MaxZRLBits < 0 || s.MaxZRLBits > 8 {
		return errors.Errorf("specs %q: invalid zero-run-length bits %d", s.Name, s.MaxZRLBits)
	}
	return nil
}

// String returns a one-line description of the specs.
func (s Specs) String() string {
	return fmt.Sprintf("%s (%s, %d NN cores, %d TP cores, SRAM %d bytes)",
		s.Name, s.Generation, s.NNCoreCount, s.TPCoreCount, s.OnChipSRAMSize)
}

var presets = map[string]Specs{
	"vipnano-si+": {
		Name:             "vipnano-si+",
		Generation:       Gen7,
		NNCoreCount:      8,
		TPCoreCount:      4,
		InputBufferDepth: 12,
		AccumBufferDepth: 64,
		OnChipSRAMSize:   512 * 1024,
		MaxZRLBits:       8,
	},
	"vipnano-qi": {
		Name:             "vipnano-qi",
		Generation:       Gen7,
		NNCoreCount:      6,
		TPCoreCount:      3,
		InputBufferDepth: 12,
		AccumBufferDepth: 32,
		OnChipSRAMSize:   256 * 1024,
		MaxZRLBits:       8,
	},
	"vip9000-6c": {
		Name:             "vip9000-6c",
		Generation:       Gen8,
		NNCoreCount:      6,
		TPCoreCount:      3,
		InputBufferDepth: 7,
		AccumBufferDepth: 32,
		OnChipSRAMSize:   1024 * 1024,
		MaxZRLBits:       0,
	},
}

// DefaultPreset is used when no hardware is specified.
const DefaultPreset = "vipnano-si+"

// PresetNames returns the sorted names of the known presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Preset returns the named Specs.
func Preset(name string) (Specs, error) {
	s, found := presets[name]
	if !found {
		return Specs{}, errors.Errorf("unknown hardware preset %q, known presets: %q", name, PresetNames())
	}
	return s, nil
}

// Load returns the named preset or, if name is a path to a JSON file, the Specs it describes.
func Load(name string) (Specs, error) {
	if s, found := presets[name]; found {
		return s, nil
	}
	contents, err := os.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return Specs{}, errors.Errorf("%q is neither a hardware preset (%q) nor a specs file", name, PresetNames())
		}
		return Specs{}, errors.Wrapf(err, "reading hardware specs from %q", name)
	}
	var s Specs
	if err := json.Unmarshal(contents, &s); err != nil {
		return Specs{}, errors.Wrapf(err, "parsing hardware specs from %q", name)
	}
	if s.Name == "" {
		s.Name = name
	}
	if err := s.Validate(); err != nil {
		return Specs{}, err
	}
	return s, nil
}

// DivRoundUp returns ⌈a/b⌉ for non-negative a and positive b.
func DivRoundUp[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// Align rounds a up to the next multiple of alignment.
func Align[T constraints.Integer](a, alignment T) T {
	return DivRoundUp(a, alignment) * alignment
}
