// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bitfield packs structs of uint32 fields into fixed-width blocks of little-endian
// 32-bit words, the way hardware configuration registers are laid out.
//
// Each field carries its width in a `bits:"N"` tag. Fields are allocated in declaration order,
// starting from the least significant bit of word 0, and a field can't straddle a word boundary.
// The total width of a struct must be a multiple of 32 bits.
//
// Example:
//
//	type params struct {
//		LayerType uint32 `bits:"1"`
//		KernelXY  uint32 `bits:"4"`
//		Unused    uint32 `bits:"27"`
//	}
//	block := bitfield.Pack(&params{KernelXY: 3})
package bitfield

import (
	"encoding/binary"
	"reflect"
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

const wordBits = 32

type field struct {
	index int
	name  string
	word  int
	shift int
	bits  int
}

type layout struct {
	name   string
	fields []field
	words  int
}

// layouts caches the parsed layout per struct type: map[reflect.Type]*layout.
var layouts sync.Map

func layoutOf(t reflect.Type) *layout {
	if l, found := layouts.Load(t); found {
		return l.(*layout)
	}
	if t.Kind() != reflect.Struct {
		exceptions.Panicf("bitfield: type %s is not a struct", t)
	}
	l := &layout{name: t.Name()}
	position := 0
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.Type.Kind() != reflect.Uint32 {
			exceptions.Panicf("bitfield: %s.%s must be an uint32, got %s", t.Name(), sf.Name, sf.Type)
		}
		tag, found := sf.Tag.Lookup("bits")
		if !found {
			exceptions.Panicf("bitfield: %s.%s is missing its `bits` tag", t.Name(), sf.Name)
		}
		bits, err := strconv.Atoi(tag)
		if err != nil || bits <= 0 || bits > wordBits {
			exceptions.Panicf("bitfield: %s.%s has invalid width %q", t.Name(), sf.Name, tag)
		}
		shift := position % wordBits
		if shift+bits > wordBits {
			exceptions.Panicf("bitfield: %s.%s (%d bits at bit %d) straddles a word boundary",
				t.Name(), sf.Name, bits, shift)
		}
		l.fields = append(l.fields, field{index: i, name: sf.Name, word: position / wordBits, shift: shift, bits: bits})
		position += bits
	}
	if position%wordBits != 0 {
		exceptions.Panicf("bitfield: %s has %d bits, not a multiple of %d", t.Name(), position, wordBits)
	}
	l.words = position / wordBits
	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*layout)
}

func structValue(v any) reflect.Value {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return rv
}

// Size returns the number of bytes of the packed representation of v, a struct or a pointer to one.
func Size(v any) int {
	return layoutOf(structValue(v).Type()).words * 4
}

// Pack returns the packed little-endian representation of v, a struct or a pointer to one.
//
// It panics if a field value doesn't fit its declared width: register blocks are consumed by
// fixed-function hardware, and a truncated value is always a bug.
func Pack(v any) []byte {
	data := make([]byte, Size(v))
	PackInto(data, v)
	return data
}

// PackInto packs v into dst, which must have at least Size(v) bytes.
func PackInto(dst []byte, v any) {
	rv := structValue(v)
	l := layoutOf(rv.Type())
	if len(dst) < l.words*4 {
		exceptions.Panicf("bitfield: packing %s needs %d bytes, got %d", l.name, l.words*4, len(dst))
	}
	words := make([]uint32, l.words)
	for _, f := range l.fields {
		value := uint32(rv.Field(f.index).Uint())
		if f.bits < wordBits && value>>f.bits != 0 {
			exceptions.Panicf("bitfield: %s.%s=%d (%#x) doesn't fit in %d bits", l.name, f.name, value, value, f.bits)
		}
		words[f.word] |= value << f.shift
	}
	for i, word := range words {
		binary.LittleEndian.PutUint32(dst[i*4:], word)
	}
}

// Unpack fills the struct pointed by ptr from its packed representation.
func Unpack(data []byte, ptr any) error {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.Errorf("bitfield: Unpack requires a non-nil pointer to a struct, got %T", ptr)
	}
	rv = rv.Elem()
	l := layoutOf(rv.Type())
	if len(data) < l.words*4 {
		return errors.Errorf("bitfield: unpacking %s needs %d bytes, got %d", l.name, l.words*4, len(data))
	}
	for _, f := range l.fields {
		word := binary.LittleEndian.Uint32(data[f.word*4:])
		value := word >> f.shift
		if f.bits < wordBits {
			value &= (1 << f.bits) - 1
		}
		rv.Field(f.index).SetUint(uint64(value))
	}
	return nil
}

// Offset returns the word index and bit shift of the named field of the struct type of v.
// Mostly useful for tests and dumps.
func Offset(v any, name string) (word, shift int, err error) {
	l := layoutOf(structValue(v).Type())
	for _, f := range l.fields {
		if f.name == name {
			return f.word, f.shift, nil
		}
	}
	return 0, 0, errors.Errorf("bitfield: %s has no field %q", l.name, name)
}
