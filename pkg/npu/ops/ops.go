// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops describes the input of the compiler: a flat, ordered list of quantized tensor
// operations.
//
// Tensors are 8-bit, asymmetrically quantized (real = Scale·(q − ZeroPoint)), row-major and
// channel-last. Each tensor is identified by a dense index shared by the operation producing it
// and the ones consuming it.
package ops

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind of operation.
type Kind int

const (
	KindInvalid Kind = iota
	KindConvolution
	KindAdd
	KindConcatenation
	KindSplit
	KindPad
	KindFullyConnected
)

var kindNames = map[Kind]string{
	KindInvalid:        "Invalid",
	KindConvolution:    "Convolution",
	KindAdd:            "Add",
	KindConcatenation:  "Concatenation",
	KindSplit:          "Split",
	KindPad:            "Pad",
	KindFullyConnected: "FullyConnected",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler, so kinds are readable in JSON graphs.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Matching is case-insensitive.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if kind != KindInvalid && strings.EqualFold(name, string(text)) {
			*k = kind
			return nil
		}
	}
	return errors.Errorf("unknown operation kind %q", text)
}

// Tensor describes one quantized tensor.
type Tensor struct {
	Index     int     `json:"index"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Channels  int     `json:"channels"`
	Scale     float32 `json:"scale"`
	ZeroPoint uint8   `json:"zero_point"`
}

// Size in bytes.
func (t Tensor) Size() int { return t.Width * t.Height * t.Channels }

// String implements fmt.Stringer.
func (t Tensor) String() string {
	return fmt.Sprintf("#%d[%dx%dx%d s=%g zp=%d]", t.Index, t.Width, t.Height, t.Channels, t.Scale, t.ZeroPoint)
}

// Weights of a convolution or fully-connected layer.
//
// For regular convolutions Data is laid out as [OutputChannels][Height][Width][InputChannels].
// For depthwise convolutions InputChannels is 1 and Data is [Height][Width][OutputChannels].
type Weights struct {
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	InputChannels  int     `json:"input_channels"`
	OutputChannels int     `json:"output_channels"`
	Data           []byte  `json:"data,omitempty"`
	Scale          float32 `json:"scale"`
	ZeroPoint      uint8   `json:"zero_point"`
}

// Size is the number of weights.
func (w Weights) Size() int { return w.Width * w.Height * w.InputChannels * w.OutputChannels }

// Convolution parameters, also used for fully-connected layers.
type Convolution struct {
	Weights     Weights `json:"weights"`
	Bias        []int32 `json:"bias,omitempty"`
	StrideX     int     `json:"stride_x,omitempty"`
	StrideY     int     `json:"stride_y,omitempty"`
	Depthwise   bool    `json:"depthwise,omitempty"`
	Pointwise   bool    `json:"pointwise,omitempty"`
	PaddingSame bool    `json:"padding_same,omitempty"`
	ReLU        bool    `json:"relu,omitempty"`
}

// Stride returns the stride; only equal strides on both axes are supported.
func (c *Convolution) Stride() int { return max(c.StrideX, 1) }

// Padding parameters, in pixels.
type Padding struct {
	BeforeX int `json:"before_x"`
	AfterX  int `json:"after_x"`
	BeforeY int `json:"before_y"`
	AfterY  int `json:"after_y"`
}

// Operation is one node of the graph.
//
// Inputs and outputs by kind:
//
//   - Convolution, Pad, FullyConnected: one input, one output.
//   - Add: two inputs (the second is the "other" operand), one output.
//   - Concatenation: the branches as inputs, in order, one output.
//   - Split: one input, the branches as outputs, in order.
type Operation struct {
	Kind    Kind         `json:"kind"`
	Inputs  []Tensor     `json:"inputs"`
	Outputs []Tensor     `json:"outputs"`
	Conv    *Convolution `json:"conv,omitempty"`
	Pad     *Padding     `json:"pad,omitempty"`
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	return fmt.Sprintf("%s(%v) -> %v", op.Kind, op.Inputs, op.Outputs)
}

// Input returns the first input.
func (op *Operation) Input() Tensor { return op.Inputs[0] }

// Output returns the first output.
func (op *Operation) Output() Tensor { return op.Outputs[0] }
