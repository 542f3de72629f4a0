// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/pkg/errors"
)

func checkTensor(t Tensor) error {
	if t.Index < 0 {
		return errors.Errorf("tensor %s has a negative index", t)
	}
	if t.Width <= 0 || t.Height <= 0 || t.Channels <= 0 {
		return errors.Errorf("tensor %s has an empty shape", t)
	}
	if !(t.Scale > 0) {
		return errors.Errorf("tensor %s has an invalid scale", t)
	}
	return nil
}

func checkCounts(op *Operation, numInputs, numOutputs int) error {
	if numInputs > 0 && len(op.Inputs) != numInputs {
		return errors.Errorf("%s requires %d inputs, got %d", op.Kind, numInputs, len(op.Inputs))
	}
	if numOutputs > 0 && len(op.Outputs) != numOutputs {
		return errors.Errorf("%s requires %d outputs, got %d", op.Kind, numOutputs, len(op.Outputs))
	}
	return nil
}

func sumSizes(tensors []Tensor) int {
	var total int
	for _, t := range tensors {
		total += t.Size()
	}
	return total
}

// Validate checks the operation is self-consistent.
func (op *Operation) Validate() error {
	for _, t := range op.Inputs {
		if err := checkTensor(t); err != nil {
			return errors.WithMessagef(err, "input of %s", op.Kind)
		}
	}
	for _, t := range op.Outputs {
		if err := checkTensor(t); err != nil {
			return errors.WithMessagef(err, "output of %s", op.Kind)
		}
	}
	switch op.Kind {
	case KindConvolution, KindFullyConnected:
		if err := checkCounts(op, 1, 1); err != nil {
			return err
		}
		return op.validateConvolution()
	case KindAdd:
		if err := checkCounts(op, 2, 1); err != nil {
			return err
		}
		a, b, out := op.Inputs[0], op.Inputs[1], op.Outputs[0]
		if a.Size() != b.Size() || a.Size() != out.Size() {
			return errors.Errorf("Add operands must have the same shape, got %s + %s -> %s", a, b, out)
		}
	case KindConcatenation:
		if err := checkCounts(op, 0, 1); err != nil {
			return err
		}
		if len(op.Inputs) == 0 {
			return errors.New("Concatenation requires at least one branch")
		}
		if total := sumSizes(op.Inputs); total != op.Output().Size() {
			return errors.Errorf("Concatenation branches sum to %d bytes, output %s has %d", total, op.Output(), op.Output().Size())
		}
	case KindSplit:
		if err := checkCounts(op, 1, 0); err != nil {
			return err
		}
		if len(op.Outputs) == 0 {
			return errors.New("Split requires at least one branch")
		}
		if total := sumSizes(op.Outputs); total != op.Input().Size() {
			return errors.Errorf("Split branches sum to %d bytes, input %s has %d", total, op.Input(), op.Input().Size())
		}
	case KindPad:
		if err := checkCounts(op, 1, 1); err != nil {
			return err
		}
		if op.Pad == nil {
			return errors.New("Pad requires padding parameters")
		}
		p := op.Pad
		if p.BeforeX < 0 || p.AfterX < 0 || p.BeforeY < 0 || p.AfterY < 0 {
			return errors.Errorf("Pad has negative padding %+v", *p)
		}
		in, out := op.Input(), op.Output()
		if out.Width != in.Width+p.BeforeX+p.AfterX || out.Height != in.Height+p.BeforeY+p.AfterY || out.Channels != in.Channels {
			return errors.Errorf("Pad %+v of %s can't produce %s", *p, in, out)
		}
	default:
		return errors.Errorf("unknown operation kind %s", op.Kind)
	}
	return nil
}

func (op *Operation) validateConvolution() error {
	c := op.Conv
	if c == nil {
		return errors.Errorf("%s requires convolution parameters", op.Kind)
	}
	in, out, w := op.Input(), op.Output(), c.Weights
	if c.StrideX < 0 || c.StrideY < 0 {
		return errors.Errorf("%s has negative strides", op.Kind)
	}
	if w.Width <= 0 || w.Height <= 0 || w.InputChannels <= 0 || w.OutputChannels <= 0 {
		return errors.Errorf("%s has an empty weights shape %dx%dx%dx%d", op.Kind, w.OutputChannels, w.Height, w.Width, w.InputChannels)
	}
	if len(w.Data) != w.Size() {
		return errors.Errorf("%s weights have %d bytes, expected %d", op.Kind, len(w.Data), w.Size())
	}
	if !(w.Scale > 0) {
		return errors.Errorf("%s weights have an invalid scale %g", op.Kind, w.Scale)
	}
	if len(c.Bias) != out.Channels {
		return errors.Errorf("%s has %d biases for %d output channels", op.Kind, len(c.Bias), out.Channels)
	}
	if w.OutputChannels != out.Channels {
		return errors.Errorf("%s weights have %d output channels, output %s", op.Kind, w.OutputChannels, out)
	}
	if op.Kind == KindFullyConnected {
		if w.Width != 1 || w.Height != 1 || w.InputChannels != in.Size() {
			return errors.Errorf("FullyConnected weights must be 1x1x%d, got %dx%dx%d", in.Size(), w.Height, w.Width, w.InputChannels)
		}
		return nil
	}
	if c.Depthwise {
		if w.InputChannels != 1 || in.Channels != out.Channels {
			return errors.Errorf("depthwise Convolution requires per-channel filters and equal input/output channels, got %s -> %s", in, out)
		}
	} else if w.InputChannels != in.Channels {
		return errors.Errorf("Convolution weights have %d input channels, input %s", w.InputChannels, in)
	}
	if c.Pointwise && (w.Width != 1 || w.Height != 1) {
		return errors.Errorf("pointwise Convolution requires a 1x1 kernel, got %dx%d", w.Width, w.Height)
	}
	return nil
}

// ValidateGraph validates every operation and checks that tensors referenced by several
// operations are described consistently.
func ValidateGraph(operations []Operation) error {
	seen := make(map[int]Tensor)
	check := func(t Tensor) error {
		if prev, found := seen[t.Index]; found {
			if prev.Width != t.Width || prev.Height != t.Height || prev.Channels != t.Channels {
				return errors.Errorf("tensor #%d described as both %s and %s", t.Index, prev, t)
			}
			return nil
		}
		seen[t.Index] = t
		return nil
	}
	producers := make(map[int]int)
	for i := range operations {
		op := &operations[i]
		if err := op.Validate(); err != nil {
			return errors.WithMessagef(err, "operation #%d", i)
		}
		for _, t := range op.Inputs {
			if err := check(t); err != nil {
				return errors.WithMessagef(err, "operation #%d", i)
			}
		}
		for _, t := range op.Outputs {
			if err := check(t); err != nil {
				return errors.WithMessagef(err, "operation #%d", i)
			}
			if prev, found := producers[t.Index]; found {
				return errors.Errorf("tensor #%d is produced by both operations #%d and #%d", t.Index, prev, i)
			}
			producers[t.Index] = i
		}
	}
	return nil
}

// NumTensors returns one plus the largest tensor index used.
func NumTensors(operations []Operation) int {
	n := 0
	for _, op := range operations {
		for _, t := range op.Inputs {
			n = max(n, t.Index+1)
		}
		for _, t := range op.Outputs {
			n = max(n, t.Index+1)
		}
	}
	return n
}
