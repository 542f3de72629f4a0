// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jobs defines the primitive hardware jobs the graph is lowered to, and the compiled
// instructions they become.
package jobs

import (
	"fmt"

	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/ops"
)

// Kind of primitive job.
type Kind int

const (
	// KindNN runs on the NN cores: convolution, addition or fully-connected.
	KindNN Kind = iota

	// KindTranspose converts a channel-last tensor to channel-major, on a TP core.
	KindTranspose

	// KindDetranspose converts a channel-major tensor back to channel-last, on a TP core.
	KindDetranspose

	// KindReshuffle is the space-to-depth preprocessing of strided convolutions, on the TP cores.
	KindReshuffle

	// KindConcat and KindSplit only mark the aliasing done during memory planning, they don't
	// produce instructions.
	KindConcat
	KindSplit
)

var kindNames = []string{"NN", "Transpose", "Detranspose", "Reshuffle", "Concat", "Split"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// IsTP returns whether the job runs on the TP cores.
func (k Kind) IsTP() bool {
	return k == KindTranspose || k == KindDetranspose || k == KindReshuffle
}

// IsMarker returns whether the job is only used for memory planning.
func (k Kind) IsMarker() bool { return k == KindConcat || k == KindSplit }

// NNMode selects the layer type programmed into the NN cores.
type NNMode int

const (
	ModeConvolution NNMode = iota
	ModeAddition
	ModeFullyConnected
)

// String implements fmt.Stringer.
func (m NNMode) String() string {
	switch m {
	case ModeConvolution:
		return "convolution"
	case ModeAddition:
		return "addition"
	case ModeFullyConnected:
		return "fully-connected"
	default:
		return fmt.Sprintf("NNMode(%d)", int(m))
	}
}

// Shape of an image, as seen by a job.
type Shape struct {
	Width, Height, Channels int
}

// Size in bytes.
func (s Shape) Size() int { return s.Width * s.Height * s.Channels }

// String implements fmt.Stringer.
func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels) }

// ShapeOf returns the shape of the tensor.
func ShapeOf(t ops.Tensor) Shape { return Shape{t.Width, t.Height, t.Channels} }

// Job is a primitive hardware job. It only exists at compile time.
type Job struct {
	Kind Kind

	// Op is the index of the operation the job was lowered from.
	Op int

	// Input and Output are arena tensor indices.
	Input, Output int

	// Branches are the tensor indices of a Concat (inputs) or Split (outputs) marker.
	Branches []int

	InputShape, OutputShape Shape

	InputScale, OutputScale         float32
	InputZeroPoint, OutputZeroPoint uint8

	// NN parameters.
	Mode        NNMode
	Weights     ops.Weights
	Bias        []int32
	Stride      int
	Depthwise   bool
	Pointwise   bool
	PaddingSame bool
	ReLU        bool

	// PadBeforeX and PadBeforeY shift the input image, filling the border with the input zero-point.
	PadBeforeX, PadBeforeY int
}

// String implements fmt.Stringer.
func (j *Job) String() string {
	switch {
	case j.Kind.IsMarker():
		return fmt.Sprintf("%s(op #%d, #%d, branches %v)", j.Kind, j.Op, j.Input, j.Branches)
	case j.Kind == KindNN:
		return fmt.Sprintf("NN/%s(op #%d, #%d %s -> #%d %s, kernel %dx%d, stride %d)", j.Mode, j.Op,
			j.Input, j.InputShape, j.Output, j.OutputShape, j.Weights.Width, j.Weights.Height, max(j.Stride, 1))
	default:
		return fmt.Sprintf("%s(op #%d, #%d %s -> #%d %s)", j.Kind, j.Op, j.Input, j.InputShape, j.Output, j.OutputShape)
	}
}

// Instruction is a compiled job, ready to be emitted to the command stream.
// It's immutable after compilation and owned by the subgraph.
type Instruction struct {
	Kind Kind

	// Job is the index of the job it was compiled from.
	Job int

	// Configs holds one register block per core used (a single one for NN instructions).
	Configs []device.Buffer

	// Coefficients holds the compressed weights and biases of NN instructions.
	Coefficients device.Buffer

	// Input and Output are arena tensor indices.
	Input, Output int
}

// Release frees the instruction buffers.
func (in *Instruction) Release() {
	for _, c := range in.Configs {
		c.Release()
	}
	in.Configs = nil
	if in.Coefficients != nil {
		in.Coefficients.Release()
		in.Coefficients = nil
	}
}
