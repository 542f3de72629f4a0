// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/gomlx/npuc/pkg/npu/subgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// defaultGraph is a 3x3 convolution, 3 to 4 channels, over an 8x8 image.
func defaultGraph() []ops.Operation {
	in := ops.Tensor{Index: 0, Width: 8, Height: 8, Channels: 3, Scale: 1, ZeroPoint: 128}
	out := ops.Tensor{Index: 1, Width: 8, Height: 8, Channels: 4, Scale: 1, ZeroPoint: 128}
	return []ops.Operation{{
		Kind:    ops.KindConvolution,
		Inputs:  []ops.Tensor{in},
		Outputs: []ops.Tensor{out},
		Conv: &ops.Convolution{
			Weights:     ops.Weights{Width: 3, Height: 3, InputChannels: 3, OutputChannels: 4, Scale: 1, ZeroPoint: 128},
			StrideX:     1,
			StrideY:     1,
			PaddingSame: true,
		},
	}}
}

// loadGraph reads the operations from a JSON file, or returns the default graph if path is empty.
func loadGraph(path string) ([]ops.Operation, error) {
	if path == "" {
		return defaultGraph(), nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading graph from %q", path)
	}
	var operations []ops.Operation
	if err = json.Unmarshal(contents, &operations); err != nil {
		return nil, errors.Wrapf(err, "parsing graph from %q", path)
	}
	if len(operations) == 0 {
		return nil, errors.Errorf("graph %q has no operations", path)
	}
	return operations, nil
}

// synthesize fills in the missing weights and biases with random values.
func synthesize(operations []ops.Operation, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	for i := range operations {
		conv := operations[i].Conv
		if conv == nil {
			continue
		}
		if len(conv.Weights.Data) == 0 && conv.Weights.Size() > 0 {
			conv.Weights.Data = make([]byte, conv.Weights.Size())
			for j := range conv.Weights.Data {
				conv.Weights.Data[j] = uint8(rng.IntN(256))
			}
			klog.V(1).Infof("synthesized %d weights for operation #%d", len(conv.Weights.Data), i)
		}
		if len(conv.Bias) == 0 && conv.Weights.OutputChannels > 0 {
			conv.Bias = make([]int32, conv.Weights.OutputChannels)
			for j := range conv.Bias {
				conv.Bias[j] = rng.Int32N(1<<12) - 1<<11
			}
		}
	}
}

// graphInputs returns the tensors read but not produced by the operations, and graphOutputs the
// ones produced but not read.
func graphInputs(operations []ops.Operation) []ops.Tensor {
	return boundary(operations, func(op *ops.Operation) ([]ops.Tensor, []ops.Tensor) { return op.Inputs, op.Outputs })
}

func graphOutputs(operations []ops.Operation) []ops.Tensor {
	return boundary(operations, func(op *ops.Operation) ([]ops.Tensor, []ops.Tensor) { return op.Outputs, op.Inputs })
}

func boundary(operations []ops.Operation, sides func(op *ops.Operation) (want, exclude []ops.Tensor)) []ops.Tensor {
	excluded := make(map[int]bool)
	for i := range operations {
		_, exclude := sides(&operations[i])
		for _, t := range exclude {
			excluded[t.Index] = true
		}
	}
	var tensors []ops.Tensor
	for i := range operations {
		want, _ := sides(&operations[i])
		for _, t := range want {
			if excluded[t.Index] || slices.ContainsFunc(tensors, func(o ops.Tensor) bool { return o.Index == t.Index }) {
				continue
			}
			tensors = append(tensors, t)
		}
	}
	return tensors
}

// invoke runs the subgraph with zero-point filled inputs, and reads back the outputs.
func invoke(sg *subgraph.Subgraph, operations []ops.Operation) error {
	var indices []int
	var data [][]byte
	var signed []bool
	for _, t := range graphInputs(operations) {
		input := make([]byte, t.Size())
		for i := range input {
			input[i] = t.ZeroPoint
		}
		indices = append(indices, t.Index)
		data = append(data, input)
		signed = append(signed, false)
	}
	if err := sg.Invoke(indices, data, signed); err != nil {
		return err
	}

	indices, data, signed = nil, nil, nil
	for _, t := range graphOutputs(operations) {
		indices = append(indices, t.Index)
		data = append(data, make([]byte, t.Size()))
		signed = append(signed, false)
	}
	if err := sg.ReadOutputs(indices, data, signed); err != nil {
		return err
	}
	for i, idx := range indices {
		klog.Infof("output tensor #%d: %d bytes", idx, len(data[i]))
	}
	return nil
}
