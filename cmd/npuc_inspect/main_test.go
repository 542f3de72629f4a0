// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/gomlx/npuc/pkg/npu/subgraph"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const addGraph = `[
  {
    "kind": "add",
    "inputs": [
      {"index": 0, "width": 4, "height": 4, "channels": 2, "scale": 1, "zero_point": 128},
      {"index": 1, "width": 4, "height": 4, "channels": 2, "scale": 0.5, "zero_point": 120}
    ],
    "outputs": [{"index": 2, "width": 4, "height": 4, "channels": 2, "scale": 1, "zero_point": 128}]
  },
  {
    "kind": "Convolution",
    "inputs": [{"index": 2, "width": 4, "height": 4, "channels": 2, "scale": 1, "zero_point": 128}],
    "outputs": [{"index": 3, "width": 4, "height": 4, "channels": 3, "scale": 1, "zero_point": 128}],
    "conv": {
      "weights": {"width": 3, "height": 3, "input_channels": 2, "output_channels": 3, "scale": 0.1, "zero_point": 128},
      "padding_same": true
    }
  }
]`

func TestLoadGraph(t *testing.T) {
	operations := must.M1(loadGraph(""))
	require.Len(t, operations, 1)
	assert.Equal(t, ops.KindConvolution, operations[0].Kind)

	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(addGraph), 0o644))
	operations = must.M1(loadGraph(path))
	require.Len(t, operations, 2)
	assert.Equal(t, ops.KindAdd, operations[0].Kind)
	assert.Equal(t, float32(0.5), operations[0].Inputs[1].Scale)
	assert.Equal(t, 3, operations[1].Conv.Weights.OutputChannels)

	_, err := loadGraph(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	require.NoError(t, os.WriteFile(path, []byte(`[{"kind": "softmax"}]`), 0o644))
	_, err = loadGraph(path)
	require.ErrorContains(t, err, "softmax")
}

func TestSynthesize(t *testing.T) {
	a, b := defaultGraph(), defaultGraph()
	synthesize(a, 7)
	synthesize(b, 7)
	require.Len(t, a[0].Conv.Weights.Data, 3*3*3*4)
	require.Len(t, a[0].Conv.Bias, 4)
	assert.Equal(t, a[0].Conv.Weights.Data, b[0].Conv.Weights.Data)
	assert.Equal(t, a[0].Conv.Bias, b[0].Conv.Bias)

	// Given weights are kept.
	c := defaultGraph()
	c[0].Conv.Weights.Data = make([]byte, c[0].Conv.Weights.Size())
	synthesize(c, 7)
	assert.Equal(t, make([]byte, c[0].Conv.Weights.Size()), c[0].Conv.Weights.Data)
}

func TestBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(addGraph), 0o644))
	operations := must.M1(loadGraph(path))
	var inputs, outputs []int
	for _, tensor := range graphInputs(operations) {
		inputs = append(inputs, tensor.Index)
	}
	for _, tensor := range graphOutputs(operations) {
		outputs = append(outputs, tensor.Index)
	}
	assert.Equal(t, []int{0, 1}, inputs)
	assert.Equal(t, []int{3}, outputs)
}

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(addGraph), 0o644))
	operations := must.M1(loadGraph(path))
	synthesize(operations, 1)
	for _, preset := range hw.PresetNames() {
		specs := must.M1(hw.Preset(preset))
		dev := memdev.New(specs)
		dev.SetExecutor(subgraph.EmulateTP(dev))
		sg := must.M1(subgraph.Compile(dev, operations, subgraph.Options{Parallel: true}))
		assert.NotEmpty(t, specsTable(specs, sg.Options()).Render())
		assert.Contains(t, jobsTable(sg).Render(), "NN")
		assert.NotEmpty(t, instructionsTable(sg).Render())
		assert.NotEmpty(t, arenaTable(sg).Render())
		require.NoError(t, invoke(sg, operations))
		assert.Contains(t, streamTable(dev.Commands().History(), dev.Commands().Flushes).Render(), "PS_INST_SLOT")
		sg.Destroy()
		assert.Zero(t, dev.LiveBuffers())
	}
}
