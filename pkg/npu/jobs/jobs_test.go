// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"testing"

	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	assert.True(t, KindReshuffle.IsTP())
	assert.False(t, KindNN.IsTP())
	assert.True(t, KindSplit.IsMarker())
	assert.False(t, KindDetranspose.IsMarker())
	assert.Equal(t, "Detranspose", KindDetranspose.String())
	assert.Equal(t, "Kind(17)", Kind(17).String())
	assert.Equal(t, "addition", ModeAddition.String())
}

func TestJobString(t *testing.T) {
	in := ops.Tensor{Index: 3, Width: 8, Height: 8, Channels: 3}
	j := &Job{Kind: KindNN, Op: 1, Input: 3, Output: 4, InputShape: ShapeOf(in), OutputShape: Shape{8, 8, 4},
		Weights: ops.Weights{Width: 3, Height: 3}}
	assert.Equal(t, "NN/convolution(op #1, #3 8x8x3 -> #4 8x8x4, kernel 3x3, stride 1)", j.String())
	assert.Equal(t, 192, j.InputShape.Size())

	marker := &Job{Kind: KindConcat, Op: 2, Input: 7, Branches: []int{4, 5}}
	assert.Equal(t, "Concat(op #2, #7, branches [4 5])", marker.String())
}
