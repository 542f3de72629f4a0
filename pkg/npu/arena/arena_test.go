// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arena

import (
	"testing"

	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newArena(count int) (*Arena, *memdev.Device) {
	dev := memdev.New(must.M1(hw.Preset(hw.DefaultPreset)))
	return New(dev, count), dev
}

func TestCreate(t *testing.T) {
	a, dev := newArena(3)
	require.False(t, a.IsBacked(0))
	require.Nil(t, a.Buffer(0))
	require.NoError(t, a.Create(0, 100))
	require.NoError(t, a.Create(0, 100), "same size is idempotent")
	require.Error(t, a.Create(0, 50))
	require.Error(t, a.Create(3, 10))
	assert.Equal(t, 100, a.Size(0))
	assert.Equal(t, 1, dev.LiveBuffers())

	idx := a.Allocate()
	assert.Equal(t, 3, idx)
	assert.Equal(t, 4, a.Len())
	require.NoError(t, a.Create(idx, 8))
	assert.Equal(t, 2, dev.LiveBuffers())

	a.Release()
	assert.Equal(t, 0, dev.LiveBuffers())
}

func TestCreateAllocationFailure(t *testing.T) {
	a, dev := newArena(1)
	dev.FailAfter = 1
	require.ErrorContains(t, a.Create(0, 10), "out of memory")
	require.False(t, a.IsBacked(0))
}

func TestAlias(t *testing.T) {
	a, dev := newArena(5)
	require.NoError(t, a.Create(0, 96))
	require.NoError(t, a.Alias(1, 0, 0, 32))
	require.NoError(t, a.Alias(2, 0, 32, 64))
	require.NoError(t, a.Alias(3, 2, 16, 48), "alias of an alias is relative to its view")
	require.NoError(t, a.Alias(3, 2, 16, 48), "same alias is idempotent")
	assert.Equal(t, 1, dev.LiveBuffers())

	for idx, want := range map[int][2]int{0: {0, 96}, 1: {0, 32}, 2: {32, 64}, 3: {48, 48}} {
		v, ok := a.View(idx)
		require.True(t, ok)
		assert.Equal(t, want[0], v.Offset, "offset of #%d", idx)
		assert.Equal(t, want[1], v.Size, "size of #%d", idx)
		assert.Equal(t, 0, v.Owner())
		assert.Same(t, a.Buffer(0), v.Buffer())
	}
	require.NoError(t, a.Create(2, 64), "creating an aliased index with its size is a no-op")

	require.Error(t, a.Alias(4, 0, 90, 10), "out of bounds")
	require.Error(t, a.Alias(4, 0, -1, 10))
	require.Error(t, a.Alias(1, 0, 32, 32), "already backed elsewhere")
	require.NoError(t, a.Create(4, 4))
	require.Error(t, a.Alias(4, 0, 0, 4), "owns its buffer")
	_, ok := a.View(5)
	require.False(t, ok)

	unbacked := a.Allocate()
	require.Error(t, a.Alias(unbacked, unbacked, 0, 1))
	assert.Len(t, a.Summary(), 5)

	a.Release()
	assert.Equal(t, 0, dev.LiveBuffers())
	assert.Empty(t, a.Summary())
}
