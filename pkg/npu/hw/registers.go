// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hw

// Command stream state registers used to dispatch NN and TP instructions.
const (
	RegGLNNConfig    uint32 = 0x00874
	RegGLTPConfig    uint32 = 0x0087c
	RegOCBRemapStart uint32 = 0x00880
	RegOCBRemapEnd   uint32 = 0x00884
	RegPSNNInstAddr  uint32 = 0x01028
	RegPSInstSlot    uint32 = 0x010a4
	RegPSTPInstAddr  uint32 = 0x010b8
)

// NNConfigSmallBatch is set in RegGLNNConfig when instructions are batched in a single flush.
const NNConfigSmallBatch uint32 = 1 << 13

// Cache modes of the kernel and image caches in on-chip SRAM.
const (
	CacheNone    uint32 = 0
	CacheFull    uint32 = 1
	CachePartial uint32 = 2
)
