// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn compiles NN jobs (convolutions, additions and fully-connected layers) to the
// register block and coefficients buffer read by the NN cores.
//
// Compiling a job goes through these steps:
//
//  1. Weight normalization (see Layer): channel-major layout, depthwise expansion, destriding.
//  2. Tiling: tile sizes, interleave mode and superblocks, bounded by the core buffers.
//  3. Quantization: the requantization scale as multiplier and shift fields.
//  4. Bias correction: the input zero-point folded into the biases.
//  5. Coefficients: weights and biases compressed per core, with a generation-specific codec.
//  6. SRAM partitioning and the register block.
//
// The two hardware generations differ in codecs, quantization fields and register layouts:
// each is a strategy selected by hw.Specs.Generation.
package nn

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/arena"
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CoefficientCache stores compiled coefficients by key. Implemented by package cache.
// Errors are logged and otherwise ignored: the cache is only an optimization.
type CoefficientCache interface {
	Get(key uint64) (data []byte, found bool, err error)
	Put(key uint64, data []byte) error
}

// Plan holds everything computed for one NN job.
type Plan struct {
	Layer        *Layer
	Tiling       Tiling
	Quantization Quantization
	Biases       []int32

	// RunBits is the gen7 zero-run-length width.
	RunBits int

	// SymbolMap and ZeroRuns configure the gen8 paired-symbol codec.
	SymbolMap uint32
	ZeroRuns  bool

	Coefficients []byte
	CacheSize    int
	CacheHit     bool

	SRAM SRAMLayout
}

// strategy implements the generation-specific parts of the compiler.
type strategy interface {
	generation() hw.Generation
	nativeStride(depthwise, pointwise bool, inputWidth int) bool
	destrideAdjust(kernelWidth, stride int) int
	capKernelsPerCore(specs hw.Specs, l *Layer, limit int) int
	quantize(scale float32) Quantization
	biasZeroPoint(inputZeroPoint uint8) int32
	encode(specs hw.Specs, p *Plan)
	codecParam(p *Plan) uint32
	setCodecParam(p *Plan, param uint32)
	partialCachePattern(outputChannels int) (partialPattern, bool)
	registers(p *Plan, addr addresses) []byte
}

var strategies = map[hw.Generation]strategy{
	hw.Gen7: v7{},
	hw.Gen8: v8{},
}

func strategyFor(gen hw.Generation) strategy {
	s, found := strategies[gen]
	if !found {
		exceptions.Panicf("nn: unsupported NPU generation %s", gen)
	}
	return s
}

// addresses of the buffers an instruction uses.
type addresses struct {
	input, output, kernel uint32
}

// Compiler compiles NN jobs for one NPU.
type Compiler struct {
	alloc device.Allocator
	specs hw.Specs
	gen   strategy
	cache CoefficientCache
}

// New returns a Compiler for the specs. cache can be nil.
//
// It panics if the generation is not supported.
func New(alloc device.Allocator, specs hw.Specs, cache CoefficientCache) *Compiler {
	return &Compiler{alloc: alloc, specs: specs, gen: strategyFor(specs.Generation), cache: cache}
}

// Generation targeted by the compiler.
func (c *Compiler) Generation() hw.Generation { return c.gen.generation() }

// Plan normalizes, schedules and encodes the job, without allocating anything.
func (c *Compiler) Plan(job *jobs.Job) *Plan {
	l := normalize(c.gen.generation(), job)
	p := &Plan{Layer: l}
	p.Tiling = computeTiling(c.specs, c.gen, l)
	p.Quantization = c.gen.quantize(l.InputScale * l.WeightScale / l.OutputScale)
	p.Biases = correctBiases(l, c.gen.biasZeroPoint(l.InputZeroPoint))
	klog.V(2).Infof("nn: %s, %s, shift %d", l, p.Tiling, p.Quantization.Shift)

	key := c.cacheKey(p)
	if !c.loadCached(key, p) {
		c.gen.encode(c.specs, p)
		c.storeCached(key, p)
	}
	p.SRAM = partitionSRAM(c.specs, c.gen, l, p.Tiling, p.CacheSize)
	klog.V(2).Infof("nn: coefficients %s, %s", humanize.Bytes(uint64(len(p.Coefficients))), p.SRAM)
	return p
}

// Compile returns the instruction for the NN job. The job input and output must be backed in
// the arena.
func (c *Compiler) Compile(a *arena.Arena, job *jobs.Job) (*jobs.Instruction, error) {
	if !a.IsBacked(job.Input) || !a.IsBacked(job.Output) {
		return nil, errors.Errorf("nn: %s reads or writes an unbacked tensor", job)
	}
	p := c.Plan(job)
	coefficients, err := device.NewBufferWith(c.alloc, p.Coefficients)
	if err != nil {
		return nil, errors.WithMessagef(err, "nn: allocating coefficients of %s", job)
	}
	addr := addresses{
		input:  a.Buffer(job.Input).GPUAddress() + uint32(a.Offset(job.Input)),
		output: a.Buffer(job.Output).GPUAddress() + uint32(a.Offset(job.Output)),
		kernel: coefficients.GPUAddress(),
	}
	config, err := device.NewBufferWith(c.alloc, c.gen.registers(p, addr))
	if err != nil {
		coefficients.Release()
		return nil, errors.WithMessagef(err, "nn: allocating registers of %s", job)
	}
	return &jobs.Instruction{
		Kind:         jobs.KindNN,
		Configs:      []device.Buffer{config},
		Coefficients: coefficients,
		Input:        job.Input,
		Output:       job.Output,
	}, nil
}

// cacheKey hashes everything the coefficients depend on.
func (c *Compiler) cacheKey(p *Plan) uint64 {
	if c.cache == nil {
		return 0
	}
	l := p.Layer
	h := xxhash.New()
	var buf []byte
	for _, v := range []int{
		int(c.gen.generation()), c.specs.NNCoreCount, c.specs.MaxZRLBits, int(l.Mode),
		l.Input.Width, l.Input.Height, l.Input.Channels, l.Output.Width, l.Output.Height, l.Output.Channels,
		l.KernelWidth, l.KernelHeight, int(l.WeightZeroPoint), boolToInt(l.Pointwise),
		p.Tiling.Superblocks, p.Tiling.Cores, p.Tiling.KernelsPerCore,
	} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	for _, b := range p.Biases {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b))
	}
	_, _ = h.Write(buf)
	_, _ = h.Write(l.Weights)
	return h.Sum64()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const cacheHeaderSize = 8

func (c *Compiler) loadCached(key uint64, p *Plan) bool {
	if c.cache == nil {
		return false
	}
	data, found, err := c.cache.Get(key)
	if err != nil {
		klog.Warningf("nn: coefficient cache lookup failed: %+v", err)
		return false
	}
	if !found {
		return false
	}
	if len(data) < cacheHeaderSize {
		klog.Warningf("nn: ignoring truncated coefficient cache entry %016x", key)
		return false
	}
	p.CacheSize = int(binary.LittleEndian.Uint32(data))
	c.gen.setCodecParam(p, binary.LittleEndian.Uint32(data[4:]))
	p.Coefficients = data[cacheHeaderSize:]
	p.CacheHit = true
	klog.V(2).Infof("nn: coefficient cache hit %016x", key)
	return true
}

func (c *Compiler) storeCached(key uint64, p *Plan) {
	if c.cache == nil {
		return
	}
	data := make([]byte, cacheHeaderSize, cacheHeaderSize+len(p.Coefficients))
	binary.LittleEndian.PutUint32(data, uint32(p.CacheSize))
	binary.LittleEndian.PutUint32(data[4:], c.gen.codecParam(p))
	data = append(data, p.Coefficients...)
	if err := c.cache.Put(key, data); err != nil {
		klog.Warningf("nn: failed to store coefficients in cache: %+v", err)
	}
}

// commonRegisters holds the register values shared by both generations.
type commonRegisters struct {
	layerType                      uint32
	kernelXY, kernelY, kernelZ     uint32
	kernelsPerCore                 uint32
	pooling, poolingXY             uint32
	inX, inY, outX, outY, outZ     uint32
	offsetX, offsetY, offX3, offY3 uint32
	tileX, tileY                   uint32
	relu, depthwise                uint32
}

func commonValues(p *Plan) commonRegisters {
	l, t := p.Layer, p.Tiling
	r := commonRegisters{
		kernelXY:       uint32(l.KernelWidth),
		kernelY:        uint32(l.KernelHeight),
		kernelZ:        uint32(l.Input.Channels),
		kernelsPerCore: uint32(t.KernelsPerCore),
		poolingXY:      1,
		inX:            uint32(l.Input.Width),
		inY:            uint32(l.Input.Height),
		outX:           uint32(l.Output.Width),
		outY:           uint32(l.Output.Height),
		outZ:           uint32(l.Output.Channels),
		tileX:          uint32(t.TileWidth),
		tileY:          uint32(t.TileHeight),
		relu:           uint32(boolToInt(l.ReLU)),
		depthwise:      uint32(boolToInt(l.Depthwise)),
	}
	if l.Mode == jobs.ModeFullyConnected {
		r.layerType = layerFullyConnected
	}
	if l.PoolingFirstPixel {
		r.pooling, r.poolingXY = poolingFirstPixel, 0
	}
	r.offsetX, r.offX3 = offsetBits(l.OffsetX)
	r.offsetY, r.offY3 = offsetBits(l.OffsetY)
	return r
}
