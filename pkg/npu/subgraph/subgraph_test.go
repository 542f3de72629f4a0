// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subgraph

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/npuc/pkg/npu/cache"
	"github.com/gomlx/npuc/pkg/npu/device"
	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/jobs"
	"github.com/gomlx/npuc/pkg/npu/ops"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newDevice(t *testing.T, preset string) *memdev.Device {
	dev := memdev.New(must.M1(hw.Preset(preset)))
	dev.SetExecutor(EmulateTP(dev))
	t.Cleanup(func() {
		assert.Zero(t, dev.LiveBuffers(), "buffers leaked")
	})
	return dev
}

func tensor(idx, w, h, c int) ops.Tensor {
	return ops.Tensor{Index: idx, Width: w, Height: h, Channels: c, Scale: 1, ZeroPoint: 128}
}

func conv(rng *rand.Rand, in, out ops.Tensor, k, stride int) ops.Operation {
	w := ops.Weights{Width: k, Height: k, InputChannels: in.Channels, OutputChannels: out.Channels,
		Scale: 0.25, ZeroPoint: 128}
	w.Data = make([]byte, w.Size())
	for i := range w.Data {
		w.Data[i] = uint8(rng.IntN(256))
	}
	bias := make([]int32, out.Channels)
	for i := range bias {
		bias[i] = rng.Int32N(2000) - 1000
	}
	return ops.Operation{
		Kind: ops.KindConvolution, Inputs: []ops.Tensor{in}, Outputs: []ops.Tensor{out},
		Conv: &ops.Convolution{Weights: w, Bias: bias, StrideX: stride, StrideY: stride, PaddingSame: true},
	}
}

func randomBytes(rng *rand.Rand, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = uint8(rng.IntN(256))
	}
	return data
}

func kinds[T interface{ *jobs.Job | *jobs.Instruction }](items []T) []jobs.Kind {
	var k []jobs.Kind
	for _, item := range items {
		switch v := any(item).(type) {
		case *jobs.Job:
			k = append(k, v.Kind)
		case *jobs.Instruction:
			k = append(k, v.Kind)
		}
	}
	return k
}

func readTensor(t *testing.T, sg *Subgraph, idx int) []byte {
	data := make([]byte, sg.Arena().Size(idx))
	require.NoError(t, device.Read(sg.Arena().Buffer(idx), sg.Arena().Offset(idx), data))
	return data
}

func TestConvolution(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 7))
	for _, preset := range []string{"vipnano-si+", "vip9000-6c"} {
		t.Run(preset, func(t *testing.T) {
			dev := newDevice(t, preset)
			in, out := tensor(0, 8, 8, 3), tensor(1, 8, 8, 4)
			sg, err := Compile(dev, []ops.Operation{conv(rng, in, out, 3, 1)}, Options{})
			require.NoError(t, err)
			defer sg.Destroy()

			want := []jobs.Kind{jobs.KindTranspose, jobs.KindNN, jobs.KindDetranspose}
			require.Equal(t, want, kinds(sg.Jobs()))
			require.Equal(t, want, kinds(sg.Instructions()))
			for i, instruction := range sg.Instructions() {
				assert.Equal(t, i, instruction.Job)
			}

			input := randomBytes(rng, in.Size())
			require.NoError(t, sg.Invoke([]int{0}, [][]byte{input}, []bool{false}))
			output := make([]byte, out.Size())
			require.NoError(t, sg.ReadOutputs([]int{1}, [][]byte{output}, []bool{false}))
			require.Len(t, output, 8*8*4)

			// The transpose ran on the TP emulator: the NN input is channel-major.
			transposed := readTensor(t, sg, sg.Jobs()[1].Input)
			deviceInput := convert(input, false, sg.deviceSigned())
			for c := range 3 {
				for pixel := range 64 {
					require.Equal(t, deviceInput[pixel*3+c], transposed[c*64+pixel], "channel %d, pixel %d", c, pixel)
				}
			}
		})
	}
}

func TestAdd(t *testing.T) {
	dev := newDevice(t, "vipnano-si+")
	a, b, out := tensor(0, 8, 8, 4), tensor(1, 8, 8, 4), tensor(2, 8, 8, 4)
	b.Scale = 2
	operations := []ops.Operation{{Kind: ops.KindAdd, Inputs: []ops.Tensor{a, b}, Outputs: []ops.Tensor{out}}}
	sg, err := Compile(dev, operations, Options{})
	require.NoError(t, err)
	defer sg.Destroy()

	require.Equal(t, []jobs.Kind{jobs.KindNN}, kinds(sg.Instructions()))
	nnInput := sg.Instructions()[0].Input
	require.Equal(t, 512, sg.Arena().Size(nnInput))

	// Both operands are uploaded straight into the NN input buffer.
	dataA, dataB := make([]byte, 256), make([]byte, 256)
	for i := range dataA {
		dataA[i], dataB[i] = uint8(i), uint8(255-i)
	}
	require.NoError(t, sg.Invoke([]int{0, 1}, [][]byte{dataA, dataB}, []bool{false, false}))
	joined := readTensor(t, sg, nnInput)
	assert.Equal(t, dataA, joined[:256])
	assert.Equal(t, dataB, joined[256:])
	require.NoError(t, sg.ReadOutputs([]int{2}, [][]byte{make([]byte, 256)}, []bool{false}))
}

func TestAddSameOperand(t *testing.T) {
	dev := newDevice(t, "vip9000-6c")
	x := tensor(0, 8, 8, 4)
	operations := []ops.Operation{{Kind: ops.KindAdd, Inputs: []ops.Tensor{x, x}, Outputs: []ops.Tensor{tensor(1, 8, 8, 4)}}}
	sg, err := Compile(dev, operations, Options{})
	require.NoError(t, err)
	defer sg.Destroy()
	require.Equal(t, []jobs.Kind{jobs.KindTranspose, jobs.KindNN}, kinds(sg.Instructions()))

	input := randomBytes(rand.New(rand.NewPCG(8, 8)), x.Size())
	require.NoError(t, sg.Invoke([]int{0}, [][]byte{input}, []bool{false}))
	require.NoError(t, sg.ReadOutputs([]int{1}, [][]byte{make([]byte, x.Size())}, []bool{false}))

	// The copy ran on the emulator: both halves of the NN input hold x.
	joined := readTensor(t, sg, sg.Instructions()[1].Input)
	stored := convert(input, false, sg.deviceSigned())
	assert.Equal(t, stored, joined[:x.Size()])
	assert.Equal(t, stored, joined[x.Size():])
}

func TestSigned(t *testing.T) {
	add := []ops.Operation{{Kind: ops.KindAdd, Inputs: []ops.Tensor{tensor(0, 8, 8, 4), tensor(1, 8, 8, 4)},
		Outputs: []ops.Tensor{tensor(2, 8, 8, 4)}}}
	input, flipped := make([]byte, 256), make([]byte, 256)
	for i := range input {
		input[i] = uint8(i)
		flipped[i] = uint8(i) + 128
	}
	for _, tc := range []struct {
		preset string
		signed bool
		stored []byte
	}{
		{"vipnano-si+", false, input},
		{"vipnano-si+", true, flipped},
		{"vip9000-6c", false, flipped},
		{"vip9000-6c", true, input},
	} {
		dev := newDevice(t, tc.preset)
		sg := must.M1(Compile(dev, add, Options{}))
		zeros := make([]byte, len(input))
		require.NoError(t, sg.Invoke([]int{0, 1}, [][]byte{input, zeros}, []bool{tc.signed, tc.signed}))
		assert.Equal(t, tc.stored, readTensor(t, sg, 0), "%s signed=%v", tc.preset, tc.signed)

		// Reading back the input tensor reverses the conversion.
		readBack := make([]byte, len(input))
		require.NoError(t, sg.ReadOutputs([]int{0}, [][]byte{readBack}, []bool{tc.signed}))
		assert.Equal(t, input, readBack)
		sg.Destroy()
	}
}

func TestArguments(t *testing.T) {
	dev := newDevice(t, "vipnano-si+")
	rng := rand.New(rand.NewPCG(3, 3))
	sg := must.M1(Compile(dev, []ops.Operation{conv(rng, tensor(0, 4, 4, 2), tensor(1, 4, 4, 2), 1, 1)}, Options{}))
	defer sg.Destroy()
	input := make([]byte, 32)
	require.Error(t, sg.Invoke([]int{0}, [][]byte{input}, nil))
	require.Error(t, sg.Invoke([]int{0}, [][]byte{input[:7]}, []bool{false}))
	require.ErrorContains(t, sg.Invoke([]int{99}, [][]byte{input}, []bool{false}), "not part of the subgraph")
	require.Error(t, sg.ReadOutputs([]int{1}, [][]byte{make([]byte, 31)}, []bool{false}))
}

// registerWrites returns the values written to reg in the recorded commands.
func registerWrites(commands []memdev.Command, reg uint32) []uint32 {
	var values []uint32
	for _, c := range commands {
		if c.Reg == reg {
			values = append(values, c.Value)
		}
	}
	return values
}

func TestEmission(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 2))
	// Strided convolution on a single channel: reshuffle on several TP cores, NN, detranspose.
	operations := []ops.Operation{conv(rng, tensor(0, 16, 16, 1), tensor(1, 8, 8, 4), 3, 2)}
	input := randomBytes(rng, 256)
	for _, opts := range []Options{{}, {Parallel: true}, {NoBatching: true}, {NoBatching: true, Parallel: true}} {
		t.Run(opts.String(), func(t *testing.T) {
			dev := newDevice(t, "vipnano-si+")
			sg, err := Compile(dev, operations, opts)
			require.NoError(t, err)
			defer sg.Destroy()
			instructions := sg.Instructions()
			require.Equal(t, []jobs.Kind{jobs.KindReshuffle, jobs.KindNN, jobs.KindDetranspose}, kinds(instructions))
			reshuffleCores := len(instructions[0].Configs)
			require.Greater(t, reshuffleCores, 1)

			stream := dev.Commands()
			require.NoError(t, sg.Invoke([]int{0}, [][]byte{input}, []bool{false}))
			if opts.NoBatching {
				assert.Equal(t, 3, stream.Flushes)
				assert.Equal(t, 3, stream.Waits)
				assert.Empty(t, stream.Pending())
			} else {
				assert.Zero(t, stream.Flushes, "batched invocations only queue work")
				assert.NotEmpty(t, stream.Pending())
			}
			output := make([]byte, 8*8*4)
			require.NoError(t, sg.ReadOutputs([]int{1}, [][]byte{output}, []bool{false}))
			assert.Empty(t, stream.Pending())
			commands := stream.History()

			// Instruction slots.
			slots := registerWrites(commands, hw.RegPSInstSlot)
			if opts.Parallel {
				assert.Equal(t, []uint32{1, 2, 3}, slots)
			} else {
				assert.Equal(t, []uint32{0, 0, 0}, slots)
			}
			tpAddresses := registerWrites(commands, hw.RegPSTPInstAddr)
			require.Len(t, tpAddresses, reshuffleCores+1)
			for core, config := range instructions[0].Configs {
				want := config.GPUAddress()
				switch {
				case core == reshuffleCores-1 && opts.Parallel:
					want++
				case opts.Parallel:
					want += tpChainedSlotParallel
				case core < reshuffleCores-1:
					want += tpChainedSlot
				}
				assert.Equal(t, want, tpAddresses[core], "reshuffle core %d", core)
			}
			nnAddresses := registerWrites(commands, hw.RegPSNNInstAddr)
			require.Len(t, nnAddresses, 1)
			assert.Equal(t, instructions[1].Configs[0].GPUAddress()+sg.slot(1, false), nnAddresses[0])
			nnConfig := registerWrites(commands, hw.RegGLNNConfig)
			if opts.NoBatching {
				assert.Equal(t, []uint32{0}, nnConfig)
			} else {
				assert.Equal(t, []uint32{hw.NNConfigSmallBatch}, nnConfig)
			}
			assert.Len(t, registerWrites(commands, hw.RegOCBRemapStart), reshuffleCores+2)

			// Every buffer used is referenced before being dispatched.
			referenced := make(map[*memdev.Buffer]bool)
			for _, c := range commands {
				if c.Reg == 0 {
					referenced[c.Buffer] = true
				} else if c.IsReloc() {
					assert.True(t, referenced[c.Buffer], "register %#x points to an unreferenced buffer", c.Reg)
				}
			}

			// The reshuffle ran: its output holds every input pixel.
			reshuffled := readTensor(t, sg, instructions[0].Output)
			seen := make(map[byte]bool)
			for _, v := range reshuffled {
				seen[v] = true
			}
			for _, v := range input {
				require.True(t, seen[v], "input value %d missing from the reshuffled tensor", v)
			}
		})
	}
}

func TestParallelSlots(t *testing.T) {
	// A long chain of 1x1 convolutions: transpose, 70 NN jobs, detranspose.
	rng := rand.New(rand.NewPCG(6, 6))
	const numConvs = 70
	var operations []ops.Operation
	for i := range numConvs {
		operations = append(operations, conv(rng, tensor(i, 4, 4, 2), tensor(i+1, 4, 4, 2), 1, 1))
	}
	dev := newDevice(t, "vipnano-si+")
	sg, err := Compile(dev, operations, Options{Parallel: true})
	require.NoError(t, err)
	defer sg.Destroy()
	instructions := sg.Instructions()
	require.Len(t, instructions, numConvs+2)

	input := randomBytes(rng, 32)
	require.NoError(t, sg.Invoke([]int{0}, [][]byte{input}, []bool{false}))
	output := make([]byte, 32)
	require.NoError(t, sg.ReadOutputs([]int{numConvs}, [][]byte{output}, []bool{false}))
	commands := dev.Commands().History()

	slots := registerWrites(commands, hw.RegPSInstSlot)
	require.Len(t, slots, len(instructions))
	for i, slot := range slots {
		assert.Equal(t, uint32(i%parallelSlots+1), slot, "instruction #%d", i)
		assert.NotEqual(t, uint32(tpChainedSlotParallel), slot)
	}

	// Every instruction address points back to its register block.
	var configs []uint32
	for _, instruction := range instructions {
		for _, config := range instruction.Configs {
			configs = append(configs, config.GPUAddress())
		}
	}
	var addresses []uint32
	for _, c := range commands {
		if c.Reg == hw.RegPSNNInstAddr || c.Reg == hw.RegPSTPInstAddr {
			assert.Equal(t, c.Value&slotMask, c.Value-c.Buffer.GPUAddress())
			addresses = append(addresses, c.Value&^slotMask)
		}
	}
	assert.Equal(t, configs, addresses)

	// The final detranspose ran on the emulator, reading the last NN output.
	last := readTensor(t, sg, instructions[len(instructions)-1].Input)
	detransposed := readTensor(t, sg, numConvs)
	for c := range 2 {
		for pixel := range 16 {
			require.Equal(t, last[c*16+pixel], detransposed[pixel*2+c], "channel %d, pixel %d", c, pixel)
		}
	}
}

func TestAllocationFailure(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	operations := []ops.Operation{conv(rng, tensor(0, 8, 8, 3), tensor(1, 8, 8, 4), 3, 1)}
	specs := must.M1(hw.Preset("vipnano-si+"))
	failures := 0
	for failAfter := 1; ; failAfter++ {
		require.Less(t, failAfter, 100, "compilation never succeeded")
		dev := memdev.New(specs)
		dev.FailAfter = failAfter
		sg, err := Compile(dev, operations, Options{})
		if err == nil {
			sg.Destroy()
			assert.Zero(t, dev.LiveBuffers())
			break
		}
		failures++
		assert.Nil(t, sg)
		assert.ErrorContains(t, err, "out of memory")
		assert.Zero(t, dev.LiveBuffers(), "allocation #%d failing leaked buffers", failAfter)
	}
	// 4 tensors, 3 register blocks and the coefficients.
	assert.Equal(t, 8, failures)
}

func TestInvalidGraph(t *testing.T) {
	dev := newDevice(t, "vipnano-si+")
	operations := []ops.Operation{{Kind: ops.KindConcatenation,
		Inputs:  []ops.Tensor{tensor(0, 4, 4, 1), tensor(1, 4, 4, 1)},
		Outputs: []ops.Tensor{tensor(2, 4, 4, 3)}}}
	_, err := Compile(dev, operations, Options{})
	require.Error(t, err)

	bad := memdev.New(hw.Specs{Name: "bad", Generation: hw.Generation(42)})
	_, err = Compile(bad, operations, Options{})
	require.ErrorContains(t, err, "unsupported generation")
}

func TestCoefficientCache(t *testing.T) {
	c := must.M1(cache.OpenInMemory())
	defer func() { require.NoError(t, c.Close()) }()
	rng := rand.New(rand.NewPCG(4, 4))
	operations := []ops.Operation{conv(rng, tensor(0, 8, 8, 3), tensor(1, 8, 8, 4), 3, 1)}
	var coefficients [][]byte
	for range 2 {
		dev := newDevice(t, "vipnano-si+")
		sg := must.M1(Compile(dev, operations, Options{Cache: c}))
		coefficients = append(coefficients, sg.Instructions()[1].Coefficients.(*memdev.Buffer).Bytes())
		sg.Destroy()
	}
	assert.Equal(t, 1, must.M1(c.Len()))
	assert.Equal(t, coefficients[0], coefficients[1])
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions("")
	require.NoError(t, err)
	assert.Equal(t, Options{}, o)

	o, err = ParseOptions("no_batching, parallel")
	require.NoError(t, err)
	assert.True(t, o.NoBatching)
	assert.True(t, o.Parallel)
	assert.Equal(t, "no_batching,parallel", o.String())

	_, err = ParseOptions("parallel,turbo")
	require.ErrorContains(t, err, "turbo")

	t.Setenv(NPUC_DEBUG, "no_batching")
	o, err = OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Options{NoBatching: true}, o)

	t.Setenv(NPUC_DEBUG, "verbose")
	_, err = OptionsFromEnv()
	require.ErrorContains(t, err, NPUC_DEBUG)
}
