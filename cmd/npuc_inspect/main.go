// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// npuc_inspect compiles a graph for an NPU, using an in-memory device, and reports the jobs,
// instructions and memory it compiles to.
//
// Usage:
//
//	npuc_inspect -hw=vipnano-si+ -graph=model.json -run
//
// Without -graph, it compiles a single 3x3 convolution over an 8x8x3 image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/npuc/pkg/npu/cache"
	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/subgraph"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagHW = flag.String("hw", "vipnano-si+",
		fmt.Sprintf("Hardware to compile for: one of the presets %q, or a JSON file with the specs.", hw.PresetNames()))
	flagGraph = flag.String("graph", "", "JSON file with the list of operations. "+
		"If empty, a single 3x3 convolution over an 8x8x3 image is compiled.")
	flagSeed  = flag.Uint64("seed", 42, "Seed used to synthesize the weights and biases missing in the graph.")
	flagCache = flag.String("cache", "", "Directory of the compiled coefficients cache. If empty, no cache is used.")
	flagDebug = flag.String("debug", "",
		fmt.Sprintf("Driver options, e.g. \"no_batching,parallel\". Defaults to $%s.", subgraph.NPUC_DEBUG))
	flagRun = flag.Bool("run", false, "Invoke the compiled graph with zero inputs, emulating the TP instructions, "+
		"and report the command stream.")
	flagPlain = flag.Bool("plain", false, "Render the tables without colors, e.g. when piping the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'npuc_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	if *flagPlain {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	err := exceptions.TryCatch[error](inspect)
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func inspect() {
	specs := must.M1(hw.Load(*flagHW))
	operations := must.M1(loadGraph(*flagGraph))
	synthesize(operations, *flagSeed)

	var opts subgraph.Options
	if *flagDebug != "" {
		opts = must.M1(subgraph.ParseOptions(*flagDebug))
	} else {
		opts = must.M1(subgraph.OptionsFromEnv())
	}
	if *flagCache != "" {
		c := must.M1(cache.Open(*flagCache))
		defer func() { must.M(c.Close()) }()
		opts.Cache = c
	}

	dev := memdev.New(specs)
	dev.SetExecutor(subgraph.EmulateTP(dev))
	sg := must.M1(subgraph.Compile(dev, operations, opts))
	defer sg.Destroy()

	fmt.Println(titleStyle.Render("Hardware"))
	fmt.Println(specsTable(specs, opts).Render())
	fmt.Println(titleStyle.Render("Jobs"))
	fmt.Println(jobsTable(sg).Render())
	fmt.Println(titleStyle.Render("Instructions"))
	fmt.Println(instructionsTable(sg).Render())
	fmt.Println(titleStyle.Render("Arena"))
	fmt.Println(arenaTable(sg).Render())

	if *flagRun {
		stream := dev.Commands()
		must.M(invoke(sg, operations))
		fmt.Println(titleStyle.Render("Command stream"))
		fmt.Println(streamTable(stream.History(), stream.Flushes).Render())
	}
}
