// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/npuc/pkg/npu/device/memdev"
	"github.com/gomlx/npuc/pkg/npu/hw"
	"github.com/gomlx/npuc/pkg/npu/subgraph"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func specsTable(specs hw.Specs, opts subgraph.Options) *lgtable.Table {
	table := newPlainTable(false)
	table.Row("name", specs.Name)
	table.Row("generation", specs.Generation.String())
	table.Row("NN cores", fmt.Sprint(specs.NNCoreCount))
	table.Row("TP cores", fmt.Sprint(specs.TPCoreCount))
	table.Row("input buffer depth", fmt.Sprint(specs.InputBufferDepth))
	table.Row("accumulation buffer depth", fmt.Sprint(specs.AccumBufferDepth))
	table.Row("on-chip SRAM", humanize.IBytes(uint64(specs.OnChipSRAMSize)))
	table.Row("driver options", opts.String())
	return table
}

func jobsTable(sg *subgraph.Subgraph) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("#", "Op", "Kind", "Input", "Output", "Details")
	for i, job := range sg.Jobs() {
		if job.Kind.IsMarker() {
			table.Row(fmt.Sprint(i), fmt.Sprint(job.Op), job.Kind.String(), fmt.Sprintf("#%d", job.Input), "",
				fmt.Sprintf("branches %v", job.Branches))
			continue
		}
		var details string
		if job.Kind.IsTP() {
			details = fmt.Sprintf("%s -> %s", job.InputShape, job.OutputShape)
		} else {
			details = fmt.Sprintf("%s, %s -> %s, kernel %dx%d, stride %d", job.Mode, job.InputShape, job.OutputShape,
				job.Weights.Width, job.Weights.Height, max(job.Stride, 1))
		}
		table.Row(fmt.Sprint(i), fmt.Sprint(job.Op), job.Kind.String(),
			fmt.Sprintf("#%d", job.Input), fmt.Sprintf("#%d", job.Output), details)
	}
	return table
}

func instructionsTable(sg *subgraph.Subgraph) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("#", "Job", "Kind", "Cores", "Registers", "Coefficients")
	var totalCoefficients int
	for i, in := range sg.Instructions() {
		var addresses []string
		for _, config := range in.Configs {
			addresses = append(addresses, fmt.Sprintf("%#x", config.GPUAddress()))
		}
		coefficients := "-"
		if in.Coefficients != nil {
			coefficients = humanize.Bytes(uint64(in.Coefficients.Size()))
			totalCoefficients += in.Coefficients.Size()
		}
		table.Row(fmt.Sprint(i), fmt.Sprint(in.Job), in.Kind.String(), fmt.Sprint(len(in.Configs)),
			strings.Join(addresses, " "), coefficients)
	}
	table.Row("", "", "", "", "total", humanize.Bytes(uint64(totalCoefficients)))
	return table
}

func arenaTable(sg *subgraph.Subgraph) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("Tensor", "Owner", "Address", "Offset", "Size")
	var total int
	for _, v := range sg.Arena().Summary() {
		if v.Owner() == v.Index {
			total += v.Buffer().Size()
		}
		table.Row(fmt.Sprintf("#%d", v.Index), fmt.Sprintf("#%d", v.Owner()),
			fmt.Sprintf("%#x", v.Buffer().GPUAddress()+uint32(v.Offset)),
			fmt.Sprint(v.Offset), humanize.Bytes(uint64(v.Size)))
	}
	table.Row("", "", "", "total", humanize.Bytes(uint64(total)))
	return table
}

var registerNames = map[uint32]string{
	hw.RegGLNNConfig:    "GL_NN_CONFIG",
	hw.RegGLTPConfig:    "GL_TP_CONFIG",
	hw.RegOCBRemapStart: "GL_OCB_REMAP_START",
	hw.RegOCBRemapEnd:   "GL_OCB_REMAP_END",
	hw.RegPSNNInstAddr:  "PS_NN_INST_ADDR",
	hw.RegPSInstSlot:    "PS_INST_SLOT",
	hw.RegPSTPInstAddr:  "PS_TP_INST_ADDR",
}

func streamTable(commands []memdev.Command, flushes int) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("#", "Command", "Value", "Access")
	for i, c := range commands {
		switch {
		case c.Reg == 0:
			table.Row(fmt.Sprint(i), "reference", fmt.Sprintf("%#x", c.Buffer.GPUAddress()), c.Access.String())
		case c.IsReloc():
			table.Row(fmt.Sprint(i), registerName(c.Reg), fmt.Sprintf("%#x", c.Value), c.Access.String())
		default:
			table.Row(fmt.Sprint(i), registerName(c.Reg), fmt.Sprintf("%#x", c.Value), "")
		}
	}
	table.Row("", "flushes", fmt.Sprint(flushes), "")
	return table
}

func registerName(reg uint32) string {
	if name, found := registerNames[reg]; found {
		return name
	}
	return fmt.Sprintf("%#05x", reg)
}
