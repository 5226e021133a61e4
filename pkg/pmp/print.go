// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmp

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Render prints the kernel part of the entry file as an ASCII table.
func (p *Plan) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PMP entries (%d total, %d user regions)", p.Config.Entries, p.Config.MPURegions)
	t.AppendHeader(table.Row{"Entry", "Mode", "pmpaddr", "Region", "Size", "Perm", "L", "Class"})
	for _, e := range p.KernelEntries() {
		r := p.Regions[e.Region]
		class, _ := r.Class()
		lock := "-"
		if e.Locked {
			lock = "L"
		}
		size := ""
		if e.Mode != ModeOff {
			size = humanize.IBytes(r.Size)
		}
		t.AppendRow(table.Row{
			e.Index,
			e.Mode,
			fmt.Sprintf("0x%08x", e.Addr),
			fmt.Sprintf("0x%08x-0x%08x", r.Start, r.End()),
			size,
			e.Perm,
			lock,
			class,
		})
	}
	t.Render()
}
