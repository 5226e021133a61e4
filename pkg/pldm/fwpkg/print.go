// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkg

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

func descriptorList(ds []pldm.Descriptor) string {
	s := make([]string, len(ds))
	for i, d := range ds {
		s[i] = d.String()
	}
	return strings.Join(s, "\n")
}

// Render prints the header, the device records and the component table.
func (p *Package) Render(w io.Writer) {
	h := &p.Header
	fmt.Fprintf(w, "Package %q, format %s (%s) revision %d\n", h.Version, h.Format, h.Identifier, h.FormatRevision)
	fmt.Fprintf(w, "Released %s, header %s, total %s\n", h.ReleaseTime, humanize.IBytes(uint64(h.Size)), humanize.IBytes(uint64(len(p.data))))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Device records")
	t.AppendHeader(table.Row{"#", "Image set", "Options", "Components", "Descriptors"})
	for i, r := range p.DeviceRecords {
		t.AppendRow(table.Row{i, r.ImageSetVersion, fmt.Sprintf("0x%08x", r.OptionFlags), fmt.Sprint(r.Applicable()), descriptorList(r.Descriptors)})
	}
	t.Render()

	if len(p.DownstreamRecords) > 0 {
		t = table.NewWriter()
		t.SetOutputMirror(w)
		t.SetTitle("Downstream device records")
		t.AppendHeader(table.Row{"#", "Self contained min", "Components", "Descriptors"})
		for i, r := range p.DownstreamRecords {
			t.AppendRow(table.Row{i, r.SelfContainedMinVersion, fmt.Sprint(r.ApplicableComponents.Items()), descriptorList(r.Descriptors)})
		}
		t.Render()
	}

	t = table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Components")
	t.AppendHeader(table.Row{"#", "Classification", "ID", "Stamp", "Version", "Activation", "Offset", "Size"})
	for i, c := range p.Components {
		t.AppendRow(table.Row{
			i,
			c.Classification,
			fmt.Sprintf("0x%04x", c.Identifier),
			fmt.Sprintf("0x%08x", c.ComparisonStamp),
			c.Version,
			c.RequestedActivation,
			fmt.Sprintf("0x%x", c.Offset),
			humanize.IBytes(uint64(c.Size)),
		})
	}
	t.Render()
}
