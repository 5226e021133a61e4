// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashimage

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
)

// IdentifierName returns a human readable name for an image identifier.
func IdentifierName(id uint32) string {
	switch {
	case id == CaliptraFMCRT:
		return "Caliptra FMC+RT"
	case id == SoCManifest:
		return "SoC manifest"
	case id == MCURuntime:
		return "MCU runtime"
	case id >= SoCImagesBase:
		return fmt.Sprintf("SoC image %d", id-SoCImagesBase)
	}
	return fmt.Sprintf("reserved 0x%x", id)
}

// Render prints the header and the table of contents. Rows whose header
// or payload do not verify are marked.
func (img *Image) Render(w io.Writer) {
	fmt.Fprintf(w, "Flash image version %d, %d images, headers at 0x%x, %s\n",
		img.Version, img.ImageCount, img.ImageHeadersOffset, humanize.IBytes(uint64(img.size)))

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"#", "Identifier", "Name", "Offset", "Size", "Checksum", "Status"})
	for i, h := range img.Images {
		status := "ok"
		if err := h.Verify(); err != nil {
			status = "bad header"
		} else if err := img.checkBounds(h); err != nil {
			status = "out of bounds"
		} else if sum, err := ByteSum(img.Open(h)); err != nil || -sum != h.ImageChecksum {
			status = "bad checksum"
		}
		t.AppendRow(table.Row{
			i,
			fmt.Sprintf("0x%08x", h.Identifier),
			IdentifierName(h.Identifier),
			fmt.Sprintf("0x%x", h.Offset),
			humanize.IBytes(uint64(h.Size)),
			fmt.Sprintf("0x%08x", h.ImageChecksum),
			status,
		})
	}
	t.Render()
}
