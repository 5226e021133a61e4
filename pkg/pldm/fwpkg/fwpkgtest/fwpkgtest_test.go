// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkgtest

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

func testPackage(t *testing.T, format fwpkg.FormatVersion) *fwpkg.Package {
	t.Helper()
	pci, err := pldm.NewDescriptor(pldm.DescPCIVendorID, []byte{0x86, 0x80})
	require.NoError(t, err)
	p := &fwpkg.Package{
		Header: fwpkg.Header{
			Format:         format,
			FormatRevision: 1,
			ReleaseTime:    fwpkg.NewTimestamp104(time.Date(2025, time.March, 14, 15, 9, 26, 0, time.UTC)),
			Version:        pldm.MustFirmwareString(pldm.StringASCII, "pkg-2"),
		},
		DeviceRecords: []fwpkg.DeviceRecord{{
			ApplicableComponents: pldm.Bitmap{0x03},
			ImageSetVersion:      pldm.MustFirmwareString(pldm.StringASCII, "set-2"),
			Descriptors:          []pldm.Descriptor{pldm.UUIDDescriptor(uuid.MustParse("f1c8b4a2-7d3e-4c5a-9b6f-0e1d2c3b4a59")), pci},
			PackageData:          []byte{1, 2, 3},
		}},
		Components: []fwpkg.ComponentImage{
			{
				Classification:      fwupdate.ClassFirmware,
				Identifier:          2,
				ComparisonStamp:     0x20,
				Options:             fwpkg.OptionUseComparisonStamp,
				RequestedActivation: fwupdate.ActivationSelfContained,
				Version:             pldm.MustFirmwareString(pldm.StringASCII, "soc-2.0"),
				Data:                []byte("soc image"),
			},
			{
				Classification: fwupdate.ClassFirmware,
				Identifier:     3,
				Version:        pldm.MustFirmwareString(pldm.StringASCII, "mcu-3.0"),
				Data:           []byte("mcu image!"),
			},
		},
	}
	if format >= fwpkg.Format11 {
		stamp := uint32(0x0102)
		p.DownstreamRecords = []fwpkg.DownstreamRecord{{
			OptionFlags:             1,
			ApplicableComponents:    pldm.Bitmap{0x02},
			SelfContainedMinVersion: pldm.MustFirmwareString(pldm.StringASCII, "min"),
			SelfContainedMinStamp:   &stamp,
			Descriptors:             []pldm.Descriptor{pci},
		}}
	}
	if format >= fwpkg.Format12 {
		p.Components[0].OpaqueData = []byte{0xAA}
	}
	if format == fwpkg.Format13 {
		p.DeviceRecords[0].ReferenceManifest = []byte{9, 9}
	}
	return p
}

func TestBuildParse(t *testing.T) {
	for _, format := range []fwpkg.FormatVersion{fwpkg.Format10, fwpkg.Format11, fwpkg.Format12, fwpkg.Format13} {
		t.Run(format.String(), func(t *testing.T) {
			p := testPackage(t, format)
			raw, err := Build(p)
			require.NoError(t, err)
			require.Equal(t, uint16(8), p.Header.ComponentBitmapBits)
			require.Equal(t, uint32(p.Header.Size), p.Components[0].Offset)
			require.Equal(t, uint32(len("soc image")), p.Components[0].Size)

			parsed, err := fwpkg.Parse(raw)
			require.NoError(t, err)
			require.NoError(t, parsed.Verify())
			require.Equal(t, format, parsed.Header.Format)
			require.Equal(t, p.HeaderChecksum, parsed.HeaderChecksum)
			require.Equal(t, p.PayloadChecksum, parsed.PayloadChecksum)
			if diff := cmp.Diff(p.DeviceRecords, parsed.DeviceRecords); diff != "" {
				t.Errorf("device records mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(p.DownstreamRecords, parsed.DownstreamRecords); diff != "" {
				t.Errorf("downstream records mismatch (-want +got):\n%s", diff)
			}
			for i, c := range parsed.Components {
				require.Equal(t, p.Components[i].Data, c.Data)
				require.Equal(t, p.Components[i].Version, c.Version)
			}

			again, err := Build(parsed)
			require.NoError(t, err)
			require.Equal(t, raw, again)
		})
	}
}

func TestBuildErrors(t *testing.T) {
	pci, err := pldm.NewDescriptor(pldm.DescPCIVendorID, []byte{0x86, 0x80})
	require.NoError(t, err)
	for _, tc := range []struct {
		name string
		pkg  fwpkg.Package
	}{
		{"unknown_format", fwpkg.Package{}},
		{"no_descriptors", fwpkg.Package{Header: fwpkg.Header{Format: fwpkg.Format10}, DeviceRecords: []fwpkg.DeviceRecord{{}}}},
		{"downstream_in_1.0", fwpkg.Package{Header: fwpkg.Header{Format: fwpkg.Format10}, DownstreamRecords: []fwpkg.DownstreamRecord{{Descriptors: []pldm.Descriptor{pci}}}}},
		{"opaque_in_1.1", fwpkg.Package{Header: fwpkg.Header{Format: fwpkg.Format11}, Components: []fwpkg.ComponentImage{{OpaqueData: []byte{1}}}}},
		{"manifest_in_1.2", fwpkg.Package{Header: fwpkg.Header{Format: fwpkg.Format12}, DeviceRecords: []fwpkg.DeviceRecord{{Descriptors: []pldm.Descriptor{pci}, ReferenceManifest: []byte{1}}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(&tc.pkg)
			require.Error(t, err)
			require.Panics(t, func() { MustBuild(&tc.pkg) })
		})
	}
}
