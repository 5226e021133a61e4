// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkg

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg/fwpkgtest"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

func writePackage(t *testing.T) (string, []byte) {
	t.Helper()
	pci, err := pldm.NewDescriptor(pldm.DescPCIVendorID, []byte{0x86, 0x80})
	require.NoError(t, err)
	raw, err := fwpkgtest.Build(&fwpkg.Package{
		Header: fwpkg.Header{
			Format:      fwpkg.Format12,
			ReleaseTime: fwpkg.NewTimestamp104(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)),
			Version:     pldm.MustFirmwareString(pldm.StringASCII, "bundle-4"),
		},
		DeviceRecords: []fwpkg.DeviceRecord{{
			ApplicableComponents: pldm.Bitmap{0x01},
			ImageSetVersion:      pldm.MustFirmwareString(pldm.StringASCII, "set-4"),
			Descriptors:          []pldm.Descriptor{pci},
		}},
		Components: []fwpkg.ComponentImage{{
			Classification: fwupdate.ClassFirmware,
			Identifier:     2,
			Version:        pldm.MustFirmwareString(pldm.StringASCII, "mcu-4.0"),
			Data:           bytes.Repeat([]byte{0xEE}, 64),
		}},
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pkg.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path, raw
}

func TestParseFormat(t *testing.T) {
	require.Equal(t, FormatText, ParseFormat(" Text "))
	require.Equal(t, FormatJSON, ParseFormat("json"))
	require.Equal(t, FormatUndefined, ParseFormat("yaml"))
}

func TestExecute(t *testing.T) {
	path, raw := writePackage(t)

	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, (&Command{Output: commands.Output{W: &out}}).Execute([]string{path}))
		require.Contains(t, out.String(), "bundle-4")
		require.Contains(t, out.String(), "mcu-4.0")
	})
	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		format := "json"
		cmd := &Command{Output: commands.Output{W: &out}, Format: &format}
		require.NoError(t, cmd.Execute([]string{path}))
		var decoded struct {
			Header struct {
				Version string
			}
			Components []struct {
				Identifier uint16
				Version    string
			}
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		require.Equal(t, "bundle-4", decoded.Header.Version)
		require.Len(t, decoded.Components, 1)
		require.Equal(t, uint16(2), decoded.Components[0].Identifier)
		require.Equal(t, "mcu-4.0", decoded.Components[0].Version)
	})
	t.Run("bad_checksum", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[20] ^= 0xFF
		p := filepath.Join(t.TempDir(), "bad.bin")
		require.NoError(t, os.WriteFile(p, bad, 0o644))
		err := (&Command{Output: commands.Output{W: &bytes.Buffer{}}}).Execute([]string{p})
		require.ErrorIs(t, err, fwpkg.ErrHeaderChecksum)
	})
	t.Run("bad_format", func(t *testing.T) {
		format := "xml"
		var argsErr commands.ErrArgs
		require.True(t, errors.As((&Command{Format: &format}).Execute([]string{path}), &argsErr))
	})
}
