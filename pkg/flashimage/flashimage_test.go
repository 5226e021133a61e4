// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashimage

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func testEntries() []Entry {
	return []Entry{
		{Identifier: CaliptraFMCRT, Data: bytes.Repeat([]byte{0xCA}, 64)},
		{Identifier: SoCManifest, Data: []byte("manifest")},
		{Identifier: MCURuntime, Data: bytes.Repeat([]byte{0x4D}, 37)},
		{Identifier: SoCImagesBase + 1, Data: []byte{1, 2, 3, 4}},
	}
}

func TestChecksum(t *testing.T) {
	require.Equal(t, uint32(0), Checksum(nil))
	require.Equal(t, uint32(0xFFFFFFFF), Checksum([]byte{1}))
	require.Equal(t, uint32(0xFFFFFE02), Checksum([]byte{0xFF, 0xFF}))

	sum, err := ByteSum(strings.NewReader("\x01\x02\x03"))
	require.NoError(t, err)
	require.Equal(t, uint32(6), sum)
}

func TestBuildAndRead(t *testing.T) {
	entries := testEntries()
	b, err := Build(entries)
	require.NoError(t, err)
	require.Equal(t, []byte("FLSH"), b[:4])

	img, err := Read(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.NoError(t, img.Verify())
	require.Equal(t, uint16(len(entries)), img.ImageCount)
	require.Equal(t, uint32(HeaderLen), img.ImageHeadersOffset)

	var gotIDs []uint32
	for _, h := range img.Images {
		gotIDs = append(gotIDs, h.Identifier)
		require.Zero(t, h.Offset%4)
		require.Zero(t, h.Size%4)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 0x1001}, gotIDs); diff != "" {
		t.Errorf("identifiers (-want +got):\n%s", diff)
	}

	for _, e := range entries {
		data, err := img.ReadImage(e.Identifier)
		require.NoError(t, err)
		require.Equal(t, e.Data, data[:len(e.Data)])
		require.Zero(t, len(data)%4)
	}
	mcu, err := img.Find(MCURuntime)
	require.NoError(t, err)
	require.Equal(t, uint32(40), mcu.Size)

	_, err = img.Find(SoCImagesBase)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrNoImages)
	_, err = Build([]Entry{{Identifier: 1}, {Identifier: 1}})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestReadErrors(t *testing.T) {
	good, err := Build(testEntries())
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		mutate func(b []byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:10] }, nil},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrMagic},
		{"version", func(b []byte) []byte { b[4] = 2; return b }, ErrVersion},
		{"no images", func(b []byte) []byte { b[6], b[7] = 0, 0; return b }, ErrNoImages},
		{"headers offset", func(b []byte) []byte { b[8] = 4; return b }, ErrHeadersOffset},
		{"checksum", func(b []byte) []byte { b[12]++; return b }, ErrHeaderChecksum},
		{"truncated table", func(b []byte) []byte { return b[:HeaderLen+ImageHeaderLen] }, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.mutate(bytes.Clone(good))
			_, err := Read(bytes.NewReader(b), int64(len(b)))
			require.Error(t, err)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestVerifyReportsEveryImage(t *testing.T) {
	b, err := Build(testEntries())
	require.NoError(t, err)
	img, err := Read(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)

	// Corrupt the payload of two images and the header of a third.
	b[img.Images[0].Offset] ^= 0xFF
	b[img.Images[2].Offset+1] ^= 0xFF
	b[HeaderLen+3*ImageHeaderLen] ^= 0x01

	err = img.Verify()
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)
	require.ErrorIs(t, merr.Errors[0], ErrImageChecksum)
	require.ErrorIs(t, merr.Errors[1], ErrImageChecksum)

	// Read took a copy of the table, so the header flip shows on a new read.
	img, err = Read(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.ErrorIs(t, img.Verify(), ErrImageHeaderChecksum)
	_, err = img.Find(SoCImagesBase + 1)
	require.ErrorIs(t, err, ErrImageHeaderChecksum)
}

func TestVerifyBounds(t *testing.T) {
	b, err := Build(testEntries())
	require.NoError(t, err)
	b = b[:len(b)-4]
	img, err := Read(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.ErrorIs(t, img.Verify(), ErrImageBounds)
	_, err = img.ReadImage(SoCImagesBase + 1)
	require.ErrorIs(t, err, ErrImageBounds)
}

func TestRender(t *testing.T) {
	b, err := Build(testEntries())
	require.NoError(t, err)
	img, err := Read(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	b[img.Images[1].Offset] ^= 1

	var out strings.Builder
	img.Render(&out)
	s := out.String()
	require.Contains(t, s, "Caliptra FMC+RT")
	require.Contains(t, s, "SoC image 1")
	require.Contains(t, s, "bad checksum")
	require.Equal(t, 1, strings.Count(s, "bad checksum"))
}
