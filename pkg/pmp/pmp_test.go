// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/bytes"
	"github.com/linuxboot/mcufw/pkg/log"
)

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Debugf(string, ...interface{}) {}

func (l *recordingLogger) Infof(string, ...interface{}) {}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Errorf(string, ...interface{}) {}

func (l *recordingLogger) Fatalf(string, ...interface{}) {}

func withRecorder(t *testing.T) *recordingLogger {
	rec := &recordingLogger{}
	orig := log.DefaultLogger
	log.DefaultLogger = rec
	t.Cleanup(func() { log.DefaultLogger = orig })
	return rec
}

var testMap = MemoryMap{
	SRAM: bytes.Range{Offset: 0x4000_0000, Length: 0x80000},
	DCCM: bytes.Range{Offset: 0x5000_0000, Length: 0x4000},
	Peripherals: []Aperture{
		{Name: "pic", Range: bytes.Range{Offset: 0x6000_0000, Length: 0x10000}},
		{Name: "i3c", Range: bytes.Range{Offset: 0x2000_4000, Length: 0x1000}},
		{Name: "mbox", Range: bytes.Range{Offset: 0x2100_0000, Length: 0x30000}},
		{Name: "unused"},
	},
}

var testRegions = []Region{
	{Start: 0x4000_0000, Size: 0x10000, Perm: PermR | PermX},
	{Start: 0x4001_0000, Size: 0x8000, Perm: PermR | PermW},
	{Start: 0x4001_8000, Size: 0x8000, Perm: PermR | PermW},
	{Start: 0x4000_0000, Size: 0x80000, Perm: PermR},
	{Start: 0x3000_0000, Size: 0x1000, MMIO: true, User: true, Perm: PermR | PermW},
}

func TestPlan(t *testing.T) {
	rec := withRecorder(t)
	plan, err := New(testRegions, testMap, DefaultConfig())
	require.NoError(t, err)

	require.Len(t, plan.Entries, 64)
	require.Len(t, plan.Regions, 7)
	require.Equal(t, uint64(0x40000), plan.Regions[2].Size, "mbox upgraded to NAPOT")
	require.Equal(t, uint64(0x10000), plan.Regions[4].Size, "data regions coalesced")

	want := []Entry{
		{Index: 54, Mode: ModeNAPOT, Perm: PermR | PermW, Locked: true, Addr: 0x18001FFF, Owner: OwnerKernel, Region: 0},
		{Index: 55, Mode: ModeNAPOT, Perm: PermR | PermW, Locked: true, Addr: 0x080011FF, Owner: OwnerKernel, Region: 1},
		{Index: 56, Mode: ModeNAPOT, Perm: PermR | PermW, Locked: true, Addr: 0x08407FFF, Owner: OwnerKernel, Region: 2},
		{Index: 57, Mode: ModeOff, Locked: true, Addr: 0x10000000, Owner: OwnerKernel, Region: 3},
		{Index: 58, Mode: ModeTOR, Perm: PermR | PermX, Locked: true, Addr: 0x10004000, Owner: OwnerKernel, Region: 3},
		{Index: 59, Mode: ModeOff, Locked: true, Addr: 0x10004000, Owner: OwnerKernel, Region: 4},
		{Index: 60, Mode: ModeTOR, Perm: PermR | PermW, Locked: true, Addr: 0x10008000, Owner: OwnerKernel, Region: 4},
		{Index: 61, Mode: ModeOff, Locked: true, Addr: 0x10000000, Owner: OwnerKernel, Region: 5},
		{Index: 62, Mode: ModeTOR, Perm: PermR, Locked: true, Addr: 0x10020000, Owner: OwnerKernel, Region: 5},
		{Index: 63, Mode: ModeNAPOT, Perm: PermR | PermW, Addr: 0x0C0001FF, Owner: OwnerKernel, Region: 6},
	}
	if diff := cmp.Diff(want, plan.KernelEntries()); diff != "" {
		t.Errorf("kernel entries mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 32; i++ {
		require.Equal(t, OwnerUser, plan.Entries[i].Owner)
	}
	for i := 32; i < 54; i++ {
		require.Equal(t, OwnerNone, plan.Entries[i].Owner)
	}

	require.Len(t, rec.warnings, 3)
	require.Contains(t, rec.warnings[0], "earlier region takes precedence")

	idx, ok := plan.Find(0x4000_0010)
	require.True(t, ok)
	require.Equal(t, 3, idx)
	idx, ok = plan.Find(0x4005_0000)
	require.True(t, ok)
	require.Equal(t, 5, idx)
	_, ok = plan.Find(0x7000_0000)
	require.False(t, ok)
}

func TestPlanIsDeterministic(t *testing.T) {
	withRecorder(t)
	a, err := New(testRegions, testMap, DefaultConfig())
	require.NoError(t, err)
	b, err := New(testRegions, testMap, DefaultConfig())
	require.NoError(t, err)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("plans differ:\n%s", diff)
	}
}

func TestEntryCfg(t *testing.T) {
	for _, tc := range []struct {
		entry Entry
		cfg   uint8
	}{
		{Entry{Mode: ModeNAPOT, Perm: PermR | PermW, Locked: true}, 0x9B},
		{Entry{Mode: ModeOff, Locked: true}, 0x80},
		{Entry{Mode: ModeTOR, Perm: PermR | PermX, Locked: true}, 0x8D},
		{Entry{Mode: ModeTOR, Perm: PermR}, 0x09},
		{Entry{Mode: ModeNAPOT, Perm: PermR | PermW}, 0x1B},
	} {
		t.Run(fmt.Sprintf("%s_%s", tc.entry.Mode, tc.entry.Perm), func(t *testing.T) {
			require.Equal(t, tc.cfg, tc.entry.Cfg())
		})
	}
}

func TestValidationErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		region Region
		err    error
	}{
		{"executable_mmio", Region{Start: 0x3000_0000, Size: 0x1000, MMIO: true, Perm: PermR | PermX}, ErrExecutableMMIO},
		{"user_memory", Region{Start: 0x4000_0000, Size: 0x1000, User: true, Perm: PermR}, ErrUserMemory},
		{"write_only", Region{Start: 0x4000_0000, Size: 0x1000, Perm: PermW}, ErrPermissions},
		{"rwx", Region{Start: 0x4000_0000, Size: 0x1000, Perm: PermR | PermW | PermX}, ErrPermissions},
		{"outside_memory", Region{Start: 0x7000_0000, Size: 0x1000, Perm: PermR}, ErrOutsideMemory},
		{"straddles_sram", Region{Start: 0x4007_F000, Size: 0x2000, Perm: PermR}, ErrOutsideMemory},
		{"unaligned", Region{Start: 0x4000_0002, Size: 0x1000, Perm: PermR}, ErrUnaligned},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]Region{tc.region}, testMap, DefaultConfig())
			require.ErrorIs(t, err, tc.err)
			var regionErr *RegionError
			require.True(t, errors.As(err, &regionErr))
			require.Equal(t, 0, regionErr.Index)
		})
	}
}

func TestMMIOOverlap(t *testing.T) {
	_, err := New([]Region{
		{Start: 0x6000_8000, Size: 0x1000, MMIO: true, Perm: PermR | PermW},
	}, testMap, DefaultConfig())
	var overlap *ErrRegionOverlap
	require.True(t, errors.As(err, &overlap))
	require.Equal(t, uint64(0x6000_0000), overlap.A.Start)
	require.Equal(t, uint64(0x6000_8000), overlap.B.Start)
}

func TestValidationAccumulates(t *testing.T) {
	_, err := New([]Region{
		{Start: 0x4000_0000, Size: 0x1000, Perm: PermR},
		{Start: 0x7000_0000, Size: 0x1000, Perm: PermR},
		{Start: 0x3000_0000, Size: 0x1000, MMIO: true, Perm: PermX},
	}, testMap, DefaultConfig())
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)
	require.ErrorIs(t, merr.Errors[0], ErrOutsideMemory)
	require.ErrorIs(t, merr.Errors[1], ErrExecutableMMIO)
}

func TestNAPOTUpgrade(t *testing.T) {
	for _, tc := range []struct {
		name  string
		peri  []Aperture
		sizes []uint64
		modes []AddrMode
	}{
		{
			name: "grown_region_would_overlap",
			peri: []Aperture{
				{Name: "a", Range: bytes.Range{Offset: 0x2100_0000, Length: 0x30000}},
				{Name: "b", Range: bytes.Range{Offset: 0x2103_8000, Length: 0x8000}},
			},
			sizes: []uint64{0x30000, 0x8000},
			modes: []AddrMode{ModeOff, ModeTOR, ModeNAPOT},
		},
		{
			name: "start_not_aligned_to_size",
			peri: []Aperture{
				{Name: "a", Range: bytes.Range{Offset: 0x2100_1000, Length: 0x3000}},
			},
			sizes: []uint64{0x3000},
			modes: []AddrMode{ModeOff, ModeTOR},
		},
		{
			name: "grown",
			peri: []Aperture{
				{Name: "a", Range: bytes.Range{Offset: 0x2100_0000, Length: 0x3000}},
			},
			sizes: []uint64{0x4000},
			modes: []AddrMode{ModeNAPOT},
		},
		{
			name: "grown_at_zero",
			peri: []Aperture{
				{Name: "a", Range: bytes.Range{Offset: 0, Length: 0x3000}},
			},
			sizes: []uint64{0x4000},
			modes: []AddrMode{ModeNAPOT},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := New(nil, MemoryMap{Peripherals: tc.peri}, DefaultConfig())
			require.NoError(t, err)
			var sizes []uint64
			for _, r := range plan.Regions {
				sizes = append(sizes, r.Size)
			}
			require.Equal(t, tc.sizes, sizes)
			var modes []AddrMode
			for _, e := range plan.KernelEntries() {
				modes = append(modes, e.Mode)
			}
			require.Equal(t, tc.modes, modes)
		})
	}
}

func TestTooManyEntries(t *testing.T) {
	withRecorder(t)
	_, err := New(testRegions, testMap, Config{Entries: 16, MPURegions: 4})
	var tooMany *ErrTooManyEntries
	require.True(t, errors.As(err, &tooMany))
	require.Equal(t, 10, tooMany.Need)
	require.Equal(t, 8, tooMany.Have)
}

func TestCommit(t *testing.T) {
	withRecorder(t)
	plan, err := New(testRegions, testMap, DefaultConfig())
	require.NoError(t, err)

	t.Run("ok", func(t *testing.T) {
		c := NewCSRs(64, 64, true)
		require.NoError(t, plan.Commit(c))
		require.Equal(t, uint32(MseccfgMML|MseccfgMMWP), c.Mseccfg())
		require.Equal(t, uint8(0x8D), c.Cfg(58))
		require.Equal(t, uint64(0x10004000), c.Addr(58))
		require.Equal(t, uint8(0x1B), c.Cfg(63))
		for i := 0; i < 54; i++ {
			require.Zero(t, c.Cfg(i))
		}

		c.SetAddr(57, 0)
		require.Equal(t, uint64(0x10000000), c.Addr(57), "locked entries keep their address")

		var locked *ErrLockedEntry
		require.True(t, errors.As(plan.Commit(c), &locked))
		require.Equal(t, 54, locked.Index)
	})

	t.Run("no_epmp", func(t *testing.T) {
		require.ErrorIs(t, plan.Commit(NewCSRs(64, 64, false)), ErrNoEPMP)
	})

	t.Run("missing_entries", func(t *testing.T) {
		var notBacked *ErrEntryNotBacked
		require.True(t, errors.As(plan.Commit(NewCSRs(64, 60, true)), &notBacked))
		require.Equal(t, 60, notBacked.Index)
	})

	t.Run("user_region", func(t *testing.T) {
		c := NewCSRs(64, 64, true)
		require.NoError(t, plan.Commit(c))
		require.NoError(t, plan.ConfigureUser(c, 1, 0x4004_0000, 0x4004_1000, PermR|PermW))
		require.Equal(t, uint64(0x4004_0000>>2), c.Addr(2))
		require.Equal(t, uint64(0x4004_1000>>2), c.Addr(3))
		require.Equal(t, uint8(0x0B), c.Cfg(3))
		require.Zero(t, c.Cfg(2))

		require.ErrorIs(t, plan.ConfigureUser(c, 0, 0, 0x1000, PermR|PermW|PermX), ErrPermissions)
		require.Error(t, plan.ConfigureUser(c, 16, 0, 0x1000, PermR))
	})
}

func TestRender(t *testing.T) {
	withRecorder(t)
	plan, err := New(testRegions, testMap, DefaultConfig())
	require.NoError(t, err)
	var out strings.Builder
	plan.Render(&out)
	require.Contains(t, out.String(), "NAPOT")
	require.Contains(t, out.String(), "KernelText")
	require.Contains(t, out.String(), "256 KiB")
	require.Contains(t, out.String(), "0x10004000")
}
