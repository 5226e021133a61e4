// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmp

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/mcufw/pkg/bytes"
	"github.com/linuxboot/mcufw/pkg/log"
)

// Config sizes the PMP entry file.
type Config struct {
	// Entries is the number of hardware PMP entries.
	Entries int
	// MPURegions is the number of user TOR regions. Each one reserves two
	// entries at the bottom of the file.
	MPURegions int
}

// DefaultConfig returns the VeeR configuration: 64 entries, 16 user regions.
func DefaultConfig() Config {
	return Config{Entries: 64, MPURegions: 16}
}

func (c Config) userEntries() int {
	return 2 * c.MPURegions
}

// AddrMode is the A field of a pmpcfg octet.
type AddrMode uint8

// Address matching modes.
const (
	ModeOff   AddrMode = 0
	ModeTOR   AddrMode = 1
	ModeNA4   AddrMode = 2
	ModeNAPOT AddrMode = 3
)

func (m AddrMode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModeTOR:
		return "TOR"
	case ModeNA4:
		return "NA4"
	case ModeNAPOT:
		return "NAPOT"
	}
	return fmt.Sprintf("AddrMode(%d)", uint8(m))
}

// pmpcfg octet layout.
const (
	cfgModeShift = 3
	cfgModeMask  = 0x18
	cfgLock      = 0x80
)

// Owner tells who manages an entry.
type Owner int

// Entry owners.
const (
	OwnerNone Owner = iota
	OwnerUser
	OwnerKernel
)

// Entry is one hardware PMP entry.
type Entry struct {
	Index  int
	Mode   AddrMode
	Perm   Perm
	Locked bool
	// Addr is the pmpaddr value.
	Addr  uint64
	Owner Owner
	// Region indexes Plan.Regions for kernel entries and is -1 otherwise.
	Region int
}

// Cfg returns the pmpcfg octet of the entry.
func (e Entry) Cfg() uint8 {
	v := uint8(e.Perm&(PermR|PermW|PermX)) | uint8(e.Mode)<<cfgModeShift
	if e.Locked {
		v |= cfgLock
	}
	return v
}

// Plan is the lowered entry file for a set of platform regions.
type Plan struct {
	Config Config
	// Regions are the kernel regions after coalescing and NAPOT upgrade,
	// in priority order.
	Regions []Region
	Entries []Entry
}

// New validates the platform regions against the memory map and lowers
// them into a PMP entry file. The output only depends on the input.
func New(regions []Region, mm MemoryMap, cfg Config) (*Plan, error) {
	all, err := validate(regions, mm)
	if err != nil {
		return nil, err
	}
	all = coalesce(all)
	upgradeNAPOT(all)
	entries, err := lower(all, cfg)
	if err != nil {
		return nil, err
	}
	return &Plan{Config: cfg, Regions: all, Entries: entries}, nil
}

func validate(regions []Region, mm MemoryMap) ([]Region, error) {
	var all []Region
	for _, ap := range mm.Peripherals {
		if ap.Length == 0 {
			continue
		}
		all = append(all, Region{Start: ap.Offset, Size: ap.Length, MMIO: true, Perm: PermR | PermW})
	}

	var result *multierror.Error
	for idx, r := range regions {
		if r.Size == 0 {
			continue
		}
		if err := check(r, all, mm); err != nil {
			result = multierror.Append(result, &RegionError{Index: idx, Region: r, Err: err})
			continue
		}
		all = append(all, r)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return all, nil
}

func check(r Region, existing []Region, mm MemoryMap) error {
	if r.Start%4 != 0 || r.Size%4 != 0 {
		return ErrUnaligned
	}
	if r.MMIO {
		if r.Perm&PermX != 0 {
			return ErrExecutableMMIO
		}
		for _, e := range existing {
			if e.MMIO && e.Range().Intersect(r.Range()) {
				return &ErrRegionOverlap{A: e, B: r}
			}
		}
		return nil
	}

	if r.User {
		return ErrUserMemory
	}
	if _, err := r.Class(); err != nil {
		return err
	}
	if !mm.SRAM.Contains(r.Range()) && !mm.DCCM.Contains(r.Range()) {
		return ErrOutsideMemory
	}
	for _, e := range existing {
		if e.MMIO || !e.Range().Intersect(r.Range()) {
			continue
		}
		start, end := max(e.Start, r.Start), min(e.End(), r.End())
		log.Warnf("PMP region %s overlaps earlier region %s in [0x%x, 0x%x); the earlier region takes precedence",
			r, e, start, end)
	}
	return nil
}

// coalesce merges consecutive regions that touch and share attributes.
func coalesce(in []Region) []Region {
	if len(in) < 2 {
		return in
	}
	out := make([]Region, 0, len(in))
	cur := in[0]
	for _, next := range in[1:] {
		if cur.Range().Adjacent(next.Range()) && cur.sameAttributes(next) {
			cur.Size += next.Size
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// isNAPOT reports whether [start, start+size) can be encoded in one entry.
func isNAPOT(start, size uint64) bool {
	return size >= 8 && isPow2(size) && start%size == 0
}

func napotAddr(start, size uint64) uint64 {
	return (start | (size/2 - 1)) >> 2
}

// upgradeNAPOT grows MMIO regions to the next power of two when the start
// is aligned to that size and the grown region touches nothing new.
func upgradeNAPOT(rs []Region) {
	for i, r := range rs {
		if !r.MMIO || isNAPOT(r.Start, r.Size) {
			continue
		}
		size := uint64(8)
		for size < r.Size {
			size <<= 1
		}
		// Address zero is aligned to every size.
		if r.Start != 0 && size > r.Start&-r.Start {
			continue
		}
		grown := r
		grown.Size = size
		if introducesOverlap(rs, i, grown) {
			continue
		}
		log.Debugf("PMP region %s upgraded to NAPOT size 0x%x", r, size)
		rs[i] = grown
	}
}

func introducesOverlap(rs []Region, i int, grown Region) bool {
	orig := rs[i].Range()
	for j, o := range rs {
		if j == i {
			continue
		}
		if !orig.Intersect(o.Range()) && grown.Range().Intersect(o.Range()) {
			return true
		}
	}
	return false
}

// lowered returns the hardware permissions and lock bit of a region.
func lowered(r Region) (Perm, bool) {
	class, _ := r.Class()
	switch class {
	case ClassKernelText:
		return PermR | PermX, true
	case ClassData, ClassMachineMMIO:
		return PermR | PermW, true
	case ClassReadOnly:
		return PermR, true
	}
	// UserMMIO is shared with user mode, so it stays unlocked.
	return PermR | PermW, false
}

func entriesFor(r Region) int {
	if r.MMIO && isNAPOT(r.Start, r.Size) {
		return 1
	}
	return 2
}

// lower places the user slots at the bottom of the entry file and the
// kernel regions, in priority order, in the top entries.
func lower(rs []Region, cfg Config) ([]Entry, error) {
	need := 0
	for _, r := range rs {
		need += entriesFor(r)
	}
	free := cfg.Entries - cfg.userEntries()
	if free < 0 || need > free {
		return nil, &ErrTooManyEntries{Need: need, Have: max(free, 0)}
	}

	entries := make([]Entry, cfg.Entries)
	for i := range entries {
		entries[i] = Entry{Index: i, Region: -1}
		if i < cfg.userEntries() {
			entries[i].Owner = OwnerUser
		}
	}

	next := cfg.Entries - need
	for ri, r := range rs {
		perm, locked := lowered(r)
		if entriesFor(r) == 1 {
			entries[next] = Entry{
				Index: next, Mode: ModeNAPOT, Perm: perm, Locked: locked,
				Addr: napotAddr(r.Start, r.Size), Owner: OwnerKernel, Region: ri,
			}
			next++
			continue
		}
		entries[next] = Entry{
			Index: next, Mode: ModeOff, Locked: locked,
			Addr: r.Start >> 2, Owner: OwnerKernel, Region: ri,
		}
		entries[next+1] = Entry{
			Index: next + 1, Mode: ModeTOR, Perm: perm, Locked: locked,
			Addr: r.End() >> 2, Owner: OwnerKernel, Region: ri,
		}
		next += 2
	}
	return entries, nil
}

// KernelEntries returns the entries owned by the kernel, lowest index first.
func (p *Plan) KernelEntries() []Entry {
	var out []Entry
	for _, e := range p.Entries {
		if e.Owner == OwnerKernel {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the index in Regions of the highest priority region
// covering addr.
func (p *Plan) Find(addr uint64) (int, bool) {
	for idx, r := range p.Regions {
		if (bytes.Ranges{r.Range()}).IsIn(addr) {
			return idx, true
		}
	}
	return -1, false
}
