// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmp

import (
	"fmt"
)

// mseccfg bits.
const (
	MseccfgMML  = 1 << 0
	MseccfgMMWP = 1 << 1
	MseccfgRLB  = 1 << 2
)

// CSRs models the PMP control and status registers of a hart.
type CSRs struct {
	cfg     []uint8
	addr    []uint64
	backed  int
	epmp    bool
	mseccfg uint32
}

// NewCSRs returns a register file of n entries of which the first backed
// ones are implemented. mseccfg is only implemented when epmp is set.
func NewCSRs(n, backed int, epmp bool) *CSRs {
	return &CSRs{
		cfg:    make([]uint8, n),
		addr:   make([]uint64, n),
		backed: backed,
		epmp:   epmp,
	}
}

func (c *CSRs) locked(i int) bool {
	if c.mseccfg&MseccfgRLB != 0 {
		return false
	}
	return c.cfg[i]&cfgLock != 0
}

// Cfg returns the pmpcfg octet of entry i.
func (c *CSRs) Cfg(i int) uint8 {
	return c.cfg[i]
}

// SetCfg writes the pmpcfg octet of entry i. Writes to locked or
// unimplemented entries are ignored.
func (c *CSRs) SetCfg(i int, v uint8) {
	if i >= c.backed || c.locked(i) {
		return
	}
	c.cfg[i] = v
}

// Addr returns pmpaddr i.
func (c *CSRs) Addr(i int) uint64 {
	return c.addr[i]
}

// SetAddr writes pmpaddr i. A locked entry also locks the address below a
// locked TOR entry.
func (c *CSRs) SetAddr(i int, v uint64) {
	if i >= c.backed || c.locked(i) {
		return
	}
	if i+1 < len(c.cfg) && c.locked(i+1) && AddrMode((c.cfg[i+1]&cfgModeMask)>>cfgModeShift) == ModeTOR {
		return
	}
	c.addr[i] = v
}

// Mseccfg returns the machine security configuration.
func (c *CSRs) Mseccfg() uint32 {
	return c.mseccfg
}

// SetMseccfg writes the machine security configuration. MML and MMWP are
// sticky once set.
func (c *CSRs) SetMseccfg(v uint32) {
	if !c.epmp {
		return
	}
	sticky := c.mseccfg & (MseccfgMML | MseccfgMMWP)
	c.mseccfg = sticky | v&(MseccfgMML|MseccfgMMWP|MseccfgRLB)
}

// Len returns the number of entries.
func (c *CSRs) Len() int {
	return len(c.cfg)
}

// resetEntry turns entry i off after checking that it is unlocked and
// implemented.
func resetEntry(c *CSRs, i int) error {
	orig := c.Cfg(i)
	if orig&cfgLock != 0 {
		return &ErrLockedEntry{Index: i}
	}
	c.SetCfg(i, orig^uint8(PermR|PermW|PermX))
	if c.Cfg(i) == orig {
		return &ErrEntryNotBacked{Index: i}
	}
	c.SetCfg(i, orig&^cfgModeMask)
	return nil
}

// Commit writes the plan into the register file and enables machine mode
// lockdown. It fails when an entry is locked or unimplemented, and when
// mseccfg does not read back as written.
func (p *Plan) Commit(c *CSRs) error {
	if c.Len() < len(p.Entries) {
		return fmt.Errorf("register file has %d entries, plan needs %d", c.Len(), len(p.Entries))
	}
	for i := range p.Entries {
		if err := resetEntry(c, i); err != nil {
			return err
		}
	}
	for _, e := range p.Entries {
		if e.Owner != OwnerKernel {
			continue
		}
		// The address goes first: locking the octet also locks the address.
		c.SetAddr(e.Index, e.Addr)
		c.SetCfg(e.Index, e.Cfg())
	}
	const want = MseccfgMML | MseccfgMMWP
	c.SetMseccfg(want)
	if c.Mseccfg() != want {
		return ErrNoEPMP
	}
	return nil
}

// ConfigureUser programs user region slot as a TOR range [start, end).
// Read-write-execute regions cannot be expressed under MML.
func (p *Plan) ConfigureUser(c *CSRs, slot int, start, end uint64, perm Perm) error {
	if slot < 0 || slot >= p.Config.MPURegions {
		return fmt.Errorf("user region %d out of range [0, %d)", slot, p.Config.MPURegions)
	}
	if perm == PermR|PermW|PermX {
		return fmt.Errorf("user region %d: %w", slot, ErrPermissions)
	}
	if start%4 != 0 || end%4 != 0 || end < start {
		return fmt.Errorf("user region %d: %w", slot, ErrUnaligned)
	}
	lo, hi := 2*slot, 2*slot+1
	c.SetCfg(hi, 0)
	c.SetAddr(lo, start>>2)
	c.SetAddr(hi, end>>2)
	c.SetCfg(lo, 0)
	if perm != 0 {
		c.SetCfg(hi, Entry{Mode: ModeTOR, Perm: perm}.Cfg())
	}
	return nil
}
