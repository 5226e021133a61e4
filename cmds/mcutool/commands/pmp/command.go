// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pmp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/pkg/bytes"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pmp"
)

var _ commands.Command = (*Command)(nil)

// Command plans the PMP entry file for a platform description.
type Command struct {
	commands.Output
	Entries    *int `long:"entries" description:"number of hardware PMP entries (default: 64)"`
	MPURegions *int `long:"mpu-regions" description:"number of user MPU regions (default: 16)"`
}

// Window is an address range in the platform description.
type Window struct {
	Name   string `json:"name,omitempty"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// RegionDesc is a region in the platform description. Perm is written as
// in "r-x".
type RegionDesc struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	MMIO  bool   `json:"mmio"`
	User  bool   `json:"user"`
	Perm  string `json:"perm"`
}

// Platform is the JSON platform description read by the command.
type Platform struct {
	SRAM        Window       `json:"sram"`
	DCCM        Window       `json:"dccm"`
	Peripherals []Window     `json:"peripherals"`
	Regions     []RegionDesc `json:"regions"`
}

// ParsePerm parses permissions written as "rwx" with '-' for an unset bit.
func ParsePerm(s string) (pmp.Perm, error) {
	var p pmp.Perm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= pmp.PermR
		case 'w':
			p |= pmp.PermW
		case 'x':
			p |= pmp.PermX
		case '-':
		default:
			return 0, fmt.Errorf("unknown permission '%c' in '%s'", c, s)
		}
	}
	return p, nil
}

// MemoryMap converts the description of the platform memories.
func (p *Platform) MemoryMap() pmp.MemoryMap {
	mm := pmp.MemoryMap{
		SRAM: bytes.Range{Offset: p.SRAM.Offset, Length: p.SRAM.Length},
		DCCM: bytes.Range{Offset: p.DCCM.Offset, Length: p.DCCM.Length},
	}
	for _, w := range p.Peripherals {
		mm.Peripherals = append(mm.Peripherals, pmp.Aperture{
			Name:  w.Name,
			Range: bytes.Range{Offset: w.Offset, Length: w.Length},
		})
	}
	return mm
}

// PMPRegions converts the region descriptions.
func (p *Platform) PMPRegions() ([]pmp.Region, error) {
	regions := make([]pmp.Region, 0, len(p.Regions))
	for i, r := range p.Regions {
		perm, err := ParsePerm(r.Perm)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		regions = append(regions, pmp.Region{Start: r.Start, Size: r.Size, MMIO: r.MMIO, User: r.User, Perm: perm})
	}
	return regions, nil
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "plans the PMP entry file of a platform"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return `Reads a JSON platform description:

  {
    "sram": {"offset": 1073741824, "length": 524288},
    "dccm": {"offset": 1342177280, "length": 16384},
    "peripherals": [{"name": "uart", "offset": 536870912, "length": 4096}],
    "regions": [{"start": 1073741824, "size": 65536, "perm": "r-x"}]
  }

and prints the lowered PMP entries, or the reason the regions cannot be
programmed.`
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	path, err := commands.OneArg(args, "platform description")
	if err != nil {
		return err
	}

	cfg := pmp.DefaultConfig()
	if cmd.Entries != nil {
		cfg.Entries = *cmd.Entries
	}
	if cmd.MPURegions != nil {
		cfg.MPURegions = *cmd.MPURegions
	}

	data, err := commands.ReadInput(path)
	if err != nil {
		return err
	}
	var platform Platform
	if err := json.Unmarshal(data, &platform); err != nil {
		return fmt.Errorf("unable to parse platform description '%s': %w", path, err)
	}
	regions, err := platform.PMPRegions()
	if err != nil {
		return err
	}
	log.Debugf("planning %d regions into %d entries, %d user regions", len(regions), cfg.Entries, cfg.MPURegions)

	plan, err := pmp.New(regions, platform.MemoryMap(), cfg)
	if err != nil {
		return fmt.Errorf("unable to plan PMP entries: %w", err)
	}
	plan.Render(cmd.Writer())
	return nil
}
