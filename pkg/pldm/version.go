// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Ver32 is a BCD encoded PLDM version: major, minor, update and alpha from
// the most significant byte down.
type Ver32 uint32

// UpdateAbsent marks a version without an update number.
const UpdateAbsent = 0xFF

// Protocol versions implemented by this module.
const (
	BaseVersion     = "1.1.0"
	FWUpdateVersion = "1.3.0"
)

// ErrVersion is returned for malformed version strings.
var ErrVersion = errors.New("invalid PLDM version")

// Version is a decoded Ver32.
type Version struct {
	Major, Minor uint8
	// Update is UpdateAbsent when not present.
	Update uint8
	// Alpha is an ISO 8859-1 character or 0.
	Alpha uint8
}

func bcd(v uint8) uint8 {
	if v < 10 {
		return 0xF0 | v
	}
	return (v/10)<<4 | v%10
}

func unbcd(b uint8) uint8 {
	if b>>4 == 0xF {
		return b & 0x0F
	}
	return (b>>4)*10 + b&0x0F
}

// Ver32 encodes the version.
func (v Version) Ver32() Ver32 {
	update := uint8(UpdateAbsent)
	if v.Update != UpdateAbsent {
		update = bcd(v.Update)
	}
	return Ver32(uint32(bcd(v.Major))<<24 | uint32(bcd(v.Minor))<<16 | uint32(update)<<8 | uint32(v.Alpha))
}

// Version decodes the BCD fields.
func (v Ver32) Version() Version {
	out := Version{
		Major:  unbcd(uint8(v >> 24)),
		Minor:  unbcd(uint8(v >> 16)),
		Update: UpdateAbsent,
		Alpha:  uint8(v),
	}
	if u := uint8(v >> 8); u != UpdateAbsent {
		out.Update = unbcd(u)
	}
	return out
}

func (v Ver32) String() string {
	return v.Version().String()
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Update != UpdateAbsent {
		s += fmt.Sprintf(".%d", v.Update)
	}
	if v.Alpha != 0 {
		s += string(rune(v.Alpha))
	}
	return s
}

// ParseVersion parses "major.minor[.update]" with an optional trailing
// letter on the last component, e.g. "1.5.18a" or "1.0a".
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrVersion, s)
	}
	v := Version{Update: UpdateAbsent}
	last := parts[len(parts)-1]
	if n := len(last); n > 0 && unicode.IsLetter(rune(last[n-1])) {
		v.Alpha = last[n-1]
		parts[len(parts)-1] = last[:n-1]
	}
	fields := []*uint8{&v.Major, &v.Minor, &v.Update}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil || n > 99 {
			return Version{}, fmt.Errorf("%w: %q", ErrVersion, s)
		}
		*fields[i] = uint8(n)
	}
	return v, nil
}

// MustVer32 encodes a version string known to be valid.
func MustVer32(s string) Ver32 {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v.Ver32()
}
