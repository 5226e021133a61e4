// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eat encodes Entity Attestation Tokens following the OCP
// attestation profile: a claims set carrying concise evidence, signed as a
// tagged COSE_Sign1 message.
package eat

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Claim keys.
const (
	KeyIssuer       = 1
	KeyCTI          = 7
	KeyNonce        = 10
	KeyUEID         = 256
	KeyOEMID        = 258
	KeyHWModel      = 259
	KeyUptime       = 261
	KeyDebugStatus  = 263
	KeyProfile      = 265
	KeyBootCount    = 267
	KeyBootSeed     = 268
	KeyDLOAs        = 269
	KeyMeasurements = 273
	KeyRIMLocators  = -70001
)

// Private claims use keys below MaxPrivateKey.
const (
	MaxPrivateKey       = -65536
	MaxPrivateClaims    = 5
	MaxPrivateClaimSize = 100
)

// Validation errors.
var (
	ErrMissingClaim = errors.New("mandatory claim missing")
	ErrClaimSize    = errors.New("claim size out of range")
	ErrPrivateClaim = errors.New("invalid private claim")
)

// DebugStatus is the dbgstat claim.
type DebugStatus uint8

// Debug states.
const (
	DebugEnabled DebugStatus = iota
	DebugDisabled
	DebugDisabledSinceBoot
	DebugDisabledPermanently
	DebugDisabledFullyAndPermanently
)

// DLOA is a digital letter of approval.
type DLOA struct {
	Registrar        string
	PlatformLabel    string
	ApplicationLabel string
}

// MarshalCBOR encodes the DLOA as [registrar, platform, ?application].
func (d DLOA) MarshalCBOR() ([]byte, error) {
	a := []string{d.Registrar, d.PlatformLabel}
	if d.ApplicationLabel != "" {
		a = append(a, d.ApplicationLabel)
	}
	return encMode.Marshal(a)
}

// RIMLocator points at reference integrity manifests.
type RIMLocator struct {
	Href       string `cbor:"0,keyasint"`
	Thumbprint []byte `cbor:"1,keyasint,omitempty"`
}

// PrivateClaim is a claim outside the registered key space.
type PrivateClaim struct {
	Key   int64
	Value []byte
}

// Claims is an OCP profile claims set. Optional claims are left out when
// zero.
type Claims struct {
	Issuer       string
	CTI          []byte
	Nonce        []byte
	DebugStatus  DebugStatus
	Profile      OID
	Measurements []Measurement

	UEID        []byte
	OEMID       []byte
	HWModel     []byte
	Uptime      *uint64
	BootCount   *uint64
	BootSeed    []byte
	DLOAs       []DLOA
	RIMLocators []RIMLocator
	Private     []PrivateClaim
}

func sizeError(claim string, n, lo, hi int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d to %d", ErrClaimSize, claim, n, lo, hi)
}

func checkSize(claim string, b []byte, lo, hi int) error {
	if len(b) < lo || len(b) > hi {
		return sizeError(claim, len(b), lo, hi)
	}
	return nil
}

// Validate reports every claim that breaks the profile.
func (c *Claims) Validate() error {
	var result *multierror.Error
	if c.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("%w: issuer", ErrMissingClaim))
	}
	if err := checkSize("cti", c.CTI, 8, 64); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkSize("nonce", c.Nonce, 8, 64); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Profile == "" {
		result = multierror.Append(result, fmt.Errorf("%w: eat_profile", ErrMissingClaim))
	} else if _, err := c.Profile.bytes(); err != nil {
		result = multierror.Append(result, fmt.Errorf("eat_profile: %w", err))
	}
	if len(c.Measurements) == 0 {
		result = multierror.Append(result, fmt.Errorf("%w: measurements", ErrMissingClaim))
	}
	for i, m := range c.Measurements {
		if err := m.Evidence.validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("measurement %d: %w", i, err))
		}
	}
	if c.UEID != nil {
		if err := checkSize("ueid", c.UEID, 7, 33); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.HWModel != nil {
		if err := checkSize("hwmodel", c.HWModel, 1, 32); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.BootSeed != nil {
		if err := checkSize("bootseed", c.BootSeed, 32, 64); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(c.Private) > MaxPrivateClaims {
		result = multierror.Append(result, fmt.Errorf("%w: %d private claims, at most %d", ErrPrivateClaim, len(c.Private), MaxPrivateClaims))
	}
	seen := map[int64]bool{}
	for _, p := range c.Private {
		switch {
		case p.Key >= MaxPrivateKey:
			result = multierror.Append(result, fmt.Errorf("%w: key %d not below %d", ErrPrivateClaim, p.Key, MaxPrivateKey))
		case p.Key == KeyRIMLocators && c.RIMLocators != nil, seen[p.Key]:
			result = multierror.Append(result, fmt.Errorf("%w: key %d used twice", ErrPrivateClaim, p.Key))
		}
		seen[p.Key] = true
		if len(p.Value) > MaxPrivateClaimSize {
			result = multierror.Append(result, sizeError(fmt.Sprintf("private claim %d", p.Key), len(p.Value), 0, MaxPrivateClaimSize))
		}
	}
	return result.ErrorOrNil()
}

// count returns the number of claims in the encoded map.
func (c *Claims) count() int {
	n := 6
	for _, present := range []bool{
		c.UEID != nil, c.OEMID != nil, c.HWModel != nil, c.Uptime != nil,
		c.BootCount != nil, c.BootSeed != nil, c.DLOAs != nil, c.RIMLocators != nil,
	} {
		if present {
			n++
		}
	}
	return n + len(c.Private)
}

// MarshalCBOR encodes the claims map with keys in ascending numeric order.
func (c *Claims) MarshalCBOR() ([]byte, error) {
	m := make(orderedMap, 0, c.count())
	m = append(m,
		pair{KeyIssuer, c.Issuer},
		pair{KeyCTI, c.CTI},
		pair{KeyNonce, c.Nonce},
		pair{KeyDebugStatus, uint8(c.DebugStatus)},
		pair{KeyProfile, c.Profile},
		pair{KeyMeasurements, c.Measurements},
	)
	if c.UEID != nil {
		m = append(m, pair{KeyUEID, c.UEID})
	}
	if c.OEMID != nil {
		m = append(m, pair{KeyOEMID, c.OEMID})
	}
	if c.HWModel != nil {
		m = append(m, pair{KeyHWModel, c.HWModel})
	}
	if c.Uptime != nil {
		m = append(m, pair{KeyUptime, *c.Uptime})
	}
	if c.BootCount != nil {
		m = append(m, pair{KeyBootCount, *c.BootCount})
	}
	if c.BootSeed != nil {
		m = append(m, pair{KeyBootSeed, c.BootSeed})
	}
	if c.DLOAs != nil {
		m = append(m, pair{KeyDLOAs, c.DLOAs})
	}
	if c.RIMLocators != nil {
		m = append(m, pair{KeyRIMLocators, c.RIMLocators})
	}
	for _, p := range c.Private {
		m = append(m, pair{p.Key, p.Value})
	}
	return m.MarshalCBOR()
}

