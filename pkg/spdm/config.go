// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"slices"

	"github.com/linuxboot/mcufw/pkg/spdm/session"
)

// SecuredMessageVersion is a secured message binding version entry,
// major<<12 | minor<<8.
type SecuredMessageVersion uint16

// Secured message versions.
const (
	SecuredMessage10 SecuredMessageVersion = 0x1000
	SecuredMessage11 SecuredMessageVersion = 0x1100
	SecuredMessage12 SecuredMessageVersion = 0x1200
)

// Config describes the local side of the responder.
type Config struct {
	// Versions are the supported versions, in VERSION response order.
	Versions     []Version
	Capabilities Capabilities
	Algorithms   Algorithms
	Priorities   Priorities
	// SecuredMessageVersions are offered for secure sessions.
	SecuredMessageVersions []SecuredMessageVersion
	MaxSessions            int
	// HeartbeatPeriod is reported in KEY_EXCHANGE_RSP, in seconds. 0
	// disables heartbeats.
	HeartbeatPeriod uint8
	// Slots is the mask of provisioned certificate slots.
	Slots uint8
}

// Local capabilities of DefaultConfig.
const DefaultCapabilityFlags = CapCert | CapChal | MeasSignature<<measShift | CapMeasFresh |
	CapEncrypt | CapMAC | CapKeyEx | CapHbeat | CapKeyUpd | CapChunk

// Default sizes.
const (
	DefaultDataTransferSize = 1024
	DefaultMaxMessageSize   = 4096
)

// DefaultConfig returns the responder configuration of the MCU: ECDSA
// P-384, SHA-384, secp384r1 and AES-256-GCM, versions 1.0 to 1.3, slot 0
// provisioned.
func DefaultConfig() Config {
	return Config{
		Versions: []Version{V10, V11, V12, V13},
		Capabilities: Capabilities{
			CTExponent:         14,
			Flags:              DefaultCapabilityFlags,
			DataTransferSize:   DefaultDataTransferSize,
			MaxSPDMMessageSize: DefaultMaxMessageSize,
		},
		Algorithms: Algorithms{
			MeasurementSpec: MeasSpecDMTF,
			OtherParams:     OpaqueDataFormat1,
			MeasurementHash: MeasHashSHA384,
			BaseAsym:        AsymECDSAP384,
			BaseHash:        HashSHA384,
			DHE:             DHESecp384r1,
			AEAD:            AEADAES256GCM,
			KeySchedule:     KeyScheduleSPDM,
		},
		Priorities: Priorities{
			BaseHash: []uint32{HashSHA384},
			BaseAsym: []uint32{AsymECDSAP384},
			DHE:      []uint16{DHESecp384r1},
			AEAD:     []uint16{AEADAES256GCM},
		},
		SecuredMessageVersions: []SecuredMessageVersion{SecuredMessage10, SecuredMessage11, SecuredMessage12},
		MaxSessions:            session.DefaultMaxSessions,
		Slots:                  1,
	}
}

func (c *Config) supports(v Version) bool {
	return slices.Contains(c.Versions, v)
}

func (c *Config) provisioned(slot uint8) bool {
	return slot < 8 && c.Slots&(1<<slot) != 0
}
