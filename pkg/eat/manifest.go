// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eat

import (
	"fmt"
	"slices"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/spdm"
)

// DefaultTokenSize bounds the token served as a measurement.
const DefaultTokenSize = 4096

// FirmwareEvidence describes measurement blocks as concise evidence, one
// evidence triple per block. The class of block i is classBase.i, and raw
// blocks are digested with SHA-384.
func FirmwareEvidence(eng coprocessor.Engine, classBase OID, blocks []spdm.Block) (ConciseEvidence, error) {
	var ev ConciseEvidence
	for _, b := range blocks {
		d := b.Value
		if b.Raw {
			var err error
			if d, err = eng.Hash(coprocessor.SHA384, b.Value); err != nil {
				return ConciseEvidence{}, err
			}
		}
		ev.Triples.Evidence = append(ev.Triples.Evidence, EvidenceTriple{
			Environment: Environment{Class: Class{ID: classBase.Child(int(b.Index))}},
			Measurements: []MeasurementMap{{
				Key:   uint64(b.Index),
				Value: MeasurementValue{Digests: []Digest{{Alg: DigestSHA384, Value: d}}},
			}},
		})
	}
	return ev, nil
}

// Manifest is a spdm.MeasurementStore that adds a freshly signed token as
// the structured manifest measurement.
type Manifest struct {
	Base    spdm.MeasurementStore
	Engine  coprocessor.Engine
	Encoder *Encoder
	// Claims builds the claims set for the base measurements. The nonce
	// and cti are filled in by Manifest.
	Claims func(blocks []spdm.Block) (*Claims, error)
	// TokenSize defaults to DefaultTokenSize.
	TokenSize int
}

var _ spdm.MeasurementStore = (*Manifest)(nil)

// Measurements implements spdm.MeasurementStore.
func (m *Manifest) Measurements() ([]spdm.Block, error) {
	blocks, err := m.Base.Measurements()
	if err != nil {
		return nil, err
	}
	c, err := m.Claims(blocks)
	if err != nil {
		return nil, err
	}
	if c.Nonce, err = m.Engine.Random(32); err != nil {
		return nil, err
	}
	if c.CTI, err = m.Engine.Random(16); err != nil {
		return nil, err
	}
	size := m.TokenSize
	if size == 0 {
		size = DefaultTokenSize
	}
	buf := make([]byte, size)
	n, err := m.Encoder.Encode(buf, c)
	if err != nil {
		return nil, fmt.Errorf("attestation token: %w", err)
	}
	log.Debugf("eat: signed %d byte token over %d measurements", n, len(blocks))

	blocks = slices.DeleteFunc(slices.Clone(blocks), func(b spdm.Block) bool { return b.Index == spdm.IndexManifest })
	blocks = append(blocks, spdm.Block{
		Index: spdm.IndexManifest,
		Type:  spdm.StructuredManifest,
		Raw:   true,
		Value: buf[:n],
	})
	slices.SortFunc(blocks, func(x, y spdm.Block) int { return int(x.Index) - int(y.Index) })
	return blocks, nil
}
