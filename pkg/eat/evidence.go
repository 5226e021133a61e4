// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eat

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ContentFormat is the CoAP content format of tagged concise evidence.
const ContentFormat = 10571

// DigestSHA384 is the named-information id of SHA-384.
const DigestSHA384 = 7

var errEvidence = errors.New("malformed concise evidence")

// Digest is an [algorithm, value] pair.
type Digest struct {
	_     struct{} `cbor:",toarray"`
	Alg   int64
	Value []byte
}

// MeasurementValue is a CoRIM measurement-values-map.
type MeasurementValue struct {
	Version string   `cbor:"0,keyasint,omitempty"`
	SVN     *uint64  `cbor:"1,keyasint,omitempty"`
	Digests []Digest `cbor:"2,keyasint,omitempty"`
	Raw     []byte   `cbor:"4,keyasint,omitempty"`
	RawMask []byte   `cbor:"5,keyasint,omitempty"`
	// IntegrityRegisters maps register ids, uint64 or string, to the
	// digests extended into the register.
	IntegrityRegisters map[any][]Digest `cbor:"14,keyasint,omitempty"`
}

// MeasurementMap is one measured element of an environment.
type MeasurementMap struct {
	Key   uint64           `cbor:"0,keyasint"`
	Value MeasurementValue `cbor:"1,keyasint"`
}

// Class identifies an environment.
type Class struct {
	ID     OID    `cbor:"0,keyasint"`
	Vendor string `cbor:"1,keyasint,omitempty"`
	Model  string `cbor:"2,keyasint,omitempty"`
}

// Environment is an environment-map.
type Environment struct {
	Class Class `cbor:"0,keyasint"`
}

// Domain names a domain by UUID or URI.
type Domain struct {
	UUID []byte
	URI  string
}

// MarshalCBOR implements cbor.Marshaler.
func (d Domain) MarshalCBOR() ([]byte, error) {
	if d.UUID != nil {
		return encMode.Marshal(d.UUID)
	}
	return encMode.Marshal(d.URI)
}

// EvidenceTriple binds measurements to an environment.
type EvidenceTriple struct {
	_            struct{} `cbor:",toarray"`
	Environment  Environment
	Measurements []MeasurementMap
}

// KeyTriple binds keys to an environment. Identity and attest-key triples
// share the shape.
type KeyTriple struct {
	_           struct{} `cbor:",toarray"`
	Environment Environment
	Keys        [][]byte
}

// DependencyTriple lists the domains a domain depends on.
type DependencyTriple struct {
	_            struct{} `cbor:",toarray"`
	Domain       Domain
	Dependencies []Domain
}

// MembershipTriple lists the environments in a domain.
type MembershipTriple struct {
	_            struct{} `cbor:",toarray"`
	Domain       Domain
	Environments []Environment
}

// CoSWIDEvidence is a coswid-evidence-map.
type CoSWIDEvidence struct {
	TagID        []byte   `cbor:"0,keyasint,omitempty"`
	Evidence     []byte   `cbor:"1,keyasint"`
	AuthorizedBy [][]byte `cbor:"2,keyasint,omitempty"`
}

// CoSWIDTriple binds CoSWID evidence to an environment.
type CoSWIDTriple struct {
	_           struct{} `cbor:",toarray"`
	Environment Environment
	Evidence    []CoSWIDEvidence
}

// Triples is the ev-triples-map. Empty slots are left out.
type Triples struct {
	Evidence   []EvidenceTriple   `cbor:"0,keyasint,omitempty"`
	Identity   []KeyTriple        `cbor:"1,keyasint,omitempty"`
	Dependency []DependencyTriple `cbor:"2,keyasint,omitempty"`
	Membership []MembershipTriple `cbor:"3,keyasint,omitempty"`
	CoSWID     []CoSWIDTriple     `cbor:"4,keyasint,omitempty"`
	AttestKey  []KeyTriple        `cbor:"5,keyasint,omitempty"`
}

func (t *Triples) empty() bool {
	return len(t.Evidence)+len(t.Identity)+len(t.Dependency)+len(t.Membership)+len(t.CoSWID)+len(t.AttestKey) == 0
}

// ConciseEvidence is a concise-evidence-map.
type ConciseEvidence struct {
	Triples Triples     `cbor:"0,keyasint"`
	ID      *TaggedUUID `cbor:"1,keyasint,omitempty"`
	Profile *OID        `cbor:"2,keyasint,omitempty"`
}

func (e *ConciseEvidence) validate() error {
	if e.Triples.empty() {
		return fmt.Errorf("%w: no triples", errEvidence)
	}
	for _, t := range e.Triples.Evidence {
		if _, err := t.Environment.Class.ID.bytes(); err != nil {
			return fmt.Errorf("%w: class id: %w", errEvidence, err)
		}
		for _, m := range t.Measurements {
			for id := range m.Value.IntegrityRegisters {
				switch id.(type) {
				case uint64, string:
				default:
					return fmt.Errorf("%w: integrity register id %v of type %T", errEvidence, id, id)
				}
			}
		}
	}
	return nil
}

// Measurement is one entry of the measurements claim: tagged concise
// evidence wrapped in a byte string.
type Measurement struct {
	// ContentType defaults to ContentFormat.
	ContentType uint16
	Evidence    ConciseEvidence
}

// MarshalCBOR encodes [content-type, bstr .cbor tagged-concise-evidence].
func (m Measurement) MarshalCBOR() ([]byte, error) {
	ev, err := encMode.Marshal(cbor.Tag{Number: TagConciseEvidence, Content: m.Evidence})
	if err != nil {
		return nil, fmt.Errorf("concise evidence: %w", err)
	}
	ct := m.ContentType
	if ct == 0 {
		ct = ContentFormat
	}
	return encMode.Marshal([]any{ct, ev})
}
