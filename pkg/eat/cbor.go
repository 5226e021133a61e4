// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eat

import (
	"cmp"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// CBOR tags used by the token.
const (
	TagSelfDescribed   = 55799
	TagCWT             = 61
	TagCOSESign1       = 18
	TagUUID            = 37
	TagOID             = 111
	TagConciseEvidence = 571
)

// encMode writes core deterministic CBOR. Struct fields with small integer
// keys come out in ascending key order.
var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

const majorMap = 5

func appendHead(b []byte, major byte, n uint64) []byte {
	m := major << 5
	switch {
	case n < 24:
		return append(b, m|byte(n))
	case n <= math.MaxUint8:
		return append(b, m|24, byte(n))
	case n <= math.MaxUint16:
		return binary.BigEndian.AppendUint16(append(b, m|25), uint16(n))
	case n <= math.MaxUint32:
		return binary.BigEndian.AppendUint32(append(b, m|26), uint32(n))
	}
	return binary.BigEndian.AppendUint64(append(b, m|27), n)
}

type pair struct {
	key int64
	val any
}

// orderedMap is a map with integer keys written in ascending numeric
// order, negative keys first. Deterministic CBOR would sort by encoded
// bytes instead, which puts every negative key last.
type orderedMap []pair

func (m orderedMap) MarshalCBOR() ([]byte, error) {
	s := slices.Clone(m)
	slices.SortStableFunc(s, func(a, b pair) int { return cmp.Compare(a.key, b.key) })
	out := appendHead(nil, majorMap, uint64(len(s)))
	for i, p := range s {
		if i > 0 && s[i-1].key == p.key {
			return nil, fmt.Errorf("duplicate map key %d", p.key)
		}
		k, err := encMode.Marshal(p.key)
		if err != nil {
			return nil, err
		}
		v, err := encMode.Marshal(p.val)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", p.key, err)
		}
		out = append(append(out, k...), v...)
	}
	return out, nil
}

var errOID = errors.New("malformed object identifier")

// OID is an object identifier in dotted decimal form. It is encoded as
// tag 111 over the BER content octets.
type OID string

func (o OID) bytes() ([]byte, error) {
	var id asn1.ObjectIdentifier
	for _, arc := range strings.Split(string(o), ".") {
		n, err := strconv.Atoi(arc)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", errOID, o)
		}
		id = append(id, n)
	}
	der, err := asn1.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", errOID, o, err)
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// Child returns the OID of arc n below o.
func (o OID) Child(n int) OID {
	return OID(fmt.Sprintf("%s.%d", o, n))
}

// MarshalCBOR implements cbor.Marshaler.
func (o OID) MarshalCBOR() ([]byte, error) {
	b, err := o.bytes()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(cbor.Tag{Number: TagOID, Content: b})
}

// TaggedUUID is a UUID encoded under tag 37.
type TaggedUUID uuid.UUID

// MarshalCBOR implements cbor.Marshaler.
func (u TaggedUUID) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(cbor.Tag{Number: TagUUID, Content: u[:]})
}
