// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eat

import (
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// ErrBufferTooSmall is returned when a token does not fit the caller's
// buffer.
var ErrBufferTooSmall = errors.New("buffer too small for token")

// ErrTag is returned by Parse for tokens not wrapped in the expected tags.
var ErrTag = errors.New("unexpected CBOR tag")

// EngineSigner signs with the key of a coprocessor certificate slot.
type EngineSigner struct {
	Engine coprocessor.Engine
	Slot   uint8
}

var _ cose.Signer = (*EngineSigner)(nil)

// Algorithm implements cose.Signer.
func (s *EngineSigner) Algorithm() cose.Algorithm {
	return cose.AlgorithmES384
}

// Sign implements cose.Signer. The coprocessor draws its own randomness.
func (s *EngineSigner) Sign(_ io.Reader, content []byte) ([]byte, error) {
	digest, err := s.Engine.Hash(coprocessor.SHA384, content)
	if err != nil {
		return nil, err
	}
	return s.Engine.SignHash(s.Slot, digest)
}

// Encoder produces signed tokens.
type Encoder struct {
	Signer cose.Signer
	// KeyID goes into the protected header when set.
	KeyID []byte
	// X5Chain is the DER leaf certificate of the signing key, carried in
	// the unprotected header when set.
	X5Chain []byte
}

// Encode validates c, signs it and writes the token to dst. It returns
// the token length.
func (e *Encoder) Encode(dst []byte, c *Claims) (int, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	payload, err := c.MarshalCBOR()
	if err != nil {
		return 0, fmt.Errorf("claims: %w", err)
	}
	tok, err := e.Sign(payload)
	if err != nil {
		return 0, err
	}
	if len(tok) > len(dst) {
		return 0, fmt.Errorf("%w: %d bytes, have %d", ErrBufferTooSmall, len(tok), len(dst))
	}
	return copy(dst, tok), nil
}

// Sign wraps an encoded claims set in a COSE_Sign1 message tagged as a
// self-described CWT.
func (e *Encoder) Sign(payload []byte) ([]byte, error) {
	if e.Signer == nil {
		return nil, errors.New("encoder has no signer")
	}
	msg := cose.NewSign1Message()
	msg.Headers.Protected[cose.HeaderLabelAlgorithm] = e.Signer.Algorithm()
	if e.KeyID != nil {
		msg.Headers.Protected[cose.HeaderLabelKeyID] = e.KeyID
	}
	if e.X5Chain != nil {
		msg.Headers.Unprotected[cose.HeaderLabelX5Chain] = e.X5Chain
	}
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, e.Signer); err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	sign1, err := msg.MarshalCBOR()
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(cbor.Tag{
		Number: TagSelfDescribed,
		Content: cbor.Tag{
			Number:  TagCWT,
			Content: cbor.RawMessage(sign1),
		},
	})
}

func untag(b []byte, num uint64) ([]byte, error) {
	var t cbor.RawTag
	if err := cbor.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	if t.Number != num {
		return nil, fmt.Errorf("%w: %d, want %d", ErrTag, t.Number, num)
	}
	return t.Content, nil
}

// Parse strips the self-described and CWT tags and decodes the COSE_Sign1
// message. The signature is not checked.
func Parse(token []byte) (*cose.Sign1Message, error) {
	b, err := untag(token, TagSelfDescribed)
	if err != nil {
		return nil, err
	}
	if b, err = untag(b, TagCWT); err != nil {
		return nil, err
	}
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(b); err != nil {
		return nil, fmt.Errorf("COSE_Sign1: %w", err)
	}
	return &msg, nil
}

// Verify checks the token signature with an ES384 public key and returns
// the claims payload.
func Verify(token []byte, pub crypto.PublicKey) ([]byte, error) {
	msg, err := Parse(token)
	if err != nil {
		return nil, err
	}
	v, err := cose.NewVerifier(cose.AlgorithmES384, pub)
	if err != nil {
		return nil, err
	}
	if err := msg.Verify(nil, v); err != nil {
		return nil, err
	}
	return msg.Payload, nil
}
