// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"

	"github.com/u-root/uio/uio"
)

// Signed image formats understood by the coprocessor. Both end in a raw
// P-384 signature over the SHA-384 of everything before it.
const (
	BundleMagic   = 0x444E4243 // "CBND" little-endian
	ManifestMagic = 0x464E4D41 // "AMNF" little-endian

	BundleHeaderLen   = 16
	ManifestHeaderLen = 16
	ManifestEntryLen  = 56
	ManifestVersion   = 1
)

// Image format errors.
var (
	ErrBadMagic  = errors.New("bad image magic")
	ErrTruncated = errors.New("image truncated")
	ErrSignature = errors.New("signature verification failed")
)

// Bundle is a signed coprocessor firmware bundle.
type Bundle struct {
	SVN     uint32
	Payload []byte

	signed    []byte
	signature []byte
}

// SignBundle produces a bundle over payload signed with key.
func SignBundle(key *ecdsa.PrivateKey, svn uint32, payload []byte) ([]byte, error) {
	l := uio.NewLittleEndianBuffer(nil)
	l.Write32(BundleMagic)
	l.Write32(svn)
	l.Write32(uint32(len(payload)))
	l.Write32(0)
	l.WriteBytes(payload)
	return appendSignature(key, l.Data())
}

// ParseBundle splits a bundle into its parts. The signature is not
// checked; see Verify.
func ParseBundle(b []byte) (*Bundle, error) {
	l := uio.NewLittleEndianBuffer(b)
	if m := l.Read32(); m != BundleMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, m)
	}
	svn := l.Read32()
	n := l.Read32()
	l.Read32()
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if uint64(len(b)) != BundleHeaderLen+uint64(n)+SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes for a %d byte payload", ErrTruncated, len(b), n)
	}
	end := BundleHeaderLen + int(n)
	return &Bundle{
		SVN:       svn,
		Payload:   b[BundleHeaderLen:end],
		signed:    b[:end],
		signature: b[end:],
	}, nil
}

// Verify checks the bundle signature against the vendor key.
func (b *Bundle) Verify(pub *ecdsa.PublicKey) error {
	return verifySigned(pub, b.signed, b.signature)
}

// Digest returns the SHA-384 over the signed part of the bundle.
func (b *Bundle) Digest() [48]byte {
	return sha512.Sum384(b.signed)
}

// ManifestEntry authorizes one image by digest.
type ManifestEntry struct {
	FirmwareID uint32
	Flags      uint32
	Digest     [48]byte
}

// AuthManifest lists the images the SoC may run.
type AuthManifest struct {
	Entries []ManifestEntry

	signed    []byte
	signature []byte
}

// SignAuthManifest encodes and signs a manifest.
func SignAuthManifest(key *ecdsa.PrivateKey, entries []ManifestEntry) ([]byte, error) {
	l := uio.NewLittleEndianBuffer(nil)
	l.Write32(ManifestMagic)
	l.Write32(ManifestVersion)
	l.Write32(uint32(len(entries)))
	l.Write32(0)
	for _, e := range entries {
		l.Write32(e.FirmwareID)
		l.Write32(e.Flags)
		l.WriteBytes(e.Digest[:])
	}
	return appendSignature(key, l.Data())
}

// ParseAuthManifest decodes a manifest without checking its signature.
func ParseAuthManifest(b []byte) (*AuthManifest, error) {
	l := uio.NewLittleEndianBuffer(b)
	if m := l.Read32(); m != ManifestMagic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, m)
	}
	if v := l.Read32(); v != ManifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", v)
	}
	n := l.Read32()
	l.Read32()
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	end := uint64(ManifestHeaderLen) + uint64(n)*ManifestEntryLen
	if uint64(len(b)) != end+SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes for %d entries", ErrTruncated, len(b), n)
	}
	m := &AuthManifest{
		Entries:   make([]ManifestEntry, n),
		signed:    b[:end],
		signature: b[end:],
	}
	for i := range m.Entries {
		e := &m.Entries[i]
		e.FirmwareID = l.Read32()
		e.Flags = l.Read32()
		l.ReadBytes(e.Digest[:])
	}
	return m, l.Error()
}

// Verify checks the manifest signature against the vendor key.
func (m *AuthManifest) Verify(pub *ecdsa.PublicKey) error {
	return verifySigned(pub, m.signed, m.signature)
}

// Lookup returns the entry authorizing a firmware id.
func (m *AuthManifest) Lookup(id uint32) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.FirmwareID == id {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

func appendSignature(key *ecdsa.PrivateKey, signed []byte) ([]byte, error) {
	digest := sha512.Sum384(signed)
	sig, err := signDigest(key, digest[:])
	if err != nil {
		return nil, err
	}
	return append(signed, sig...), nil
}

func verifySigned(pub *ecdsa.PublicKey, signed, sig []byte) error {
	digest := sha512.Sum384(signed)
	if !VerifyDigest(pub, digest[:], sig) {
		return ErrSignature
	}
	return nil
}

func signDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:ECCScalarSize])
	s.FillBytes(sig[ECCScalarSize:])
	return sig, nil
}

// VerifyDigest checks a raw r||s P-384 signature over digest.
func VerifyDigest(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	if pub == nil || len(sig) != SignatureSize {
		return false
	}
	r := new(big.Int).SetBytes(sig[:ECCScalarSize])
	s := new(big.Int).SetBytes(sig[ECCScalarSize:])
	return ecdsa.Verify(pub, digest, r, s)
}
