// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coprocessor describes the contract with the security coprocessor
// and provides two sides of it: a mailbox Client used by MCU services and a
// software root of trust (Soft) that answers the same contract in process.
//
// Long-lived secrets never leave the coprocessor. Callers hold CMK handles
// and ask the coprocessor to operate on them.
package coprocessor

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// CMKSize is the size of a Cryptographic Material Key handle.
const CMKSize = 16

// CMK is an opaque handle to key material held by the coprocessor.
type CMK [CMKSize]byte

func (k CMK) String() string {
	return "cmk:" + hex.EncodeToString(k[:4])
}

// KeyUsage restricts what a CMK may be used for.
type KeyUsage uint32

// Key usages.
const (
	KeyUsageReserved KeyUsage = iota
	KeyUsageHMAC
	KeyUsageHKDF
	KeyUsageAES
	KeyUsageECDH
)

func (u KeyUsage) String() string {
	switch u {
	case KeyUsageHMAC:
		return "HMAC"
	case KeyUsageHKDF:
		return "HKDF"
	case KeyUsageAES:
		return "AES"
	case KeyUsageECDH:
		return "ECDH"
	}
	return fmt.Sprintf("KeyUsage(%d)", uint32(u))
}

// HashAlgorithm selects a digest.
type HashAlgorithm uint32

// Hash algorithms.
const (
	SHA384 HashAlgorithm = 1
	SHA512 HashAlgorithm = 2
	SM3    HashAlgorithm = 3
)

// Size returns the digest size in bytes.
func (a HashAlgorithm) Size() int {
	switch a {
	case SHA384:
		return 48
	case SHA512:
		return 64
	case SM3:
		return 32
	}
	return 0
}

func (a HashAlgorithm) String() string {
	switch a {
	case SHA384:
		return "SHA-384"
	case SHA512:
		return "SHA-512"
	case SM3:
		return "SM3-256"
	}
	return fmt.Sprintf("HashAlgorithm(%d)", uint32(a))
}

// Sizes of the fixed width values exchanged with the coprocessor.
const (
	// ECCScalarSize is the size of a P-384 coordinate or scalar.
	ECCScalarSize = 48
	// ExchangeDataSize is an uncompressed P-384 point without its prefix.
	ExchangeDataSize = 2 * ECCScalarSize
	// SignatureSize is a raw r||s P-384 signature.
	SignatureSize = 2 * ECCScalarSize
	// AESTagSize is the AES-GCM authentication tag size.
	AESTagSize = 16
	// SecretSize is the size of secrets derived in the SPDM key schedule.
	SecretSize = 48
)

// Errors reported by the coprocessor contract.
var (
	ErrUnknownKey      = errors.New("unknown CMK")
	ErrKeyUsage        = errors.New("CMK used outside of its key usage")
	ErrUnsupportedHash = errors.New("unsupported hash algorithm")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAuthentication  = errors.New("authentication tag mismatch")
	ErrUnknownSlot     = errors.New("no key provisioned in slot")
)

// HashContext is a streaming digest.
type HashContext interface {
	Update(p []byte) error
	// Final returns the digest. The context must not be used afterwards.
	Final() ([]byte, error)
}

// Engine is the cryptographic half of the coprocessor contract.
type Engine interface {
	Hash(alg HashAlgorithm, data []byte) ([]byte, error)
	NewHash(alg HashAlgorithm) (HashContext, error)
	Random(n int) ([]byte, error)

	// Import wraps caller supplied material in a handle.
	Import(usage KeyUsage, material []byte) (CMK, error)
	Delete(k CMK) error

	// HMAC computes HMAC-SHA-384 keyed by k.
	HMAC(k CMK, data []byte) ([]byte, error)
	HKDFExtract(salt, ikm CMK) (CMK, error)
	HKDFExpand(prk CMK, usage KeyUsage, size int, info []byte) (CMK, error)

	// ECDHGenerate creates an ephemeral P-384 key pair and returns the
	// handle of its private half together with the public exchange data.
	ECDHGenerate() (CMK, []byte, error)
	// ECDHFinish consumes the ephemeral handle and returns the shared
	// secret as a handle with the given usage.
	ECDHFinish(ephemeral CMK, usage KeyUsage, peer []byte) (CMK, error)

	// SPDMEncrypt derives the per-message key and IV from secret,
	// following the secured message binding for the SPDM version, and
	// seals plaintext. It returns the ciphertext and the tag.
	SPDMEncrypt(secret CMK, version uint8, seq uint64, aad, plaintext []byte) ([]byte, []byte, error)
	SPDMDecrypt(secret CMK, version uint8, seq uint64, aad, ciphertext, tag []byte) ([]byte, error)

	// SignHash signs a SHA-384 digest with the key of the given
	// certificate slot. The signature is raw r||s.
	SignHash(slot uint8, digest []byte) ([]byte, error)
	// CertChain returns the DER certificates of a slot, root first.
	CertChain(slot uint8) ([]byte, error)
}
