// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"slices"
	"sync"

	"github.com/tjfoc/gmsm/sm3"
	"golang.org/x/crypto/hkdf"
)

// Slot is a provisioned certificate slot.
type Slot struct {
	Key *ecdsa.PrivateKey
	// Chain holds DER certificates, root first, leaf last.
	Chain [][]byte
}

// StagingArea is memory the coprocessor reads an image from on activation.
type StagingArea struct {
	Address uint64
	Size    uint32
	Memory  io.ReaderAt
}

// SoftConfig configures a software root of trust.
type SoftConfig struct {
	Slots map[uint8]Slot
	// VendorKey verifies firmware bundles and authorization manifests.
	VendorKey *ecdsa.PublicKey
	// Staging maps firmware ids to their activation staging area.
	Staging map[uint32]StagingArea
	// BootPolls is the number of FW_INFO requests answered as not ready
	// after a FIRMWARE_LOAD.
	BootPolls int
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

type key struct {
	usage    KeyUsage
	material []byte
	eph      *ecdh.PrivateKey
}

// Soft is a root of trust implemented in process. It serves the Engine
// contract directly and the firmware commands through HandleCommand.
type Soft struct {
	mu   sync.Mutex
	cfg  SoftConfig
	rand io.Reader
	keys map[CMK]*key
	next uint32

	fw firmwareState
}

var _ Engine = (*Soft)(nil)

// NewSoft returns a root of trust with the given provisioning.
func NewSoft(cfg SoftConfig) *Soft {
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Soft{cfg: cfg, rand: r, keys: map[CMK]*key{}}
}

func newHash(alg HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case SM3:
		return sm3.New(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, alg)
}

// Hash implements Engine.
func (s *Soft) Hash(alg HashAlgorithm, data []byte) ([]byte, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	h.Write(data)
	return h.Sum(nil), nil
}

type hashContext struct {
	h hash.Hash
}

func (c *hashContext) Update(p []byte) error {
	if c.h == nil {
		return fmt.Errorf("%w: hash context finalized", ErrInvalidArgument)
	}
	c.h.Write(p)
	return nil
}

func (c *hashContext) Final() ([]byte, error) {
	if c.h == nil {
		return nil, fmt.Errorf("%w: hash context finalized", ErrInvalidArgument)
	}
	d := c.h.Sum(nil)
	c.h = nil
	return d, nil
}

// NewHash implements Engine.
func (s *Soft) NewHash(alg HashAlgorithm) (HashContext, error) {
	h, err := newHash(alg)
	if err != nil {
		return nil, err
	}
	return &hashContext{h: h}, nil
}

// Random implements Engine.
func (s *Soft) Random(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rand, b); err != nil {
		return nil, err
	}
	return b, nil
}

// store files k under a fresh handle. s.mu must be held.
func (s *Soft) store(k *key) (CMK, error) {
	var h CMK
	s.next++
	binary.LittleEndian.PutUint32(h[0:], s.next)
	binary.LittleEndian.PutUint32(h[4:], uint32(k.usage))
	if _, err := io.ReadFull(s.rand, h[8:]); err != nil {
		return CMK{}, err
	}
	s.keys[h] = k
	return h, nil
}

// lookup resolves a handle and checks its usage. s.mu must be held.
func (s *Soft) lookup(h CMK, usages ...KeyUsage) (*key, error) {
	k, ok := s.keys[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, h)
	}
	if !slices.Contains(usages, k.usage) {
		return nil, fmt.Errorf("%w: %v is %v", ErrKeyUsage, h, k.usage)
	}
	return k, nil
}

// Keys returns the number of live handles.
func (s *Soft) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Import implements Engine.
func (s *Soft) Import(usage KeyUsage, material []byte) (CMK, error) {
	if usage == KeyUsageReserved || usage == KeyUsageECDH || len(material) == 0 {
		return CMK{}, fmt.Errorf("%w: import of %d bytes as %v", ErrInvalidArgument, len(material), usage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(&key{usage: usage, material: slices.Clone(material)})
}

// Delete implements Engine.
func (s *Soft) Delete(h CMK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[h]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownKey, h)
	}
	clear(k.material)
	delete(s.keys, h)
	return nil
}

// HMAC implements Engine.
func (s *Soft) HMAC(h CMK, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.lookup(h, KeyUsageHMAC)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha512.New384, k.material)
	m.Write(data)
	return m.Sum(nil), nil
}

// HKDFExtract implements Engine. The result is usable as an HKDF key.
func (s *Soft) HKDFExtract(salt, ikm CMK) (CMK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.lookup(salt, KeyUsageHMAC, KeyUsageHKDF)
	if err != nil {
		return CMK{}, fmt.Errorf("salt: %w", err)
	}
	ik, err := s.lookup(ikm, KeyUsageHMAC, KeyUsageHKDF)
	if err != nil {
		return CMK{}, fmt.Errorf("ikm: %w", err)
	}
	prk := hkdf.Extract(sha512.New384, ik.material, sk.material)
	return s.store(&key{usage: KeyUsageHKDF, material: prk})
}

// HKDFExpand implements Engine.
func (s *Soft) HKDFExpand(prk CMK, usage KeyUsage, size int, info []byte) (CMK, error) {
	if usage == KeyUsageReserved || usage == KeyUsageECDH || size <= 0 || size > 255*sha512.Size384 {
		return CMK{}, fmt.Errorf("%w: expand %d bytes as %v", ErrInvalidArgument, size, usage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.lookup(prk, KeyUsageHKDF)
	if err != nil {
		return CMK{}, err
	}
	okm, err := expand(k.material, info, size)
	if err != nil {
		return CMK{}, err
	}
	return s.store(&key{usage: usage, material: okm})
}

func expand(prk, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha512.New384, prk, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// ECDHGenerate implements Engine.
func (s *Soft) ECDHGenerate() (CMK, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, err := ecdh.P384().GenerateKey(s.rand)
	if err != nil {
		return CMK{}, nil, err
	}
	h, err := s.store(&key{usage: KeyUsageECDH, eph: priv})
	if err != nil {
		return CMK{}, nil, err
	}
	// Drop the uncompressed point prefix.
	return h, priv.PublicKey().Bytes()[1:], nil
}

// ECDHFinish implements Engine.
func (s *Soft) ECDHFinish(ephemeral CMK, usage KeyUsage, peer []byte) (CMK, error) {
	if len(peer) != ExchangeDataSize {
		return CMK{}, fmt.Errorf("%w: %d bytes of exchange data", ErrInvalidArgument, len(peer))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.lookup(ephemeral, KeyUsageECDH)
	if err != nil {
		return CMK{}, err
	}
	delete(s.keys, ephemeral)
	pub, err := ecdh.P384().NewPublicKey(append([]byte{4}, peer...))
	if err != nil {
		return CMK{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	secret, err := k.eph.ECDH(pub)
	if err != nil {
		return CMK{}, err
	}
	return s.store(&key{usage: usage, material: secret})
}

// BinConcat builds the HKDF info of the SPDM key schedule:
// length (LE16) || "spdmM.m " || label || context.
func BinConcat(length uint16, version uint8, label string, context []byte) []byte {
	b := binary.LittleEndian.AppendUint16(nil, length)
	b = fmt.Appendf(b, "spdm%d.%d ", version>>4, version&0xF)
	b = append(b, label...)
	return append(b, context...)
}

// Sizes of the AES-256-GCM key and IV of secured messages.
const (
	aeadKeySize = 32
	aeadIVSize  = 12
)

// aead derives the message key and nonce from a major secret. s.mu must
// be held.
func (s *Soft) aead(secret CMK, version uint8, seq uint64) (cipher.AEAD, []byte, error) {
	k, err := s.lookup(secret, KeyUsageHKDF)
	if err != nil {
		return nil, nil, err
	}
	ek, err := expand(k.material, BinConcat(aeadKeySize, version, "key", nil), aeadKeySize)
	if err != nil {
		return nil, nil, err
	}
	iv, err := expand(k.material, BinConcat(aeadIVSize, version, "iv", nil), aeadIVSize)
	if err != nil {
		return nil, nil, err
	}
	var seqLE [8]byte
	binary.LittleEndian.PutUint64(seqLE[:], seq)
	for i, b := range seqLE {
		iv[i] ^= b
	}
	block, err := aes.NewCipher(ek)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return gcm, iv, nil
}

// SPDMEncrypt implements Engine.
func (s *Soft) SPDMEncrypt(secret CMK, version uint8, seq uint64, aad, plaintext []byte) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gcm, nonce, err := s.aead(secret, version, seq)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	n := len(sealed) - AESTagSize
	return sealed[:n], sealed[n:], nil
}

// SPDMDecrypt implements Engine.
func (s *Soft) SPDMDecrypt(secret CMK, version uint8, seq uint64, aad, ciphertext, tag []byte) ([]byte, error) {
	if len(tag) != AESTagSize {
		return nil, fmt.Errorf("%w: %d byte tag", ErrInvalidArgument, len(tag))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gcm, nonce, err := s.aead(secret, version, seq)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, slices.Concat(ciphertext, tag), aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

func (s *Soft) slot(n uint8) (Slot, error) {
	sl, ok := s.cfg.Slots[n]
	if !ok || sl.Key == nil {
		return Slot{}, fmt.Errorf("%w: %d", ErrUnknownSlot, n)
	}
	return sl, nil
}

// SignHash implements Engine.
func (s *Soft) SignHash(slot uint8, digest []byte) ([]byte, error) {
	sl, err := s.slot(slot)
	if err != nil {
		return nil, err
	}
	if len(digest) != SHA384.Size() {
		return nil, fmt.Errorf("%w: %d byte digest", ErrInvalidArgument, len(digest))
	}
	return signDigest(sl.Key, digest)
}

// CertChain implements Engine.
func (s *Soft) CertChain(slot uint8) ([]byte, error) {
	sl, err := s.slot(slot)
	if err != nil {
		return nil, err
	}
	return slices.Concat(sl.Chain...), nil
}

// PublicKey returns the public key of a slot.
func (s *Soft) PublicKey(slot uint8) (*ecdsa.PublicKey, error) {
	sl, err := s.slot(slot)
	if err != nil {
		return nil, err
	}
	return &sl.Key.PublicKey, nil
}
