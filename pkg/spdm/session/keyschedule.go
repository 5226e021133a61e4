// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// ErrSecretNotFound is returned when a key is used before the step of the
// schedule producing it ran.
var ErrSecretNotFound = errors.New("session secret not derived yet")

// Direction is the sender of a secured message.
type Direction uint8

// Directions.
const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Request {
		return "request"
	}
	return "response"
}

// Phase selects the handshake or the application data secrets.
type Phase uint8

// Phases.
const (
	PhaseHandshake Phase = iota
	PhaseData
)

func (p Phase) String() string {
	if p == PhaseHandshake {
		return "handshake"
	}
	return "data"
}

// Labels of the bin_str values fed to HKDF-Expand.
const (
	labelDerived    = "derived"
	labelReqHSData  = "req hs data"
	labelRspHSData  = "rsp hs data"
	labelReqAppData = "req app data"
	labelRspAppData = "rsp app data"
	labelFinished   = "finished"
	labelExpMaster  = "exp master"
	labelTrafficUpd = "traffic upd"
)

// KeySchedule derives the secrets of one session inside the coprocessor.
// Every secret is held as a handle; the schedule itself never sees key
// material.
//
//	Handshake-Secret = HKDF-Extract(0, DHE secret)
//	{req,rsp}_hs     = HKDF-Expand(Handshake-Secret, bin_str(TH1))
//	finished keys    = HKDF-Expand({req,rsp}_hs, "finished")
//	Master-Secret    = HKDF-Extract(HKDF-Expand(Handshake-Secret, "derived"), 0)
//	{req,rsp}_data   = HKDF-Expand(Master-Secret, bin_str(TH2))
type KeySchedule struct {
	eng     coprocessor.Engine
	version uint8

	dhe       *coprocessor.CMK
	handshake *coprocessor.CMK
	master    *coprocessor.CMK
	export    *coprocessor.CMK
	finished  [2]*coprocessor.CMK
	// secrets is indexed by phase, then direction.
	secrets [2][2]*coprocessor.CMK
}

// NewKeySchedule returns an empty schedule for the given SPDM version
// byte, 0x12 for 1.2.
func NewKeySchedule(eng coprocessor.Engine, version uint8) *KeySchedule {
	return &KeySchedule{eng: eng, version: version}
}

// Version returns the SPDM version bound into the bin_str labels.
func (k *KeySchedule) Version() uint8 {
	return k.version
}

// SetDHESecret hands the ECDH shared secret to the schedule, which owns
// it from now on.
func (k *KeySchedule) SetDHESecret(secret coprocessor.CMK) {
	k.dhe = &secret
}

func (k *KeySchedule) binStr(label string, context []byte) []byte {
	return coprocessor.BinConcat(coprocessor.SecretSize, k.version, label, context)
}

func (k *KeySchedule) expand(prk *coprocessor.CMK, usage coprocessor.KeyUsage, label string, context []byte) (*coprocessor.CMK, error) {
	h, err := k.eng.HKDFExpand(*prk, usage, coprocessor.SecretSize, k.binStr(label, context))
	if err != nil {
		return nil, fmt.Errorf("expand %q: %w", label, err)
	}
	return &h, nil
}

func (k *KeySchedule) zeroes() (coprocessor.CMK, error) {
	return k.eng.Import(coprocessor.KeyUsageHMAC, make([]byte, coprocessor.SecretSize))
}

// GenerateHandshakeKeys derives the handshake secrets and finished keys
// from TH1, the transcript hash at the end of KEY_EXCHANGE_RSP.
func (k *KeySchedule) GenerateHandshakeKeys(th1 []byte) error {
	if k.dhe == nil {
		return fmt.Errorf("%w: DHE secret", ErrSecretNotFound)
	}
	salt, err := k.zeroes()
	if err != nil {
		return err
	}
	hs, err := k.eng.HKDFExtract(salt, *k.dhe)
	if derr := k.eng.Delete(salt); err == nil {
		err = derr
	}
	if err != nil {
		return fmt.Errorf("handshake secret: %w", err)
	}
	k.handshake = &hs

	for d, label := range [2]string{labelReqHSData, labelRspHSData} {
		s, err := k.expand(k.handshake, coprocessor.KeyUsageHKDF, label, th1)
		if err != nil {
			return err
		}
		k.secrets[PhaseHandshake][d] = s
		if k.finished[d], err = k.expand(s, coprocessor.KeyUsageHMAC, labelFinished, nil); err != nil {
			return err
		}
	}
	return nil
}

// GenerateDataKeys derives the application secrets and the export master
// secret from TH2, the transcript hash at the end of FINISH_RSP.
func (k *KeySchedule) GenerateDataKeys(th2 []byte) error {
	if k.handshake == nil {
		return fmt.Errorf("%w: handshake secret", ErrSecretNotFound)
	}
	salt, err := k.expand(k.handshake, coprocessor.KeyUsageHMAC, labelDerived, nil)
	if err != nil {
		return err
	}
	ikm, err := k.zeroes()
	if err != nil {
		return err
	}
	ms, err := k.eng.HKDFExtract(*salt, ikm)
	var result *multierror.Error
	result = multierror.Append(result, err, k.eng.Delete(*salt), k.eng.Delete(ikm))
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("master secret: %w", err)
	}
	k.master = &ms

	for d, label := range [2]string{labelReqAppData, labelRspAppData} {
		if k.secrets[PhaseData][d], err = k.expand(k.master, coprocessor.KeyUsageHKDF, label, th2); err != nil {
			return err
		}
	}
	k.export, err = k.expand(k.master, coprocessor.KeyUsageHKDF, labelExpMaster, th2)
	return err
}

// UpdateKey replaces the data secret of direction d with its successor,
// HKDF-Expand(secret, "traffic upd").
func (k *KeySchedule) UpdateKey(d Direction) error {
	old := k.secrets[PhaseData][d]
	if old == nil {
		return fmt.Errorf("%w: %v data secret", ErrSecretNotFound, d)
	}
	next, err := k.expand(old, coprocessor.KeyUsageHKDF, labelTrafficUpd, nil)
	if err != nil {
		return err
	}
	k.secrets[PhaseData][d] = next
	return k.eng.Delete(*old)
}

// VerifyData computes the HMAC of a transcript hash under the finished key
// of direction d.
func (k *KeySchedule) VerifyData(d Direction, th []byte) ([]byte, error) {
	fk := k.finished[d]
	if fk == nil {
		return nil, fmt.Errorf("%w: %v finished key", ErrSecretNotFound, d)
	}
	return k.eng.HMAC(*fk, th)
}

// ExportMasterSecret returns the handle of the export master secret.
func (k *KeySchedule) ExportMasterSecret() (coprocessor.CMK, error) {
	if k.export == nil {
		return coprocessor.CMK{}, fmt.Errorf("%w: export master secret", ErrSecretNotFound)
	}
	return *k.export, nil
}

func (k *KeySchedule) secret(p Phase, d Direction) (coprocessor.CMK, error) {
	s := k.secrets[p][d]
	if s == nil {
		return coprocessor.CMK{}, fmt.Errorf("%w: %v %v secret", ErrSecretNotFound, d, p)
	}
	return *s, nil
}

// Seal encrypts a secured message body under the major secret of (p, d)
// with the given sequence number.
func (k *KeySchedule) Seal(p Phase, d Direction, seq uint64, aad, plaintext []byte) ([]byte, []byte, error) {
	s, err := k.secret(p, d)
	if err != nil {
		return nil, nil, err
	}
	return k.eng.SPDMEncrypt(s, k.version, seq, aad, plaintext)
}

// Open is the inverse of Seal.
func (k *KeySchedule) Open(p Phase, d Direction, seq uint64, aad, ciphertext, tag []byte) ([]byte, error) {
	s, err := k.secret(p, d)
	if err != nil {
		return nil, err
	}
	return k.eng.SPDMDecrypt(s, k.version, seq, aad, ciphertext, tag)
}

// Close deletes every handle the schedule holds.
func (k *KeySchedule) Close() error {
	var result *multierror.Error
	del := func(h **coprocessor.CMK) {
		if *h != nil {
			result = multierror.Append(result, k.eng.Delete(**h))
			*h = nil
		}
	}
	del(&k.dhe)
	del(&k.handshake)
	del(&k.master)
	del(&k.export)
	for d := range k.finished {
		del(&k.finished[d])
	}
	for p := range k.secrets {
		for d := range k.secrets[p] {
			del(&k.secrets[p][d])
		}
	}
	return result.ErrorOrNil()
}
