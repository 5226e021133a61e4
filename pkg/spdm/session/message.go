// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// Secured message errors.
var (
	ErrShortMessage       = errors.New("secured message too short")
	ErrSessionMismatch    = errors.New("secured message for another session")
	ErrDecrypt            = errors.New("secured message does not authenticate")
	ErrSequenceExhausted  = errors.New("sequence number exhausted")
	ErrApplicationDataLen = errors.New("application data length out of range")
)

// Secured message layout for transports without sequence number bytes:
//
//	SessionID  u32
//	Length     u16   ciphertext and tag
//	Ciphertext       AppDataLength u16 || AppData
//	Tag        [16]
const (
	// AADLen is the size of the cleartext header, the AEAD associated
	// data.
	AADLen = 6
	// Overhead is what sealing adds to the application data.
	Overhead = AADLen + 2 + coprocessor.AESTagSize
)

// PeekID returns the session id of a secured message.
func PeekID(msg []byte) (uint32, error) {
	if len(msg) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(msg))
	}
	return binary.LittleEndian.Uint32(msg), nil
}

func (s *Session) next(p Phase, d Direction) (uint64, error) {
	seq := s.seq[p][d]
	if seq == math.MaxUint64 {
		return 0, fmt.Errorf("%w: %v %v", ErrSequenceExhausted, d, p)
	}
	return seq, nil
}

// Seal wraps appData sent in direction d with the secrets of the current
// phase and advances the sequence number.
func (s *Session) Seal(d Direction, appData []byte) ([]byte, error) {
	p, err := s.Phase()
	if err != nil {
		return nil, err
	}
	seq, err := s.next(p, d)
	if err != nil {
		return nil, err
	}
	if len(appData) > math.MaxUint16-2-coprocessor.AESTagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrApplicationDataLen, len(appData))
	}

	pt := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(appData)), uint16(len(appData)))
	pt = append(pt, appData...)

	l := uio.NewLittleEndianBuffer(make([]byte, 0, len(pt)+Overhead))
	l.Write32(s.ID)
	l.Write16(uint16(len(pt) + coprocessor.AESTagSize))
	aad := append([]byte(nil), l.Data()...)

	ct, tag, err := s.Keys.Seal(p, d, seq, aad, pt)
	if err != nil {
		return nil, fmt.Errorf("seal %v: %w", d, err)
	}
	s.seq[p][d]++
	l.WriteBytes(ct)
	l.WriteBytes(tag)
	return l.Data(), nil
}

// Open authenticates and unwraps a secured message sent in direction d.
// The sequence number advances only when the message authenticates.
func (s *Session) Open(d Direction, msg []byte) ([]byte, error) {
	p, err := s.Phase()
	if err != nil {
		return nil, err
	}
	seq, err := s.next(p, d)
	if err != nil {
		return nil, err
	}

	l := uio.NewLittleEndianBuffer(msg)
	id := l.Read32()
	n := int(l.Read16())
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortMessage, err)
	}
	if id != s.ID {
		return nil, fmt.Errorf("%w: 0x%08x", ErrSessionMismatch, id)
	}
	if n < 2+coprocessor.AESTagSize || l.Len() < n {
		return nil, fmt.Errorf("%w: length %d with %d bytes", ErrShortMessage, n, l.Len())
	}
	body := l.Consume(n)
	ct, tag := body[:n-coprocessor.AESTagSize], body[n-coprocessor.AESTagSize:]

	pt, err := s.Keys.Open(p, d, seq, msg[:AADLen], ct, tag)
	if errors.Is(err, coprocessor.ErrAuthentication) {
		return nil, fmt.Errorf("%w: %v sequence %d", ErrDecrypt, d, seq)
	}
	if err != nil {
		return nil, err
	}
	s.seq[p][d]++

	appLen := int(binary.LittleEndian.Uint16(pt))
	if appLen > len(pt)-2 {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrApplicationDataLen, appLen, len(pt)-2)
	}
	return pt[2 : 2+appLen], nil
}
