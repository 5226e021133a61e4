// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/log"
)

// Firmware command failures. Each maps to a code reported through the
// mailbox, see ErrorCode.
var (
	ErrChecksum       = errors.New("request checksum mismatch")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotReady       = errors.New("runtime not ready")
	ErrNoManifest     = errors.New("no authorization manifest installed")
	ErrNotAuthorized  = errors.New("firmware id not authorized by the manifest")
	ErrDigest         = errors.New("image digest does not match the manifest")
)

// Failure codes carried in the mailbox when CMD_STATUS is Failure.
const (
	CodeInternal       uint32 = 0x0001
	CodeChecksum       uint32 = 0x0002
	CodeInvalid        uint32 = 0x0003
	CodeSignature      uint32 = 0x0004
	CodeUnknownCommand uint32 = 0x0005
	CodeNotReady       uint32 = 0x0006
	CodeNotAuthorized  uint32 = 0x0007
	CodeDigest         uint32 = 0x0008
)

var codeErrors = []struct {
	code uint32
	err  error
}{
	{CodeChecksum, ErrChecksum},
	{CodeInvalid, ErrInvalidArgument},
	{CodeSignature, ErrSignature},
	{CodeUnknownCommand, ErrUnknownCommand},
	{CodeNotReady, ErrNotReady},
	{CodeNotAuthorized, ErrNotAuthorized},
	{CodeNotAuthorized, ErrNoManifest},
	{CodeDigest, ErrDigest},
	{CodeInvalid, ErrBadMagic},
	{CodeInvalid, ErrTruncated},
}

// ErrorCode maps a command failure to its mailbox code.
func ErrorCode(err error) uint32 {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// CommandError is a failure reported by the coprocessor.
type CommandError struct {
	Cmd  CommandID
	Code uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%v failed with code 0x%04x", e.Cmd, e.Code)
}

// Is matches the sentinel error the code stands for.
func (e *CommandError) Is(target error) bool {
	for _, ce := range codeErrors {
		if ce.code == e.Code && ce.err == target {
			return true
		}
	}
	return false
}

type firmwareState struct {
	running   *Bundle
	booting   int
	manifest  *AuthManifest
	activated []uint32
}

// Activated returns the firmware ids activated so far, in order.
func (s *Soft) Activated() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.fw.activated...)
}

// Manifest returns the installed authorization manifest, if any.
func (s *Soft) Manifest() *AuthManifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fw.manifest
}

// HandleCommand answers a firmware command. req is the request without
// its checksum header and the result is the response body without its
// header.
func (s *Soft) HandleCommand(cmd CommandID, req []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Debugf("coprocessor: %v with %d bytes", cmd, len(req))
	switch cmd {
	case CmdFirmwareVerify:
		res := word(VerifySuccess)
		if _, err := s.verifyBundle(req); err != nil {
			log.Warnf("coprocessor: bundle verification: %v", err)
			res = word(VerifyFailure)
		}
		return encodeBody(&res), nil

	case CmdFirmwareLoad:
		b, err := s.verifyBundle(req)
		if err != nil {
			return nil, err
		}
		s.fw.running = b
		s.fw.booting = s.cfg.BootPolls
		log.Infof("coprocessor: loaded bundle SVN %d", b.SVN)
		return nil, nil

	case CmdFwInfo:
		if s.fw.booting > 0 {
			s.fw.booting--
			return nil, ErrNotReady
		}
		info := FwInfo{RuntimeVersion: 1}
		if s.fw.running != nil {
			info.SVN = s.fw.running.SVN
			info.BundleDigest = s.fw.running.Digest()
		}
		return encodeBody(&info), nil

	case CmdVerifyAuthManifest, CmdSetAuthManifest:
		m, err := s.verifyManifest(req)
		if err != nil {
			return nil, err
		}
		if cmd == CmdSetAuthManifest {
			s.fw.manifest = m
			log.Infof("coprocessor: installed manifest with %d entries", len(m.Entries))
		}
		return nil, nil

	case CmdGetImageInfo:
		var id word
		if err := decodeBody(req, &id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		area, ok := s.cfg.Staging[uint32(id)]
		if !ok {
			return nil, fmt.Errorf("%w: no staging area for firmware id %d", ErrNotAuthorized, id)
		}
		info := ImageInfo{FirmwareID: uint32(id), StagingAddress: area.Address, MaxSize: area.Size}
		return encodeBody(&info), nil

	case CmdActivateFirmware:
		var a ActivateRequest
		if err := decodeBody(req, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return nil, s.activate(&a)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownCommand, cmd)
}

func (s *Soft) verifyBundle(b []byte) (*Bundle, error) {
	bundle, err := ParseBundle(b)
	if err != nil {
		return nil, err
	}
	if err := bundle.Verify(s.cfg.VendorKey); err != nil {
		return nil, err
	}
	return bundle, nil
}

// verifyManifest checks a manifest request: its size word followed by the
// signed manifest.
func (s *Soft) verifyManifest(req []byte) (*AuthManifest, error) {
	l := uio.NewLittleEndianBuffer(req)
	n := l.Read32()
	if err := l.Error(); err != nil || int(n) != l.Len() {
		return nil, fmt.Errorf("%w: manifest size %d with %d bytes", ErrInvalidArgument, n, len(req))
	}
	m, err := ParseAuthManifest(req[4:])
	if err != nil {
		return nil, err
	}
	if err := m.Verify(s.cfg.VendorKey); err != nil {
		return nil, err
	}
	return m, nil
}

// activate checks every id against the manifest and, for images staged in
// memory, the staged digest.
func (s *Soft) activate(a *ActivateRequest) error {
	if s.fw.manifest == nil {
		return ErrNoManifest
	}
	for _, id := range a.FirmwareIDs {
		e, ok := s.fw.manifest.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotAuthorized, id)
		}
		area, ok := s.cfg.Staging[id]
		if !ok {
			continue
		}
		if a.MCUImageSize > area.Size {
			return fmt.Errorf("%w: image of %d bytes in a %d byte staging area", ErrInvalidArgument, a.MCUImageSize, area.Size)
		}
		h := sha512.New384()
		if _, err := io.Copy(h, io.NewSectionReader(area.Memory, 0, int64(a.MCUImageSize))); err != nil {
			return fmt.Errorf("read staging area: %w", err)
		}
		if [48]byte(h.Sum(nil)) != e.Digest {
			return fmt.Errorf("%w: firmware id %d", ErrDigest, id)
		}
	}
	s.fw.activated = append(s.fw.activated, a.FirmwareIDs...)
	log.Infof("coprocessor: activated firmware ids %v", a.FirmwareIDs)
	return nil
}
