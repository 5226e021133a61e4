// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"encoding/binary"
	"fmt"

	"github.com/u-root/uio/uio"
)

// CommandID is a mailbox command. Ids are four ASCII characters read as a
// big-endian word.
type CommandID uint32

// Mailbox commands used by the firmware update path.
const (
	CmdFirmwareLoad       CommandID = 0x46574C44 // "FWLD"
	CmdFirmwareVerify     CommandID = 0x46575652 // "FWVR"
	CmdFwInfo             CommandID = 0x494E464F // "INFO"
	CmdSetAuthManifest    CommandID = 0x41544D4E // "ATMN"
	CmdVerifyAuthManifest CommandID = 0x4154564D // "ATVM"
	CmdGetImageInfo       CommandID = 0x494D4749 // "IMGI"
	CmdActivateFirmware   CommandID = 0x41435446 // "ACTF"
)

func (c CommandID) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(c))
	for _, v := range b {
		if v < 0x20 || v > 0x7E {
			return fmt.Sprintf("0x%08x", uint32(c))
		}
	}
	return string(b[:])
}

// Header sizes.
const (
	RequestHeaderLen  = 4
	ResponseHeaderLen = 8
)

// Verification results returned by FIRMWARE_VERIFY.
const (
	VerifySuccess uint32 = 0xDEADC0DE
	VerifyFailure uint32 = 0x21523F21
)

// FIPSApproved is the FIPS status of a response produced in approved mode.
const FIPSApproved = 0

// ImageInfo answers GET_IMAGE_INFO.
type ImageInfo struct {
	FirmwareID uint32
	// StagingAddress is where the image must be copied before activation.
	StagingAddress uint64
	MaxSize        uint32
}

// Marshal encodes the response body.
func (i *ImageInfo) Marshal(l *uio.Lexer) {
	l.Write32(i.FirmwareID)
	l.Write32(uint32(i.StagingAddress >> 32))
	l.Write32(uint32(i.StagingAddress))
	l.Write32(i.MaxSize)
}

// Unmarshal decodes the response body.
func (i *ImageInfo) Unmarshal(l *uio.Lexer) error {
	i.FirmwareID = l.Read32()
	hi := l.Read32()
	lo := l.Read32()
	i.StagingAddress = uint64(hi)<<32 | uint64(lo)
	i.MaxSize = l.Read32()
	return l.Error()
}

// FwInfo answers FW_INFO once the coprocessor runtime is up.
type FwInfo struct {
	SVN            uint32
	RuntimeVersion uint32
	// BundleDigest is the SHA-384 of the running firmware bundle.
	BundleDigest [48]byte
}

// Marshal encodes the response body.
func (f *FwInfo) Marshal(l *uio.Lexer) {
	l.Write32(f.SVN)
	l.Write32(f.RuntimeVersion)
	l.WriteBytes(f.BundleDigest[:])
}

// Unmarshal decodes the response body.
func (f *FwInfo) Unmarshal(l *uio.Lexer) error {
	f.SVN = l.Read32()
	f.RuntimeVersion = l.Read32()
	l.ReadBytes(f.BundleDigest[:])
	return l.Error()
}

// ActivateRequest is the body of ACTIVATE_FIRMWARE.
type ActivateRequest struct {
	FirmwareIDs []uint32
	// MCUImageSize is the size of the MCU runtime copied to staging.
	MCUImageSize uint32
}

// MaxActivateIDs bounds the firmware ids of one activation.
const MaxActivateIDs = 128

// Marshal encodes the request body.
func (a *ActivateRequest) Marshal(l *uio.Lexer) {
	l.Write32(uint32(len(a.FirmwareIDs)))
	for _, id := range a.FirmwareIDs {
		l.Write32(id)
	}
	l.Write32(a.MCUImageSize)
}

// Unmarshal decodes the request body.
func (a *ActivateRequest) Unmarshal(l *uio.Lexer) error {
	n := l.Read32()
	if n > MaxActivateIDs {
		return fmt.Errorf("%w: %d firmware ids", ErrInvalidArgument, n)
	}
	a.FirmwareIDs = make([]uint32, n)
	for i := range a.FirmwareIDs {
		a.FirmwareIDs[i] = l.Read32()
	}
	a.MCUImageSize = l.Read32()
	return l.Error()
}

// body is what the command structures above have in common.
type body interface {
	Marshal(l *uio.Lexer)
	Unmarshal(l *uio.Lexer) error
}

func encodeBody(b body) []byte {
	l := uio.NewLittleEndianBuffer(nil)
	b.Marshal(l)
	return l.Data()
}

func decodeBody(data []byte, b body) error {
	l := uio.NewLittleEndianBuffer(data)
	if err := b.Unmarshal(l); err != nil {
		return err
	}
	return l.FinError()
}

// word is a single little-endian u32 body.
type word uint32

func (w *word) Marshal(l *uio.Lexer) { l.Write32(uint32(*w)) }

func (w *word) Unmarshal(l *uio.Lexer) error {
	*w = word(l.Read32())
	return l.Error()
}
