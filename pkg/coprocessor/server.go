// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"encoding/binary"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/periph/mailbox"
)

// CommandHandler answers firmware commands; Soft is one.
type CommandHandler interface {
	HandleCommand(cmd CommandID, req []byte) ([]byte, error)
}

// RequesterCoprocessor is the mailbox identity of the coprocessor.
const RequesterCoprocessor mailbox.Requester = 0x1

// Server is the receiving end of the coprocessor mailbox.
type Server struct {
	port *mailbox.Port
	h    CommandHandler
}

// NewServer serves commands posted to mb with h.
func NewServer(mb *mailbox.Mailbox, h CommandHandler) *Server {
	return &Server{port: mb.Port(RequesterCoprocessor), h: h}
}

// Serve answers the command pending in the mailbox, if any, and reports
// whether it did.
func (s *Server) Serve() (bool, error) {
	if s.port.ReadExecute()&mailbox.ExecuteBit == 0 || s.port.ReadCmdStatus() != mailbox.CmdBusy {
		return false, nil
	}
	cmd := CommandID(s.port.ReadCmd())
	req, err := s.port.ReadData(int(s.port.ReadDlen()))
	if err != nil {
		return true, s.fail(cmd, err)
	}
	// FIRMWARE_LOAD carries the raw bundle.
	if cmd != CmdFirmwareLoad {
		if !VerifyChecksum(cmd, req) {
			return true, s.fail(cmd, ErrChecksum)
		}
		req = req[RequestHeaderLen:]
	}
	body, err := s.h.HandleCommand(cmd, req)
	if err != nil {
		return true, s.fail(cmd, err)
	}
	resp := make([]byte, ResponseHeaderLen, ResponseHeaderLen+len(body))
	binary.LittleEndian.PutUint32(resp[4:], FIPSApproved)
	resp = append(resp, body...)
	binary.LittleEndian.PutUint32(resp, Checksum(0, resp[4:]))

	if err := s.port.WriteData(resp); err != nil {
		return true, err
	}
	if err := s.port.WriteDlen(uint32(len(resp))); err != nil {
		return true, err
	}
	return true, s.port.WriteCmdStatus(mailbox.CmdDataReady)
}

func (s *Server) fail(cmd CommandID, cause error) error {
	code := ErrorCode(cause)
	log.Warnf("coprocessor: %v: %v (code 0x%04x)", cmd, cause, code)
	if err := s.port.WriteData(binary.LittleEndian.AppendUint32(nil, code)); err != nil {
		return err
	}
	if err := s.port.WriteDlen(4); err != nil {
		return err
	}
	if err := s.port.WriteCmdStatus(mailbox.CmdFailure); err != nil {
		return err
	}
	return fmt.Errorf("%v: %w", cmd, cause)
}
