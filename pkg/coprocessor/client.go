// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/periph/mailbox"
)

// Client errors.
var (
	ErrBusy       = errors.New("mailbox busy")
	ErrPending    = errors.New("command still executing")
	ErrResponse   = errors.New("malformed response")
	ErrFIPSStatus = errors.New("response not produced in approved mode")
)

// PayloadStream feeds a large request body to the mailbox without holding
// it in memory.
type PayloadStream interface {
	io.Reader
	// Size is the total number of bytes the stream yields.
	Size() int
	// ByteSum sums every byte of the stream and leaves it rewound.
	ByteSum() (uint32, error)
}

// BytesPayload is a PayloadStream over an in-memory buffer.
type BytesPayload struct {
	*bytes.Reader
}

// NewBytesPayload returns a stream over b.
func NewBytesPayload(b []byte) BytesPayload {
	return BytesPayload{bytes.NewReader(b)}
}

// ByteSum implements PayloadStream.
func (p BytesPayload) ByteSum() (uint32, error) {
	if _, err := p.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	var sum uint32
	for {
		b, err := p.ReadByte()
		if err == io.EOF {
			break
		}
		sum += uint32(b)
	}
	_, err := p.Seek(0, io.SeekStart)
	return sum, err
}

// Size implements PayloadStream.
func (p BytesPayload) Size() int {
	return int(p.Reader.Size())
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// RetryInterval and MaxRetries pace lock attempts while another agent
	// holds the mailbox.
	RetryInterval time.Duration
	MaxRetries    int
	// PollInterval and MaxPolls pace CMD_STATUS polls.
	PollInterval time.Duration
	MaxPolls     int
	// Wait runs before every status poll. A simulated coprocessor uses it
	// to make progress.
	Wait func()
	// ChunkSize is the size of the reads from a PayloadStream.
	ChunkSize int
}

// DefaultClientConfig returns the settings used on hardware.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryInterval: time.Millisecond,
		MaxRetries:    1000,
		PollInterval:  100 * time.Microsecond,
		MaxPolls:      100000,
		ChunkSize:     256,
	}
}

// Client issues mailbox commands to the coprocessor as the MCU.
type Client struct {
	mu   sync.Mutex
	port *mailbox.Port
	cfg  ClientConfig
}

// NewClient returns a client of mb.
func NewClient(mb *mailbox.Mailbox, cfg ClientConfig) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 256
	}
	return &Client{port: mb.Port(mailbox.RequesterMCU), cfg: cfg}
}

func (c *Client) retries(ctx context.Context, d time.Duration, n int) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(d), uint64(n)), ctx)
}

// sramWriter packs a byte stream into mailbox SRAM words.
type sramWriter struct {
	port *mailbox.Port
	idx  int
	buf  [4]byte
	n    int
}

func (w *sramWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		w.buf[w.n] = b
		w.n++
		if w.n == len(w.buf) {
			if err := w.flush(); err != nil {
				return i, err
			}
		}
	}
	return len(p), nil
}

func (w *sramWriter) flush() error {
	err := w.port.WriteSRAM(w.idx, binary.LittleEndian.Uint32(w.buf[:]))
	w.idx++
	w.n = 0
	w.buf = [4]byte{}
	return err
}

func (w *sramWriter) Close() error {
	if w.n == 0 {
		return nil
	}
	return w.flush()
}

// Execute runs one command: req is written first, followed by payload when
// it is not nil. A locked mailbox is retried; every other failure is
// returned. The result is the response body without its header.
func (c *Client) Execute(ctx context.Context, cmd CommandID, req []byte, payload PayloadStream) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := backoff.Retry(func() error {
		if c.port.ReadLock() != 0 {
			return ErrBusy
		}
		return nil
	}, c.retries(ctx, c.cfg.RetryInterval, c.cfg.MaxRetries))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", cmd, err)
	}
	defer func() {
		// Releasing the lock zeroizes the session.
		if err := c.port.WriteExecute(0); err != nil {
			log.Errorf("coprocessor: releasing mailbox after %v: %v", cmd, err)
		}
	}()

	resp, err := c.execute(ctx, cmd, req, payload)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", cmd, err)
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, cmd CommandID, req []byte, payload PayloadStream) ([]byte, error) {
	size := len(req)
	if payload != nil {
		size += payload.Size()
	}
	if err := c.port.WriteCmd(uint32(cmd)); err != nil {
		return nil, err
	}
	if err := c.port.WriteDlen(uint32(size)); err != nil {
		return nil, err
	}
	w := &sramWriter{port: c.port}
	if _, err := w.Write(req); err != nil {
		return nil, err
	}
	if payload != nil {
		n, err := io.CopyBuffer(w, io.LimitReader(payload, int64(payload.Size())), make([]byte, c.cfg.ChunkSize))
		if err != nil {
			return nil, fmt.Errorf("stream payload: %w", err)
		}
		if int(n) != payload.Size() {
			return nil, fmt.Errorf("stream payload: %d of %d bytes", n, payload.Size())
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := c.port.WriteExecute(mailbox.ExecuteBit); err != nil {
		return nil, err
	}

	var st mailbox.CmdStatus
	err := backoff.Retry(func() error {
		if c.cfg.Wait != nil {
			c.cfg.Wait()
		}
		if st = c.port.ReadCmdStatus(); st == mailbox.CmdBusy {
			return ErrPending
		}
		return nil
	}, c.retries(ctx, c.cfg.PollInterval, c.cfg.MaxPolls))
	if err != nil {
		return nil, err
	}

	data, err := c.port.ReadData(int(c.port.ReadDlen()))
	if err != nil {
		return nil, err
	}
	switch st {
	case mailbox.CmdFailure:
		if len(data) < 4 {
			return nil, &CommandError{Cmd: cmd, Code: CodeInternal}
		}
		return nil, &CommandError{Cmd: cmd, Code: binary.LittleEndian.Uint32(data)}
	case mailbox.CmdComplete, mailbox.CmdDataReady:
	default:
		return nil, fmt.Errorf("%w: CMD_STATUS %d", ErrResponse, st)
	}
	if len(data) < ResponseHeaderLen || !VerifyChecksum(0, data) {
		return nil, fmt.Errorf("%w: bad header or checksum", ErrResponse)
	}
	if fips := binary.LittleEndian.Uint32(data[4:]); fips != FIPSApproved {
		return nil, fmt.Errorf("%w: 0x%x", ErrFIPSStatus, fips)
	}
	return data[ResponseHeaderLen:], nil
}

// call stamps the checksum over body and payload and executes cmd.
func (c *Client) call(ctx context.Context, cmd CommandID, body []byte, payload PayloadStream) ([]byte, error) {
	sum := ByteSum(body)
	if payload != nil {
		ps, err := payload.ByteSum()
		if err != nil {
			return nil, fmt.Errorf("%v: payload checksum: %w", cmd, err)
		}
		sum += ps
	}
	req := binary.LittleEndian.AppendUint32(nil, ChecksumFromSum(cmd, sum))
	return c.Execute(ctx, cmd, append(req, body...), payload)
}

// FirmwareVerify asks the coprocessor to authenticate a firmware bundle.
func (c *Client) FirmwareVerify(ctx context.Context, bundle PayloadStream) (bool, error) {
	resp, err := c.call(ctx, CmdFirmwareVerify, nil, bundle)
	if err != nil {
		return false, err
	}
	var res word
	if err := decodeBody(resp, &res); err != nil {
		return false, fmt.Errorf("%v: %w: %v", CmdFirmwareVerify, ErrResponse, err)
	}
	return uint32(res) == VerifySuccess, nil
}

// FirmwareLoad hands a new bundle to the coprocessor, which restarts into
// it. See WaitReady.
func (c *Client) FirmwareLoad(ctx context.Context, bundle PayloadStream) error {
	_, err := c.Execute(ctx, CmdFirmwareLoad, nil, bundle)
	return err
}

// FwInfo queries the running firmware.
func (c *Client) FwInfo(ctx context.Context) (*FwInfo, error) {
	resp, err := c.call(ctx, CmdFwInfo, nil, nil)
	if err != nil {
		return nil, err
	}
	var info FwInfo
	if err := decodeBody(resp, &info); err != nil {
		return nil, fmt.Errorf("%v: %w: %v", CmdFwInfo, ErrResponse, err)
	}
	return &info, nil
}

// WaitReady polls FW_INFO until the runtime answers.
func (c *Client) WaitReady(ctx context.Context) (*FwInfo, error) {
	var info *FwInfo
	err := backoff.Retry(func() error {
		var err error
		info, err = c.FwInfo(ctx)
		if errors.Is(err, ErrNotReady) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, c.retries(ctx, c.cfg.PollInterval, c.cfg.MaxPolls))
	return info, err
}

func (c *Client) manifestCommand(ctx context.Context, cmd CommandID, manifest PayloadStream) error {
	size := word(manifest.Size())
	_, err := c.call(ctx, cmd, encodeBody(&size), manifest)
	return err
}

// VerifyAuthManifest checks a SoC authorization manifest without
// installing it.
func (c *Client) VerifyAuthManifest(ctx context.Context, manifest PayloadStream) error {
	return c.manifestCommand(ctx, CmdVerifyAuthManifest, manifest)
}

// SetAuthManifest verifies and installs a SoC authorization manifest.
func (c *Client) SetAuthManifest(ctx context.Context, manifest PayloadStream) error {
	return c.manifestCommand(ctx, CmdSetAuthManifest, manifest)
}

// GetImageInfo returns where the image with the given firmware id is
// staged before activation.
func (c *Client) GetImageInfo(ctx context.Context, id uint32) (*ImageInfo, error) {
	w := word(id)
	resp, err := c.call(ctx, CmdGetImageInfo, encodeBody(&w), nil)
	if err != nil {
		return nil, err
	}
	var info ImageInfo
	if err := decodeBody(resp, &info); err != nil {
		return nil, fmt.Errorf("%v: %w: %v", CmdGetImageInfo, ErrResponse, err)
	}
	return &info, nil
}

// ActivateFirmware activates staged images.
func (c *Client) ActivateFirmware(ctx context.Context, req *ActivateRequest) error {
	_, err := c.call(ctx, CmdActivateFirmware, encodeBody(req), nil)
	return err
}
