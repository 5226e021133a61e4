// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fd

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// Progress returns the next request the device has to send to the update
// agent, or nil when there is nothing to send yet. An outstanding request
// that got no answer within T2 is returned again with its original
// instance id.
func (d *Device) Progress() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initiator() {
		return nil, nil
	}
	now := d.ops.Now()
	switch d.req.state {
	case ReqReady:
	case ReqSent:
		return d.replay(now), nil
	default:
		return nil, nil
	}

	switch d.state {
	case fwupdate.StateDownload:
		if d.req.complete {
			return d.send(now, fwupdate.CmdTransferComplete,
				&fwupdate.TransferCompleteRequest{Result: fwupdate.TransferResult(d.req.result)}), nil
		}
		off, n, err := d.ops.DownloadOffsetAndLength(d.component)
		if err != nil {
			return nil, fmt.Errorf("download range: %w", err)
		}
		off, n, err = d.chunk(off, n)
		if err != nil {
			return nil, err
		}
		msg := d.send(now, fwupdate.CmdRequestFirmwareData, &fwupdate.RequestFirmwareDataRequest{Offset: off, Length: n})
		d.req.offset, d.req.length = off, n
		return msg, nil

	case fwupdate.StateVerify:
		res, progress, err := d.ops.Verify(d.component)
		if err != nil {
			return nil, fmt.Errorf("verify: %w", err)
		}
		d.progress = progress
		if res == fwupdate.VerifySuccess && progress < 100 {
			return nil, nil
		}
		d.req.complete = true
		d.req.result = uint8(res)
		return d.send(now, fwupdate.CmdVerifyComplete, &fwupdate.VerifyCompleteRequest{Result: res}), nil

	case fwupdate.StateApply:
		res, progress, err := d.ops.Apply(d.component)
		if err != nil {
			return nil, fmt.Errorf("apply: %w", err)
		}
		d.progress = progress
		if res.Succeeded() && progress < 100 {
			return nil, nil
		}
		d.req.complete = true
		d.req.result = uint8(res)
		req := &fwupdate.ApplyCompleteRequest{Result: res}
		if m, ok := d.ops.(ActivationModifier); ok && res == fwupdate.ApplySuccessWithActivationMethod {
			req.ActivationMethods = m.ModifiedActivation(d.component)
		}
		return d.send(now, fwupdate.CmdApplyComplete, req), nil
	}
	return nil, nil
}

// chunk checks a range asked for by the platform against the image size
// and clips it to the transfer size.
func (d *Device) chunk(off, n uint32) (uint32, uint32, error) {
	size := uint64(d.component.ImageSize)
	end := uint64(off) + uint64(n)
	if uint64(off) > size || end > size+fwupdate.MaxPaddingSize {
		return 0, 0, fmt.Errorf("%w: [%d, %d) of %d", ErrChunkRange, off, end, size)
	}
	if n > d.xferSize {
		n = d.xferSize
	}
	return off, n, nil
}

func (d *Device) send(now time.Time, cmd uint8, body pldm.Body) []byte {
	iid := d.iids.Next()
	msg := pldm.Encode(pldm.NewRequest(iid, pldm.TypeFWUpdate, cmd), body)
	var retries backoff.BackOff = &backoff.StopBackOff{}
	if d.cfg.T2 > 0 {
		retries = backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.T2), uint64(d.cfg.MaxRetries))
	}
	d.req = request{
		state:    ReqSent,
		complete: d.req.complete,
		result:   d.req.result,
		iid:      iid,
		cmd:      cmd,
		msg:      msg,
		sentAt:   now,
		retryIn:  d.cfg.T2,
		retries:  retries,
	}
	return msg
}

// replay resends the outstanding request once T2 has elapsed. When the
// retries are used up the request fails and the device waits for the
// update agent to cancel.
func (d *Device) replay(now time.Time) []byte {
	if d.req.retryIn <= 0 || now.Sub(d.req.sentAt) < d.req.retryIn {
		return nil
	}
	next := d.req.retries.NextBackOff()
	if next == backoff.Stop {
		log.Warnf("FD: no answer to %s iid=%d, giving up", fwupdate.CommandName(d.req.cmd), d.req.iid)
		d.req.state = ReqFailed
		return nil
	}
	log.Debugf("FD: replaying %s iid=%d", fwupdate.CommandName(d.req.cmd), d.req.iid)
	d.req.sentAt = now
	d.req.retryIn = next
	return d.req.msg
}

// HandleResponse consumes the update agent's reply to the outstanding
// request. Replies that do not pair with it are dropped with
// ErrUnexpectedResponse.
func (d *Device) HandleResponse(msg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, err := pldm.ParseHeader(msg)
	if err != nil {
		return err
	}
	if h.Request || h.Type != pldm.TypeFWUpdate || d.req.state != ReqSent ||
		h.InstanceID != d.req.iid || h.Command != d.req.cmd {
		log.Warnf("FD: dropping %s, outstanding %s iid=%d", h, fwupdate.CommandName(d.req.cmd), d.req.iid)
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, h)
	}
	d.t1 = d.ops.Now()

	switch h.Command {
	case fwupdate.CmdRequestFirmwareData:
		var resp fwupdate.RequestFirmwareDataResponse
		if _, err := pldm.Decode(msg, &resp); err != nil {
			return err
		}
		return d.firmwareData(&resp)

	case fwupdate.CmdTransferComplete:
		if err := d.completeResponse(msg); err != nil {
			return err
		}
		if fwupdate.TransferResult(d.req.result) != fwupdate.TransferSuccess {
			d.req.state = ReqFailed
			return nil
		}
		d.next(fwupdate.StateVerify)

	case fwupdate.CmdVerifyComplete:
		if err := d.completeResponse(msg); err != nil {
			return err
		}
		if fwupdate.VerifyResult(d.req.result) != fwupdate.VerifySuccess {
			d.req.state = ReqFailed
			return nil
		}
		d.next(fwupdate.StateApply)

	case fwupdate.CmdApplyComplete:
		if err := d.completeResponse(msg); err != nil {
			return err
		}
		if !fwupdate.ApplyResult(d.req.result).Succeeded() {
			d.req.state = ReqFailed
			return nil
		}
		d.req = request{}
		d.setState(fwupdate.StateReadyXfer)
	}
	return nil
}

func (d *Device) firmwareData(resp *fwupdate.RequestFirmwareDataResponse) error {
	switch resp.Code {
	case pldm.Success:
	case fwupdate.RetryRequestFWData:
		// Keep the request outstanding; it is replayed after T2.
		return nil
	default:
		log.Warnf("FD: RequestFirmwareData refused: %s", fwupdate.CodeString(resp.Code))
		d.finish(uint8(fwupdate.TransferAborted))
		return nil
	}
	if uint32(len(resp.Data)) != d.req.length {
		return fmt.Errorf("got %d bytes of firmware data, asked for %d", len(resp.Data), d.req.length)
	}
	res, err := d.ops.DownloadData(d.req.offset, resp.Data, d.component)
	if err != nil {
		return fmt.Errorf("store firmware data at %d: %w", d.req.offset, err)
	}
	switch {
	case res != fwupdate.TransferSuccess:
		d.finish(uint8(res))
	case d.ops.DownloadComplete(d.component):
		d.finish(uint8(fwupdate.TransferSuccess))
	default:
		d.req.state = ReqReady
	}
	return nil
}

// finish readies the Complete command of the current phase.
func (d *Device) finish(result uint8) {
	d.req.state = ReqReady
	d.req.complete = true
	d.req.result = result
}

func (d *Device) completeResponse(msg []byte) error {
	var st pldm.Status
	if _, err := pldm.Decode(msg, &st); err != nil {
		return err
	}
	if st.Code != pldm.Success {
		return fmt.Errorf("%s answered with %s", fwupdate.CommandName(d.req.cmd), fwupdate.CodeString(st.Code))
	}
	return nil
}

func (d *Device) next(s fwupdate.State) {
	d.req = request{state: ReqReady}
	d.progress = 0
	d.setState(s)
}
