// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/mctp"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

type packetLog struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (l *packetLog) Transmit(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pkts = append(l.pkts, append([]byte(nil), pkt...))
	return nil
}

func (l *packetLog) messages(t *testing.T) []*mctp.Message {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var asm mctp.Assembler
	var msgs []*mctp.Message
	for _, pkt := range l.pkts {
		m, err := asm.Push(pkt)
		require.NoError(t, err)
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	l.pkts = nil
	return msgs
}

func (b *testBench) endpoint() (*Endpoint, *packetLog) {
	tx := &packetLog{}
	mux := mctp.NewMux(mctp.Config{EID: 0x10}, tx)
	return Register(mux, b.resp, b.dev), tx
}

func TestEndpointRouting(t *testing.T) {
	b := newBench(t)
	e, tx := b.endpoint()

	// Nothing goes out until an agent has made itself known.
	_, ok := e.Peer()
	require.False(t, ok)

	b.iid++
	req := pldm.Encode(pldm.NewRequest(b.iid, pldm.TypeFWUpdate, fwupdate.CmdRequestUpdate),
		&fwupdate.RequestUpdateRequest{MaxTransferSize: 64, NumComponents: 1})
	out, err := e.HandleMessage(&mctp.Message{Src: 0x08, Dest: 0x10, TagOwner: true, Type: mctp.TypePLDM, Body: req})
	require.NoError(t, err)
	code, err := pldm.ResponseCode(out)
	require.NoError(t, err)
	require.Equal(t, pldm.Success, code)
	peer, ok := e.Peer()
	require.True(t, ok)
	require.Equal(t, uint8(0x08), peer)

	var pc fwupdate.PassComponentTableResponse
	b.mustCall(t, fwupdate.CmdPassComponentTable, &fwupdate.PassComponentTableRequest{
		Flag:      pldm.TransferStartAndEnd,
		Component: testComponent(100),
	}, &pc)
	var uc fwupdate.UpdateComponentResponse
	b.mustCall(t, fwupdate.CmdUpdateComponent, &fwupdate.UpdateComponentRequest{Component: testComponent(100)}, &uc)
	require.Equal(t, fwupdate.StateDownload, b.dev.State())

	require.NoError(t, e.Poll())
	msgs := tx.messages(t)
	require.Len(t, msgs, 1)
	require.Equal(t, uint8(0x08), msgs[0].Dest)
	require.True(t, msgs[0].TagOwner)
	require.Equal(t, mctp.TypePLDM, msgs[0].Type)
	h, err := pldm.ParseHeader(msgs[0].Body)
	require.NoError(t, err)
	require.True(t, h.Request)
	require.Equal(t, fwupdate.CmdRequestFirmwareData, h.Command)

	// The agent's answer is a response frame and reaches the device.
	answer := pldm.Encode(h.Reply(), &fwupdate.RequestFirmwareDataResponse{Code: pldm.Success, Data: make([]byte, 64)})
	out, err = e.HandleMessage(&mctp.Message{Src: 0x08, Dest: 0x10, Tag: msgs[0].Tag, Type: mctp.TypePLDM, Body: answer})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Equal(t, ReqReady, b.dev.Request())
	require.Equal(t, 64, len(b.plat.buf))

	// A stray response is refused by the device, not answered.
	_, err = e.HandleMessage(&mctp.Message{Src: 0x08, Dest: 0x10, Type: mctp.TypePLDM, Body: answer})
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestEndpointNoPeer(t *testing.T) {
	b := newBench(t)
	e, tx := b.endpoint()
	b.enterDownload(t, 100)

	require.ErrorIs(t, e.Poll(), ErrNoPeer)
	require.Empty(t, tx.messages(t))
}

func TestServeExpiresT1(t *testing.T) {
	b := newBench(t)
	e, _ := b.endpoint()
	var ru fwupdate.RequestUpdateResponse
	b.mustCall(t, fwupdate.CmdRequestUpdate, &fwupdate.RequestUpdateRequest{MaxTransferSize: 64, NumComponents: 1}, &ru)
	require.Equal(t, fwupdate.StateLearnComponents, b.dev.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, time.Millisecond) }()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, fwupdate.StateLearnComponents, b.dev.State())

	b.clock.advance(b.dev.cfg.T1)
	require.Eventually(t, func() bool {
		return b.dev.State() == fwupdate.StateIdle
	}, time.Second, time.Millisecond)
	require.Equal(t, fwupdate.ReasonLearnComponentTimeout, b.dev.Reason())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
