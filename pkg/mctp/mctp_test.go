// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mctp

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

func TestHeader(t *testing.T) {
	h := Header{Version: HeaderVersion, Dest: 0x10, Src: 0x08, SOM: true, EOM: true, Seq: 2, TagOwner: true, Tag: 5}
	b := h.Append(nil)
	require.Equal(t, []byte{0x01, 0x10, 0x08, 0xC0 | 0x20 | 0x08 | 0x05}, b)
	got, err := ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = ParseHeader(b[:3])
	require.ErrorIs(t, err, ErrShortPacket)
	_, err = ParseHeader([]byte{0x02, 0, 0, 0})
	require.ErrorIs(t, err, ErrHeaderVersion)
}

func TestValidEID(t *testing.T) {
	for eid, want := range map[uint8]bool{0: true, 1: false, 7: false, 8: true, 0x42: true, 0xFE: true, 0xFF: false} {
		require.Equal(t, want, ValidEID(eid), "eid %d", eid)
	}
}

func TestPacketizeReassemble(t *testing.T) {
	for _, size := range []int{0, 1, BaselineMTU - 1, BaselineMTU, BaselineMTU + 1, 2 * BaselineMTU, 3*BaselineMTU - 1, 3 * BaselineMTU} {
		body := make([]byte, size)
		for i := range body {
			body[i] = byte(i)
		}
		msg := &Message{Src: 0x20, Dest: 0x10, TagOwner: true, Tag: 3, Type: TypeSPDM, Body: body}
		pkts, err := Packetize(msg, BaselineMTU)
		require.NoError(t, err)
		require.Len(t, pkts, (size+1+BaselineMTU-1)/BaselineMTU)

		var a Assembler
		for i, pkt := range pkts {
			got, err := a.Push(pkt)
			require.NoError(t, err)
			if i < len(pkts)-1 {
				require.Nil(t, got)
				continue
			}
			require.NotNil(t, got)
			if diff := cmp.Diff(msg, got, cmp.Comparer(bytes.Equal)); diff != "" {
				t.Errorf("size %d: message mismatch (-want +got):\n%s", size, diff)
			}
		}
		require.Zero(t, a.Pending())
	}

	_, err := Packetize(&Message{}, BaselineMTU-1)
	require.ErrorIs(t, err, ErrMTU)
}

func TestReassemblyDrops(t *testing.T) {
	msg := &Message{Src: 0x20, Dest: 0x10, TagOwner: true, Tag: 1, Type: TypePLDM, Body: make([]byte, 3*BaselineMTU)}
	pkts, err := Packetize(msg, BaselineMTU)
	require.NoError(t, err)
	require.Len(t, pkts, 4)

	t.Run("out of sequence", func(t *testing.T) {
		var a Assembler
		_, err := a.Push(pkts[0])
		require.NoError(t, err)
		_, err = a.Push(pkts[2])
		require.ErrorIs(t, err, ErrSequence)
		require.Zero(t, a.Pending())
		_, err = a.Push(pkts[1])
		require.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("restart on SOM", func(t *testing.T) {
		var a Assembler
		_, err := a.Push(pkts[0])
		require.NoError(t, err)
		_, err = a.Push(pkts[1])
		require.NoError(t, err)
		for _, pkt := range pkts {
			got, err := a.Push(pkt)
			require.NoError(t, err)
			if got != nil {
				require.Len(t, got.Body, 3*BaselineMTU)
			}
		}
	})

	t.Run("short middle", func(t *testing.T) {
		var a Assembler
		_, err := a.Push(pkts[0])
		require.NoError(t, err)
		short := append([]byte(nil), pkts[1][:HeaderLen+10]...)
		_, err = a.Push(short)
		require.ErrorIs(t, err, ErrShortMiddle)
	})

	t.Run("short first", func(t *testing.T) {
		var a Assembler
		h := Header{Version: HeaderVersion, SOM: true, Tag: 1}
		_, err := a.Push(append(h.Append(nil), byte(TypePLDM), 1, 2))
		require.ErrorIs(t, err, ErrShortMiddle)
	})

	t.Run("too large", func(t *testing.T) {
		a := Assembler{MaxMessageSize: 2 * BaselineMTU}
		_, err := a.Push(pkts[0])
		require.NoError(t, err)
		_, err = a.Push(pkts[1])
		require.NoError(t, err)
		_, err = a.Push(pkts[2])
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("interleaved tags", func(t *testing.T) {
		other := *msg
		other.Tag = 2
		opkts, err := Packetize(&other, BaselineMTU)
		require.NoError(t, err)
		var a Assembler
		var done int
		for i := range pkts {
			for _, pkt := range [][]byte{pkts[i], opkts[i]} {
				got, err := a.Push(pkt)
				require.NoError(t, err)
				if got != nil {
					done++
				}
			}
		}
		require.Equal(t, 2, done)
	})
}

// wire records transmitted packets.
type wire struct {
	pkts [][]byte
}

func (w *wire) Transmit(pkt []byte) error {
	w.pkts = append(w.pkts, append([]byte(nil), pkt...))
	return nil
}

// message reassembles what was transmitted.
func (w *wire) message(t *testing.T) *Message {
	t.Helper()
	var a Assembler
	for i, pkt := range w.pkts {
		m, err := a.Push(pkt)
		require.NoError(t, err)
		if m != nil {
			require.Equal(t, len(w.pkts)-1, i)
			w.pkts = nil
			return m
		}
	}
	t.Fatal("no complete message on the wire")
	return nil
}

func send(t *testing.T, mux *Mux, m *Message) {
	t.Helper()
	pkts, err := Packetize(m, BaselineMTU)
	require.NoError(t, err)
	for _, p := range pkts {
		require.NoError(t, mux.Receive(p))
	}
}

func control(t *testing.T, mux *Mux, w *wire, dest uint8, cmd uint8, data []byte) []byte {
	t.Helper()
	body := ControlHeader{Request: true, InstanceID: 7, Command: cmd}.Append(nil)
	send(t, mux, &Message{Src: 0x08, Dest: dest, TagOwner: true, Tag: 4, Type: TypeControl, Body: append(body, data...)})
	resp := w.message(t)
	require.Equal(t, TypeControl, resp.Type)
	require.False(t, resp.TagOwner)
	require.Equal(t, uint8(4), resp.Tag)
	require.Equal(t, uint8(0x08), resp.Dest)
	h, err := ParseControlHeader(resp.Body)
	require.NoError(t, err)
	require.False(t, h.Request)
	require.Equal(t, uint8(7), h.InstanceID)
	require.Equal(t, cmd, h.Command)
	return resp.Body[ControlHeaderLen:]
}

func TestControl(t *testing.T) {
	w := &wire{}
	mux := NewMux(Config{}, w)
	mux.Register(TypePLDM, HandlerFunc(func(*Message) ([]byte, error) { return nil, nil }))
	mux.Register(TypeSPDM, HandlerFunc(func(*Message) ([]byte, error) { return nil, nil }))

	var set SetEIDResponse
	l := uio.NewLittleEndianBuffer(control(t, mux, w, NullEID, CmdSetEID, []byte{SetEIDReset, 0x30}))
	require.NoError(t, set.Unmarshal(l))
	require.Equal(t, ErrorInvalidData, set.Code)
	require.Equal(t, uint8(EIDRejected), set.Status)

	l = uio.NewLittleEndianBuffer(control(t, mux, w, NullEID, CmdSetEID, []byte{SetEIDSet, 0x05}))
	require.NoError(t, set.Unmarshal(l))
	require.Equal(t, ErrorInvalidData, set.Code)

	l = uio.NewLittleEndianBuffer(control(t, mux, w, NullEID, CmdSetEID, []byte{SetEIDSet, 0x30}))
	require.NoError(t, set.Unmarshal(l))
	require.Equal(t, SetEIDResponse{Code: Success, Status: EIDAccepted, EID: 0x30}, set)
	require.Equal(t, uint8(0x30), mux.EID())

	var get GetEIDResponse
	l = uio.NewLittleEndianBuffer(control(t, mux, w, 0x30, CmdGetEID, nil))
	require.NoError(t, get.Unmarshal(l))
	require.Equal(t, uint8(0x30), get.EID)

	var types GetMessageTypeSupportResponse
	l = uio.NewLittleEndianBuffer(control(t, mux, w, 0x30, CmdGetMessageTypeSupport, nil))
	require.NoError(t, types.Unmarshal(l))
	require.Equal(t, []MessageType{TypePLDM, TypeSPDM}, types.Types)

	for _, tc := range []struct {
		typ  uint8
		code CompletionCode
		want []Version
	}{
		{BaseSpec, Success, []Version{Version131}},
		{uint8(TypePLDM), Success, []Version{Version100}},
		{uint8(TypeCaliptra), MessageTypeNotSupport, nil},
	} {
		var vs GetVersionSupportResponse
		l = uio.NewLittleEndianBuffer(control(t, mux, w, 0x30, CmdGetVersionSupport, []byte{tc.typ}))
		require.NoError(t, vs.Unmarshal(l))
		require.Equal(t, tc.code, vs.Code)
		require.Equal(t, tc.want, vs.Versions)
	}

	require.Equal(t, []byte{byte(ErrorUnsupportedCmd)}, control(t, mux, w, 0x30, 0x7F, nil))
	require.Equal(t, []byte{byte(ErrorInvalidLength)}, control(t, mux, w, 0x30, CmdSetEID, []byte{0}))

	// Packets for other endpoints never reach the assembler.
	pkts, err := Packetize(&Message{Dest: 0x31, TagOwner: true, Type: TypeControl}, BaselineMTU)
	require.NoError(t, err)
	require.ErrorIs(t, mux.Receive(pkts[0]), ErrNotForEndpoint)
	require.Empty(t, w.pkts)
}

func TestMuxRoutesPLDM(t *testing.T) {
	w := &wire{}
	mux := NewMux(Config{EID: 0x10}, w)
	responder := pldm.NewResponder(pldm.DefaultConfig(), pldm.NewControl(pldm.DefaultCapabilities()))
	var responses [][]byte
	mux.Register(TypePLDM, HandlerFunc(func(m *Message) ([]byte, error) {
		if !m.TagOwner {
			responses = append(responses, m.Body)
			return nil, nil
		}
		return responder.Respond(m.Body)
	}))

	req := pldm.Encode(pldm.NewRequest(2, pldm.TypeBase, pldm.CmdGetTID), nil)
	send(t, mux, &Message{Src: 0x08, Dest: 0x10, TagOwner: true, Tag: 6, Type: TypePLDM, Body: req})
	resp := w.message(t)
	require.Equal(t, TypePLDM, resp.Type)
	require.Equal(t, uint8(6), resp.Tag)
	require.Equal(t, uint8(0x10), resp.Src)
	code, err := pldm.ResponseCode(resp.Body)
	require.NoError(t, err)
	require.Equal(t, pldm.Success, code)

	tag, err := mux.SendRequest(0x08, TypePLDM, req)
	require.NoError(t, err)
	out := w.message(t)
	require.True(t, out.TagOwner)
	require.Equal(t, tag, out.Tag)
	next, err := mux.SendRequest(0x08, TypePLDM, req)
	require.NoError(t, err)
	require.Equal(t, (tag+1)%(MaxTag+1), next)
	w.pkts = nil

	// A response from the peer is delivered without an answer.
	send(t, mux, &Message{Src: 0x08, Dest: 0x10, Tag: tag, Type: TypePLDM, Body: []byte{1, 2, 3}})
	require.Equal(t, [][]byte{{1, 2, 3}}, responses)
	require.Empty(t, w.pkts)

	pkts, err := Packetize(&Message{Dest: 0x10, TagOwner: true, Type: TypeCaliptra}, BaselineMTU)
	require.NoError(t, err)
	require.ErrorIs(t, mux.Receive(pkts[0]), ErrNoHandler)
}
