// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// testSlot returns a two certificate chain, root then leaf, and the leaf
// key.
func testSlot(t *testing.T) coprocessor.Slot {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	root := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mcufw test root"},
		NotBefore:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, root, root, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	leaf := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "mcufw test device"},
		NotBefore:    root.NotBefore,
		NotAfter:     root.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leaf, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	return coprocessor.Slot{Key: leafKey, Chain: [][]byte{rootDER, leafDER}}
}

func sha384(parts ...[]byte) []byte {
	h := sha512.New384()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// requester is a minimal SPDM requester driving a responder in tests.
type requester struct {
	t     *testing.T
	r     *Responder
	eng   *coprocessor.Soft
	slot  coprocessor.Slot
	v     Version
	flags CapabilityFlags
	// dts and maxSize are advertised from 1.2 on.
	dts, maxSize uint32
	vca          []byte
}

const testPeerFlags = CapCert | CapChal | CapEncrypt | CapMAC | CapKeyEx | CapHbeat | CapKeyUpd | CapChunk

var testMeasurements = StaticMeasurements{
	{Index: 1, Type: ImmutableROM, TCB: true, Value: sha384([]byte("rom"))},
	{Index: 2, Type: MutableFirmware, Raw: true, TCB: true, Value: []byte("mutable firmware image")},
	{Index: IndexDeviceMode, Type: DeviceMode, Raw: true, Value: []byte{1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
}

func newRequester(t *testing.T, cfg Config, meas MeasurementStore, v Version) *requester {
	t.Helper()
	slot := testSlot(t)
	eng := coprocessor.NewSoft(coprocessor.SoftConfig{Slots: map[uint8]coprocessor.Slot{0: slot}})
	return &requester{
		t:       t,
		r:       NewResponder(cfg, eng, meas),
		eng:     eng,
		slot:    slot,
		v:       v,
		flags:   testPeerFlags,
		dts:     DefaultDataTransferSize,
		maxSize: DefaultDataTransferSize,
	}
}

func (q *requester) hdr(c Code, p1, p2 uint8) []byte {
	return Header{Version: q.v, Code: c, Param1: p1, Param2: p2}.Append(nil)
}

func (q *requester) do(msg []byte) []byte {
	q.t.Helper()
	out, err := q.r.Respond(msg)
	require.NoError(q.t, err)
	return out
}

func (q *requester) expect(msg []byte, code Code) []byte {
	q.t.Helper()
	out := q.do(msg)
	h, err := ParseHeader(out)
	require.NoError(q.t, err)
	if h.Code == ErrorRsp {
		require.Failf(q.t, "ERROR response", "%v answered with %v", Code(msg[1]), ErrorCode(h.Param1))
	}
	require.Equal(q.t, code, h.Code)
	return out
}

func (q *requester) expectError(msg []byte, code ErrorCode) *Error {
	q.t.Helper()
	e, err := ParseError(q.do(msg))
	require.NoError(q.t, err)
	require.Equal(q.t, code, e.Code, "%v", e.Code)
	return e
}

func getVersionRequest() []byte {
	return Header{Version: V10, Code: GetVersion}.Append(nil)
}

func (q *requester) capabilitiesRequest() []byte {
	b := q.hdr(GetCapabilities, 0, 0)
	if q.v >= V11 {
		b = append(b, 0, 12, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, uint32(q.flags))
	}
	if q.v >= V12 {
		b = binary.LittleEndian.AppendUint32(b, q.dts)
		b = binary.LittleEndian.AppendUint32(b, q.maxSize)
	}
	return b
}

func algStruct(t AlgType, supported uint16) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(t)|2<<12|uint32(supported)<<16)
}

func (q *requester) algorithmsRequest() []byte {
	var tables [][]byte
	if q.v >= V11 {
		tables = [][]byte{
			algStruct(AlgDHE, DHESecp256r1|DHESecp384r1),
			algStruct(AlgAEAD, AEADAES128GCM|AEADAES256GCM),
			algStruct(AlgReqBaseAsym, uint16(AsymECDSAP384)),
			algStruct(AlgKeySchedule, KeyScheduleSPDM),
		}
	}
	b := q.hdr(NegotiateAlgorithms, uint8(len(tables)), 0)
	b = binary.LittleEndian.AppendUint16(b, uint16(algorithmsFixedLen+4*len(tables)))
	b = append(b, MeasSpecDMTF, OpaqueDataFormat1)
	b = binary.LittleEndian.AppendUint32(b, AsymECDSAP256|AsymECDSAP384)
	b = binary.LittleEndian.AppendUint32(b, HashSHA256|HashSHA384)
	b = append(b, make([]byte, 12)...)
	b = append(b, 0, 0, 0, 0)
	return slices.Concat(append([][]byte{b}, tables...)...)
}

// negotiate runs GET_VERSION, GET_CAPABILITIES and NEGOTIATE_ALGORITHMS.
func (q *requester) negotiate() {
	q.t.Helper()
	q.vca = nil
	for _, x := range []struct {
		req  []byte
		code Code
	}{
		{getVersionRequest(), VersionRsp},
		{q.capabilitiesRequest(), CapabilitiesRsp},
		{q.algorithmsRequest(), AlgorithmsRsp},
	} {
		rsp := q.expect(x.req, x.code)
		q.vca = slices.Concat(q.vca, x.req, rsp)
	}
}

// verify checks a responder signature over a transcript.
func (q *requester) verify(context string, transcript, sig []byte) {
	q.t.Helper()
	digest := sha384(transcript)
	if q.v >= V12 {
		digest = sha384(SigningPrefix(q.v, context), digest)
	}
	require.True(q.t, coprocessor.VerifyDigest(&q.slot.Key.PublicKey, digest, sig), "signature over %d bytes", len(transcript))
}

// chain returns the SPDM certificate chain of slot 0.
func (q *requester) chain() []byte {
	der := slices.Concat(q.slot.Chain...)
	b := binary.LittleEndian.AppendUint16(nil, uint16(4+48+len(der)))
	b = append(b, 0, 0)
	b = append(b, sha384(q.slot.Chain[0])...)
	return append(b, der...)
}
