// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"github.com/u-root/uio/uio"
)

// getVersion restarts the connection. It is accepted in any state.
func (r *Responder) getVersion(h Header, msg []byte) ([]byte, error) {
	if h.Version != V10 {
		return nil, Fail(VersionMismatch, "GET_VERSION is %v", h.Version)
	}
	r.reset()

	w := uio.NewLittleEndianBuffer(Header{Version: V10, Code: VersionRsp}.Append(nil))
	w.Write8(0)
	w.Write8(uint8(len(r.cfg.Versions)))
	for _, v := range r.cfg.Versions {
		w.Write16(v.Entry())
	}
	out := w.Data()

	r.transcript.appendVCA(msg[:HeaderLen])
	r.transcript.appendVCA(out)
	r.conn.state = AfterVersion
	return out, nil
}
