// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"fmt"

	"github.com/linuxboot/mcufw/pkg/doe"
	"github.com/linuxboot/mcufw/pkg/mctp"
)

// MCTPHandler serves SPDM and secured SPDM MCTP messages. Secured
// messages carry the SPDM message type byte in front of the SPDM message.
func (r *Responder) MCTPHandler() mctp.Handler {
	return mctp.HandlerFunc(func(m *mctp.Message) ([]byte, error) {
		switch m.Type {
		case mctp.TypeSPDM:
			return r.Respond(m.Body)
		case mctp.TypeSecureSPDM:
			return r.RespondSecured(m.Body, []byte{byte(mctp.TypeSPDM)})
		}
		return nil, fmt.Errorf("SPDM responder: MCTP message type %v", m.Type)
	})
}

// DOEHandler serves SPDM and secured SPDM data objects. The object
// padding is ignored: SPDM requests are parsed by their own lengths and
// secured messages carry theirs.
func (r *Responder) DOEHandler() doe.Handler {
	return doe.HandlerFunc(func(t doe.ObjectType, payload []byte) ([]byte, error) {
		switch t {
		case doe.TypeSPDM:
			return r.Respond(payload)
		case doe.TypeSecureSPDM:
			return r.RespondSecured(payload, nil)
		}
		return nil, fmt.Errorf("SPDM responder: DOE object type %v", t)
	})
}

// Register installs the responder on an MCTP mux and a DOE transport,
// either of which may be nil.
func (r *Responder) Register(mux *mctp.Mux, t *doe.Transport) {
	if mux != nil {
		h := r.MCTPHandler()
		mux.Register(mctp.TypeSPDM, h)
		mux.Register(mctp.TypeSecureSPDM, h)
	}
	if t != nil {
		h := r.DOEHandler()
		t.Register(doe.TypeSPDM, h)
		t.Register(doe.TypeSecureSPDM, h)
	}
}
