// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eat

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/eat"
	"github.com/linuxboot/mcufw/pkg/flashimage"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/spdm"
)

var _ commands.Command = (*Command)(nil)

// Command signs an attestation token over the images of a flash image.
type Command struct {
	commands.Output
	Nonce   string  `short:"n" long:"nonce" description:"verifier nonce in hex, 8 to 64 bytes" required:"true"`
	Profile string  `short:"p" long:"profile" description:"profile OID in dotted decimal" required:"true"`
	Issuer  string  `long:"issuer" description:"issuer claim" default:"mcutool"`
	Class   *string `long:"class" description:"OID under which image environments are numbered (default: the profile)"`
	KeyPath *string `short:"k" long:"key" description:"PEM P-384 signing key (default: a fresh key)"`
	Cert    *string `long:"cert" description:"DER leaf certificate to carry in the x5chain header"`
	Out     *string `short:"o" long:"out" description:"write the token to this file"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "signs an attestation token over a flash image"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return `Measures every image of the flash image IMAGE, wraps the digests in
concise evidence and signs the claims with a software coprocessor. The
decoded claims are printed in CBOR diagnostic notation.`
}

// LoadKey reads a PEM encoded EC or PKCS #8 P-384 private key.
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("'%s' is not PEM", path)
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		if key, err = x509.ParseECPrivateKey(block.Bytes); err != nil {
			return nil, err
		}
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		var ok bool
		if key, ok = k.(*ecdsa.PrivateKey); !ok {
			return nil, fmt.Errorf("'%s' holds a %T key", path, k)
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block '%s'", block.Type)
	}
	if key.Curve != elliptic.P384() {
		return nil, errors.New("signing key is not on P-384")
	}
	return key, nil
}

// ImageBlocks returns one raw measurement block per image, numbered from
// 1 in table of contents order.
func ImageBlocks(img *flashimage.Image) ([]spdm.Block, error) {
	if len(img.Images) > 0xFC {
		return nil, fmt.Errorf("%d images do not fit the measurement indexes", len(img.Images))
	}
	blocks := make([]spdm.Block, 0, len(img.Images))
	for i, h := range img.Images {
		data, err := img.ReadImage(h.Identifier)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, spdm.Block{
			Index: uint8(i + 1),
			Type:  spdm.MutableFirmware,
			Raw:   true,
			TCB:   true,
			Value: data,
		})
	}
	return blocks, nil
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	path, err := commands.OneArg(args, "flash image path")
	if err != nil {
		return err
	}
	nonce, err := hex.DecodeString(cmd.Nonce)
	if err != nil {
		return commands.ErrArgs{Err: fmt.Errorf("invalid nonce: %w", err)}
	}
	profile := eat.OID(cmd.Profile)
	classBase := profile
	if cmd.Class != nil {
		classBase = eat.OID(*cmd.Class)
	}

	var key *ecdsa.PrivateKey
	if cmd.KeyPath != nil {
		if key, err = LoadKey(*cmd.KeyPath); err != nil {
			return fmt.Errorf("unable to load signing key: %w", err)
		}
	} else {
		if key, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader); err != nil {
			return err
		}
		log.Warnf("signing with a fresh P-384 key")
	}
	enc := &eat.Encoder{}
	if cmd.Cert != nil {
		if enc.X5Chain, err = os.ReadFile(*cmd.Cert); err != nil {
			return fmt.Errorf("unable to read certificate: %w", err)
		}
	}
	engine := coprocessor.NewSoft(coprocessor.SoftConfig{
		Slots: map[uint8]coprocessor.Slot{0: {Key: key}},
	})
	enc.Signer = &eat.EngineSigner{Engine: engine}

	data, err := commands.ReadInput(path)
	if err != nil {
		return err
	}
	img, err := flashimage.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("unable to read flash image: %w", err)
	}
	if err := img.Verify(); err != nil {
		return fmt.Errorf("flash image is invalid: %w", err)
	}
	blocks, err := ImageBlocks(img)
	if err != nil {
		return err
	}
	evidence, err := eat.FirmwareEvidence(engine, classBase, blocks)
	if err != nil {
		return err
	}
	cti, err := engine.Random(16)
	if err != nil {
		return err
	}
	claims := &eat.Claims{
		Issuer:       cmd.Issuer,
		CTI:          cti,
		Nonce:        nonce,
		DebugStatus:  eat.DebugDisabled,
		Profile:      profile,
		Measurements: []eat.Measurement{{Evidence: evidence}},
	}

	buf := make([]byte, eat.DefaultTokenSize)
	n, err := enc.Encode(buf, claims)
	if err != nil {
		return fmt.Errorf("unable to encode token: %w", err)
	}
	token := buf[:n]
	log.Debugf("token is %d bytes", n)

	payload, err := eat.Verify(token, &key.PublicKey)
	if err != nil {
		return fmt.Errorf("token does not verify: %w", err)
	}
	diag, err := cbor.Diagnose(payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Writer(), "%s\n", diag)

	if cmd.Out != nil {
		if err := os.WriteFile(*cmd.Out, token, 0o644); err != nil {
			return fmt.Errorf("unable to write '%s': %w", *cmd.Out, err)
		}
	}
	return nil
}
