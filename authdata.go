// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Flags is the one-byte flags field of AuthenticatorData (§4.G).
type Flags byte

const (
	flagUP Flags = 1 << 0
	flagUV Flags = 1 << 2
	flagAT Flags = 1 << 6
	flagED Flags = 1 << 7
)

func (f Flags) UserPresent() bool            { return f&flagUP != 0 }
func (f Flags) UserVerified() bool           { return f&flagUV != 0 }
func (f Flags) AttestedCredentialData() bool { return f&flagAT != 0 }
func (f Flags) ExtensionsPresent() bool      { return f&flagED != 0 }

// AttestedCredentialData is the AAGUID/credential-id/public-key triple
// present when Flags.AttestedCredentialData() is set (§4.G).
type AttestedCredentialData struct {
	AAGUID       AAGUID
	CredentialID CredentialID
	COSEKey      []byte // already CBOR-encoded COSE_Key
}

// AuthenticatorData is the decoded form of the `authData` byte string
// produced by MakeCredential/GetAssertion and consumed by the platform
// (§4.G).
type AuthenticatorData struct {
	RPIDHash     [32]byte
	Flags        Flags
	SignCount    uint32
	Attested     *AttestedCredentialData // nil unless Flags.AttestedCredentialData()
	ExtensionsCBOR []byte                // raw CBOR map, nil unless Flags.ExtensionsPresent()
}

// Encode serializes a to the exact byte layout in §4.G: no padding, no
// length prefix on the whole structure.
func (a *AuthenticatorData) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(a.RPIDHash[:])
	buf.WriteByte(byte(a.Flags))

	var signCount [4]byte
	binary.BigEndian.PutUint32(signCount[:], a.SignCount)
	buf.Write(signCount[:])

	if a.Flags.AttestedCredentialData() {
		if a.Attested == nil {
			return nil, fmt.Errorf("ctap2: at flag set but no attestedCredentialData")
		}
		buf.Write(a.Attested.AAGUID[:])
		var idLen [2]byte
		binary.BigEndian.PutUint16(idLen[:], uint16(len(a.Attested.CredentialID)))
		buf.Write(idLen[:])
		buf.Write(a.Attested.CredentialID[:])
		buf.Write(a.Attested.COSEKey)
	}

	if a.Flags.ExtensionsPresent() {
		if len(a.ExtensionsCBOR) == 0 {
			return nil, fmt.Errorf("ctap2: ed flag set but no extensions")
		}
		buf.Write(a.ExtensionsCBOR)
	}

	return buf.Bytes(), nil
}

// DecodeAuthenticatorData parses the §4.G layout back into a struct,
// consuming exactly as many bytes as the flags indicate and returning an
// error if b is shorter than that.
func DecodeAuthenticatorData(b []byte) (*AuthenticatorData, error) {
	if len(b) < 37 {
		return nil, fmt.Errorf("ctap2: authData too short: %d bytes", len(b))
	}
	a := &AuthenticatorData{Flags: Flags(b[32])}
	copy(a.RPIDHash[:], b[:32])
	a.SignCount = binary.BigEndian.Uint32(b[33:37])
	rest := b[37:]

	if a.Flags.AttestedCredentialData() {
		if len(rest) < 16+2 {
			return nil, fmt.Errorf("ctap2: authData truncated in attestedCredentialData header")
		}
		att := &AttestedCredentialData{}
		copy(att.AAGUID[:], rest[:16])
		rest = rest[16:]
		idLen := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(idLen) {
			return nil, fmt.Errorf("ctap2: authData truncated in credentialId")
		}
		copy(att.CredentialID[:], rest[:idLen])
		rest = rest[idLen:]

		keyLen, err := cborValueLength(rest)
		if err != nil {
			return nil, fmt.Errorf("ctap2: parsing COSE key: %w", err)
		}
		att.COSEKey = append([]byte(nil), rest[:keyLen]...)
		rest = rest[keyLen:]
		a.Attested = att
	}

	if a.Flags.ExtensionsPresent() {
		extLen, err := cborValueLength(rest)
		if err != nil {
			return nil, fmt.Errorf("ctap2: parsing extensions: %w", err)
		}
		a.ExtensionsCBOR = append([]byte(nil), rest[:extLen]...)
		rest = rest[extLen:]
	}

	return a, nil
}

// cborValueLength returns the byte length of the single, well-formed CBOR
// value at the start of b, tolerating trailing bytes that belong to
// whatever follows it in authData.
func cborValueLength(b []byte) (int, error) {
	r := bytes.NewReader(b)
	var raw cbor.RawMessage
	if err := cbor.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return len(raw), nil
}
