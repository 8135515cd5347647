// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

// Command is a CTAP2 command byte (§6).
type Command byte

const (
	CmdMakeCredential    Command = 0x01
	CmdGetAssertion      Command = 0x02
	CmdGetInfo           Command = 0x04
	CmdClientPIN         Command = 0x06
	CmdReset             Command = 0x07
	CmdGetNextAssertion  Command = 0x08
)

// Handle implements the transport dispatcher (§6, SPEC_FULL §2
// component H): it decodes cmd's CBOR payload, routes to the matching
// handler, and re-encodes the response into the wire format `status /
// (status cbor-response)`. The USB-HID/NFC/BLE framing above this call
// is entirely the caller's concern.
func (a *Authenticator) Handle(cmd Command, payload []byte) (Status, []byte) {
	switch cmd {
	case CmdMakeCredential:
		return a.handleMakeCredential(payload)
	case CmdGetAssertion:
		return a.handleGetAssertion(payload)
	case CmdGetNextAssertion:
		return a.handleGetNextAssertion()
	case CmdGetInfo:
		return a.handleGetInfo()
	case CmdClientPIN:
		return a.handleClientPIN(payload)
	case CmdReset:
		if err := a.Reset(); err != nil {
			return AsStatus(err), nil
		}
		return StatusSuccess, nil
	default:
		return StatusInvalidCommand, nil
	}
}

// wireMakeCredentialRequest mirrors the CBOR map keys of §3/§6's
// authenticatorMakeCredential request.
type wireMakeCredentialRequest struct {
	ClientDataHash    []byte                  `cbor:"1,keyasint"`
	RP                wireRP                  `cbor:"2,keyasint"`
	User              wireUser                `cbor:"3,keyasint"`
	PubKeyCredParams  []wirePubKeyCredParam   `cbor:"4,keyasint"`
	ExcludeList       []wireCredentialDescriptor `cbor:"5,keyasint,omitempty"`
	Extensions        map[string]cbor.RawMessage `cbor:"6,keyasint,omitempty"`
	Options           wireOptions             `cbor:"7,keyasint,omitempty"`
	PinUvAuthParam    []byte                  `cbor:"8,keyasint,omitempty"`
	PinUvAuthProtocol uint64                  `cbor:"9,keyasint,omitempty"`
	EnterpriseAttestation *uint64             `cbor:"10,keyasint,omitempty"`
}

type wireRP struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

type wireUser struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

type wirePubKeyCredParam struct {
	Type string `cbor:"type"`
	Alg  int64  `cbor:"alg"`
}

type wireCredentialDescriptor struct {
	Type string `cbor:"type"`
	ID   []byte `cbor:"id"`
}

type wireOptions struct {
	RK *bool `cbor:"rk,omitempty"`
	UV *bool `cbor:"uv,omitempty"`
	UP *bool `cbor:"up,omitempty"`
}

func (a *Authenticator) handleMakeCredential(payload []byte) (Status, []byte) {
	var wire wireMakeCredentialRequest
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return StatusInvalidCBOR, nil
	}
	req := &MakeCredentialRequest{
		ClientDataHash:        wire.ClientDataHash,
		RP:                    RelyingParty{ID: wire.RP.ID, Name: wire.RP.Name},
		User:                  UserEntity{ID: wire.User.ID, Name: wire.User.Name, DisplayName: wire.User.DisplayName},
		Options:               RequestOptions{RK: wire.Options.RK, UV: wire.Options.UV, UP: wire.Options.UP},
		PinUvAuthParam:        wire.PinUvAuthParam,
		PinUvAuthProtocol:     ProtocolVersion(wire.PinUvAuthProtocol),
		EnterpriseAttestation: wire.EnterpriseAttestation,
	}
	for _, p := range wire.PubKeyCredParams {
		req.PubKeyCredParams = append(req.PubKeyCredParams, PubKeyCredParam{Type: p.Type, Algorithm: cose.Algorithm(p.Alg)})
	}
	for _, d := range wire.ExcludeList {
		var id CredentialID
		copy(id[:], d.ID)
		req.ExcludeList = append(req.ExcludeList, CredentialDescriptor{Type: d.Type, ID: id})
	}
	if raw, ok := wire.Extensions["credProtect"]; ok {
		var p int64
		if err := cbor.Unmarshal(raw, &p); err == nil {
			policy := Policy(p)
			req.Extensions.CredProtect = &policy
		}
	}
	if raw, ok := wire.Extensions["hmac-secret"]; ok {
		var create bool
		if err := cbor.Unmarshal(raw, &create); err == nil {
			req.Extensions.HMACSecretCreate = create
		}
	}

	resp, err := a.MakeCredential(req)
	if err != nil {
		return AsStatus(err), nil
	}

	out := map[int]any{
		1: resp.Fmt,
		2: resp.AuthData,
	}
	attStmt := map[string]any{}
	if resp.AttStmtAlg != nil {
		attStmt["alg"] = int64(*resp.AttStmtAlg)
		attStmt["sig"] = resp.AttStmtSig
	}
	out[3] = attStmt

	enc, err := encodeCanonical(out)
	if err != nil {
		return StatusErrOther, nil
	}
	return StatusSuccess, enc
}

type wireGetAssertionRequest struct {
	RPID              string                     `cbor:"1,keyasint"`
	ClientDataHash    []byte                     `cbor:"2,keyasint"`
	AllowList         []wireCredentialDescriptor `cbor:"3,keyasint,omitempty"`
	Extensions        map[string]cbor.RawMessage `cbor:"4,keyasint,omitempty"`
	Options           wireOptions                `cbor:"5,keyasint,omitempty"`
	PinUvAuthParam    []byte                     `cbor:"6,keyasint,omitempty"`
	PinUvAuthProtocol uint64                     `cbor:"7,keyasint,omitempty"`
}

func (a *Authenticator) handleGetAssertion(payload []byte) (Status, []byte) {
	var wire wireGetAssertionRequest
	if err := cbor.Unmarshal(payload, &wire); err != nil {
		return StatusInvalidCBOR, nil
	}
	req := &GetAssertionRequest{
		RPID:              wire.RPID,
		ClientDataHash:    wire.ClientDataHash,
		Options:           RequestOptions{UV: wire.Options.UV, UP: wire.Options.UP},
		PinUvAuthParam:    wire.PinUvAuthParam,
		PinUvAuthProtocol: ProtocolVersion(wire.PinUvAuthProtocol),
	}
	for _, d := range wire.AllowList {
		var id CredentialID
		copy(id[:], d.ID)
		req.AllowList = append(req.AllowList, CredentialDescriptor{Type: d.Type, ID: id})
	}
	if raw, ok := wire.Extensions["hmac-secret"]; ok {
		var salts [][]byte
		if err := cbor.Unmarshal(raw, &salts); err == nil {
			req.Extensions.HMACSecretSalts = salts
		}
	}

	resp, err := a.GetAssertion(req)
	if err != nil {
		return AsStatus(err), nil
	}
	return StatusSuccess, encodeAssertionResponse(resp)
}

func (a *Authenticator) handleGetNextAssertion() (Status, []byte) {
	resp, err := a.GetNextAssertion()
	if err != nil {
		return AsStatus(err), nil
	}
	return StatusSuccess, encodeAssertionResponse(resp)
}

func encodeAssertionResponse(resp *GetAssertionResponse) []byte {
	out := map[int]any{
		2: resp.AuthData,
		3: resp.Signature,
	}
	if resp.Credential != nil {
		out[1] = map[string]any{"type": "public-key", "id": resp.Credential.ID[:]}
	}
	if resp.User != nil {
		out[4] = map[string]any{"id": resp.User.ID, "name": resp.User.Name, "displayName": resp.User.DisplayName}
	}
	if resp.NumberOfCredentials > 0 {
		out[5] = resp.NumberOfCredentials
	}
	if resp.HMACSecretOutput != nil {
		out[6] = map[string]any{"hmac-secret": resp.HMACSecretOutput}
	}
	enc, err := encodeCanonical(out)
	if err != nil {
		return nil
	}
	return enc
}

// handleGetInfo implements authenticatorGetInfo (SPEC_FULL §3 added):
// the subset of the response the core's own capability surface feeds
// directly. Transport-level fields with no bearing on this package's
// state (transports, firmwareVersion, remainingDiscoverableCredentials)
// are left for the caller to merge in.
func (a *Authenticator) handleGetInfo() (Status, []byte) {
	algs := make([]map[string]any, 0, len(a.Options.SupportedAlgorithms))
	for _, alg := range a.Options.SupportedAlgorithms {
		algs = append(algs, map[string]any{"type": "public-key", "alg": int64(alg)})
	}
	out := map[int]any{
		1: []string{"FIDO_2_0", "FIDO_2_1"},
		3: a.Options.AAGUID[:],
		4: map[string]any{
			"rk":       a.Options.RK,
			"uv":       a.Options.UV,
			"credMgmt": a.Options.CredMgmt,
		},
		5:  1200,
		6:  []int{1, 2},
		10: algs,
	}
	enc, err := encodeCanonical(out)
	if err != nil {
		return StatusErrOther, nil
	}
	return StatusSuccess, enc
}

// handleClientPIN implements only the sliver of authenticatorClientPIN
// this package's gating paths need to exercise in tests: subCommand
// 0x01 (getPinRetries) returns fixed data, every other subCommand
// returns invalid_parameter, and token issuance itself — the ECDH handshake, PIN hashing,
// retry-counter persistence — is out of scope per §1 and left to the
// caller, which is expected to populate a.Tokens directly once it has
// negotiated one out-of-band.
func (a *Authenticator) handleClientPIN(payload []byte) (Status, []byte) {
	var req struct {
		PinUvAuthProtocol uint64 `cbor:"1,keyasint"`
		SubCommand        uint64 `cbor:"2,keyasint"`
	}
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return StatusInvalidCBOR, nil
	}
	switch req.SubCommand {
	case 0x01: // getPinRetries
		enc, err := encodeCanonical(map[int]any{3: 8})
		if err != nil {
			return StatusErrOther, nil
		}
		return StatusSuccess, enc
	default:
		return StatusInvalidParameter, nil
	}
}

func encodeCanonical(v any) ([]byte, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("ctap2: building encoder: %w", err)
	}
	return mode.Marshal(v)
}
