// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import "github.com/go-webauthn/ctap2-authenticator/cose"

// CredentialDescriptor references a credential in excludeList/allowList.
type CredentialDescriptor struct {
	Type string
	ID   CredentialID
}

// MakeCredentialExtensions is the parsed `extensions` map of a
// MakeCredential request (§3). Fields are nil/false when the
// corresponding extension was absent; unsupported extensions in the
// request are ignored entirely, never surfaced here.
type MakeCredentialExtensions struct {
	CredProtect      *Policy
	HMACSecretCreate bool
}

// RequestOptions is the raw `options` map of a request: nil fields mean
// "absent", as distinct from explicitly false, because step 5's
// resolution rules depend on that distinction.
type RequestOptions struct {
	RK *bool
	UV *bool
	UP *bool
}

// MakeCredentialRequest is the parsed authenticatorMakeCredential request
// (§3, §6).
type MakeCredentialRequest struct {
	ClientDataHash    []byte
	RP                RelyingParty
	User              UserEntity
	PubKeyCredParams  []PubKeyCredParam
	ExcludeList       []CredentialDescriptor
	Extensions        MakeCredentialExtensions
	Options           RequestOptions
	PinUvAuthParam    []byte
	PinUvAuthProtocol ProtocolVersion // 0 means absent
	EnterpriseAttestation *uint64     // any non-nil value is rejected (§4.E step 9)
}

// MakeCredentialResponse is the parsed authenticatorMakeCredential
// response (§3, §6).
type MakeCredentialResponse struct {
	Fmt            string
	AuthData       []byte
	AttStmtAlg     *cose.Algorithm
	AttStmtSig     []byte
}

// effectiveOptions is the flattened view of step 5's resolution,
// computed once instead of re-traversing RequestOptions at every later
// step (§9 design note).
type effectiveOptions struct {
	RK bool
	UV bool
	UP bool
}
