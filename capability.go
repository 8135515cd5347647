// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import "github.com/go-webauthn/ctap2-authenticator/cose"

// AAGUID identifies the authenticator model, reported verbatim in
// GetInfo and embedded in every attestedCredentialData structure.
type AAGUID [16]byte

// Options is the authenticator's capability surface: the set of booleans
// consulted throughout MakeCredential/GetAssertion step 5-8 gating
// (§4.D). Supported* fields are configured once at construction and never
// mutated by a request; the core only reads them.
type Options struct {
	// AAGUID reported in attestedCredentialData and GetInfo.
	AAGUID AAGUID

	// SupportedAlgorithms lists, in no particular order (pubKeyCredParams
	// carries the caller's preference order), every COSE algorithm this
	// authenticator can create keys for.
	SupportedAlgorithms []cose.Algorithm

	// UV reports whether a built-in user-verification method (and its
	// callback) is available.
	UV bool

	// RK reports whether resident (discoverable) credential storage is
	// supported.
	RK bool

	// AlwaysUV requires every credential operation to be UV-verified,
	// regardless of the request's own options.
	AlwaysUV bool

	// MakeCredUvNotRqd relaxes UV enforcement to apply only to
	// discoverable-credential creation, per CTAP2.1 §6.1 step 6.
	MakeCredUvNotRqd bool

	// NoMcGaPermissionsWithClientPin reports that once a PIN has been
	// set, the mc/ga permission bits cannot be granted at all, so the
	// authenticator must surface operation_denied instead of
	// pin_required wherever the spec gives a choice.
	NoMcGaPermissionsWithClientPin bool

	// CredMgmt reports credential-management command support for
	// GetInfo; credential management itself is out of this package's
	// scope.
	CredMgmt bool
}

// supportsAlgorithm reports whether alg is in o.SupportedAlgorithms.
func (o *Options) supportsAlgorithm(alg cose.Algorithm) bool {
	for _, a := range o.SupportedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// negotiateAlgorithm implements MakeCredential step 3: the first
// pubKeyCredParams entry (in the platform's preference order) whose alg is
// in o.SupportedAlgorithms.
func (o *Options) negotiateAlgorithm(params []PubKeyCredParam) (cose.Algorithm, error) {
	for _, p := range params {
		if o.supportsAlgorithm(p.Algorithm) {
			return p.Algorithm, nil
		}
	}
	return 0, statusErr(StatusUnsupportedAlgorithm)
}

// PubKeyCredParam is one entry of the MakeCredential request's
// pubKeyCredParams array.
type PubKeyCredParam struct {
	Type      string
	Algorithm cose.Algorithm
}

// tokenPermission names the PUAT permission bits from §3.
type tokenPermission byte

const (
	permMC   tokenPermission = 0x01
	permGA   tokenPermission = 0x02
	permCM   tokenPermission = 0x04
	permBE   tokenPermission = 0x08
	permLBW  tokenPermission = 0x10
	permACFG tokenPermission = 0x20
)
