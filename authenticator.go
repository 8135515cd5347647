// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto"
	"io"
	"time"
)

// Intent names the operation a UP/UV prompt is being shown for, so a
// platform UI can phrase the prompt appropriately.
type Intent int

const (
	IntentMakeCredential Intent = iota
	IntentGetAssertion
	IntentReset
)

// UPResult is the outcome of a user-presence prompt (§6).
type UPResult int

const (
	UPAccepted UPResult = iota
	UPDenied
	UPTimeout
	UPCancelled
)

// UserPresenceCallback prompts for a physical user-presence test (e.g. a
// touch). rp and user are nil when the prompt is not tied to a specific
// credential (e.g. IntentReset).
type UserPresenceCallback interface {
	Prompt(ctx Intent, user *UserEntity, rp *RelyingParty) (UPResult, error)
}

// UserVerificationCallback invokes the authenticator's built-in UV method
// (PIN pad, fingerprint sensor, etc). Retry policy is entirely the
// callback's concern; the core only looks at the final bool.
type UserVerificationCallback interface {
	Verify() (bool, error)
}

// RelyingParty is the rp map of a MakeCredential/GetAssertion request.
type RelyingParty struct {
	ID   string
	Name string
}

// UserEntity is the user map of a MakeCredential request.
type UserEntity struct {
	ID          []byte
	Name        string
	DisplayName string
}

// AttestationType selects how MakeCredential's attStmt is produced (§4.E
// step 19).
type AttestationType int

const (
	AttestationNone AttestationType = iota
	AttestationSelf
)

// Authenticator is the process-wide singleton state described in §3: the
// capability surface, credential store, PUAT slots, and the external
// callbacks every handler consults.
type Authenticator struct {
	Options *Options
	Store   Store

	// Tokens holds at most two slots: index 0 for protocol One, index 1
	// for protocol Two. A nil entry means that protocol's token does not
	// currently exist (no PIN set / not yet negotiated).
	Tokens [2]*Token

	// Attestation selects None (the default, recommended for most
	// deployments) or Self attestation; AttestationKey is required when
	// Attestation is AttestationSelf.
	Attestation    AttestationType
	AttestationKey crypto.Signer

	Rand  io.Reader
	Clock func() time.Time

	UP UserPresenceCallback
	UV UserVerificationCallback

	// LoadPINHash backs step 1-2's "no PIN set" check; returning a
	// non-nil error distinguishes "no PIN" from "PIN exists".
	LoadPINHash func() ([]byte, error)

	// assertionState holds the continuation buffered by the most recent
	// GetAssertion call, consumed by GetNextAssertion. Single-threaded
	// per §5, so no locking is needed.
	assertionState *assertionContinuation
}

// token returns the PUAT slot for protocol, or nil if it doesn't exist.
func (a *Authenticator) token(protocol ProtocolVersion) *Token {
	switch protocol {
	case ProtocolV1:
		return a.Tokens[0]
	case ProtocolV2:
		return a.Tokens[1]
	default:
		return nil
	}
}

// hasAnyToken reports whether any PUAT slot is populated, i.e. whether a
// PIN/UV auth token could in principle be produced right now.
func (a *Authenticator) hasAnyToken() bool {
	return a.Tokens[0] != nil || a.Tokens[1] != nil
}

func (a *Authenticator) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func (a *Authenticator) randReader() io.Reader {
	if a.Rand != nil {
		return a.Rand
	}
	panic("ctap2: Authenticator.Rand must be configured")
}

// Reset implements authenticatorReset (§3's "added" GetInfo/Reset
// expansion): every stored credential is deleted (when the Store has a
// Reset method) and every populated PUAT slot is replaced with a freshly
// keyed token, gated on a UP prompt. Empty slots stay empty.
func (a *Authenticator) Reset() error {
	if a.UP == nil {
		return statusErr(StatusOperationDenied)
	}
	result, err := a.UP.Prompt(IntentReset, nil, nil)
	if err != nil || result != UPAccepted {
		return statusErr(StatusOperationDenied)
	}
	if resetter, ok := a.Store.(interface{ Reset() error }); ok {
		if err := resetter.Reset(); err != nil {
			return statusErr(StatusErrOther)
		}
	}
	for i, slot := range a.Tokens {
		if slot == nil {
			continue
		}
		version := ProtocolV1
		if i == 1 {
			version = ProtocolV2
		}
		slot.Zeroize()
		tok, err := NewToken(version, a.randReader())
		if err != nil {
			return statusErr(StatusErrOther)
		}
		a.Tokens[i] = tok
	}
	a.assertionState = nil
	return nil
}
