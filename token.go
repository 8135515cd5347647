// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ProtocolVersion selects a PIN/UV Auth Protocol (§3).
type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// Token is one PIN/UV Auth Token slot (§3, §4.C). The authenticator holds
// up to two: slot 1 for protocol One, slot 2 for protocol Two.
//
// Token issuance and PIN negotiation belong to the ClientPin command and
// are not implemented here; MakeCredential/GetAssertion only ever read
// and mutate a Token that already exists.
type Token struct {
	protocol ProtocolVersion

	// hmacKey is the key used by computeMAC/verifyMAC. For protocol One
	// it is the raw shared secret; for protocol Two it is HKDF-derived
	// from the shared secret per CTAP2.1 §6.5.3.
	hmacKey []byte
	// aesKey is protocol Two's derived encryption key. The core never
	// encrypts or decrypts with it directly (that belongs to the
	// ClientPin command and to hmac-secret's salt wrapping), but it is
	// generated and zeroized alongside hmacKey since both come from the
	// same shared secret.
	aesKey []byte

	permissions  tokenPermission
	rpID         string
	rpIDBound    bool
	userPresent  bool
	userVerified bool
}

// NewToken generates a fresh key for version. Protocol One's key is a raw
// 32-byte HMAC key; protocol Two's is a 64-byte shared secret split by
// HKDF-SHA256 into independent HMAC and AES halves, per CTAP2.1 §6.5.3.
func NewToken(version ProtocolVersion, randSrc io.Reader) (*Token, error) {
	if randSrc == nil {
		randSrc = rand.Reader
	}
	t := &Token{protocol: version}
	switch version {
	case ProtocolV1:
		key := make([]byte, 32)
		if _, err := io.ReadFull(randSrc, key); err != nil {
			return nil, fmt.Errorf("ctap2: generating token key: %w", err)
		}
		t.hmacKey = key
	case ProtocolV2:
		secret := make([]byte, 64)
		if _, err := io.ReadFull(randSrc, secret); err != nil {
			return nil, fmt.Errorf("ctap2: generating token key: %w", err)
		}
		hmacKey, aesKey, err := derivePUAT2Keys(secret)
		if err != nil {
			return nil, err
		}
		t.hmacKey, t.aesKey = hmacKey, aesKey
	default:
		return nil, fmt.Errorf("ctap2: unsupported PIN/UV auth protocol %d", version)
	}
	return t, nil
}

// derivePUAT2Keys splits a 64-byte shared secret into an HMAC key and an
// AES key, using the fixed HKDF-SHA256 info strings from CTAP2.1 §6.5.3.
func derivePUAT2Keys(sharedSecret []byte) (hmacKey, aesKey []byte, err error) {
	hmacKey = make([]byte, 32)
	if _, err = io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte("CTAP2 HMAC key")), hmacKey); err != nil {
		return nil, nil, fmt.Errorf("ctap2: deriving hmac key: %w", err)
	}
	aesKey = make([]byte, 32)
	if _, err = io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, []byte("CTAP2 AES key")), aesKey); err != nil {
		return nil, nil, fmt.Errorf("ctap2: deriving aes key: %w", err)
	}
	return hmacKey, aesKey, nil
}

// Protocol reports which PIN/UV Auth Protocol this token speaks.
func (t *Token) Protocol() ProtocolVersion { return t.protocol }

// VerifyToken verifies mac over clientDataHash using the token's current
// key, per §4.A/§4.C.
func (t *Token) VerifyToken(clientDataHash []byte, mac []byte) bool {
	return verifyMAC(t.protocol, t.hmacKey, mac, clientDataHash)
}

// GetUserPresentFlagValue reports the token's userPresent flag.
func (t *Token) GetUserPresentFlagValue() bool { return t.userPresent }

// GetUserVerifiedFlagValue reports the token's userVerified flag.
func (t *Token) GetUserVerifiedFlagValue() bool { return t.userVerified }

// ClearUserPresentFlag sets userPresent false.
func (t *Token) ClearUserPresentFlag() { t.userPresent = false }

// ClearUserVerifiedFlag sets userVerified false.
func (t *Token) ClearUserVerifiedFlag() { t.userVerified = false }

// SetUserPresentAndVerified marks the token as having satisfied both UP
// and UV in the current request, preserving the invariant that
// userVerified implies userPresent.
func (t *Token) SetUserPresentAndVerified() {
	t.userPresent = true
	t.userVerified = true
}

// SetUserPresent marks the token as having satisfied UP only.
func (t *Token) SetUserPresent() { t.userPresent = true }

// HasPermission reports whether perm is set in the token's permission
// bitmask.
func (t *Token) HasPermission(perm tokenPermission) bool {
	return t.permissions&perm != 0
}

// GrantPermissions ORs perm into the token's permission bitmask. Called
// only by the (out-of-scope) ClientPin token-issuance path; exposed here
// so tests can construct tokens with the permissions a request needs.
func (t *Token) GrantPermissions(perm tokenPermission) { t.permissions |= perm }

// ClearPinUvAuthTokenPermissionsExceptLbw implements §4.C: permissions are
// reduced to just the lbw bit, and the RP binding is cleared if and only
// if lbw was not set (CTAP2.1 §6.5.5.7).
func (t *Token) ClearPinUvAuthTokenPermissionsExceptLbw() {
	hadLBW := t.permissions&permLBW != 0
	t.permissions &= permLBW
	if !hadLBW {
		t.rpID = ""
		t.rpIDBound = false
	}
}

// BoundRPID returns the RP id this token is bound to, and whether it is
// bound at all.
func (t *Token) BoundRPID() (string, bool) { return t.rpID, t.rpIDBound }

// SetRPID binds the token to rpID on first use. A second call with a
// different rpID is rejected; per CTAP2.1, callers must treat that as
// pin_auth_invalid.
func (t *Token) SetRPID(rpID string) error {
	if !t.rpIDBound {
		t.rpID = rpID
		t.rpIDBound = true
		return nil
	}
	if t.rpID != rpID {
		return fmt.Errorf("ctap2: token bound to a different rp id")
	}
	return nil
}

// Zeroize overwrites the token's key material so it does not linger in
// memory past the token's useful lifetime (§5 "secret lifetime").
func (t *Token) Zeroize() {
	zero(t.hmacKey)
	zero(t.aesKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
