// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

func makeDiscoverableCredential(t *testing.T, auth *Authenticator, rpID string) CredentialID {
	t.Helper()
	rk := true
	upOpt := true
	resp, err := auth.MakeCredential(&MakeCredentialRequest{
		ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
		RP:               RelyingParty{ID: rpID},
		User:             UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
		Options:          RequestOptions{RK: &rk, UP: &upOpt},
	})
	if err != nil {
		t.Fatalf("MakeCredential: %v", err)
	}
	authData, err := DecodeAuthenticatorData(resp.AuthData)
	if err != nil {
		t.Fatalf("decoding authData: %v", err)
	}
	return authData.Attested.CredentialID
}

func publicKeyFromCOSE(t *testing.T, coseKey []byte) *ecdsa.PublicKey {
	t.Helper()
	var m map[int]any
	if err := cbor.Unmarshal(coseKey, &m); err != nil {
		t.Fatalf("decoding COSE key: %v", err)
	}
	x, _ := m[-2].([]byte)
	y, _ := m[-3].([]byte)
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
}

func TestGetAssertionRoundTrip(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.RK = true
	credID := makeDiscoverableCredential(t, auth, "example.com")

	entry, ok, err := auth.Store.GetEntry(credID)
	if err != nil || !ok {
		t.Fatalf("GetEntry: ok=%v err=%v", ok, err)
	}
	fields, err := readCredentialFields(auth.Store, entry, auth.now())
	if err != nil {
		t.Fatalf("readCredentialFields: %v", err)
	}
	pub := publicKeyFromCOSE(t, fields.COSEKey)

	clientDataHash := bytes.Repeat([]byte{0xCC}, 32)
	upOpt := true
	resp, err := auth.GetAssertion(&GetAssertionRequest{
		RPID:           "example.com",
		ClientDataHash: clientDataHash,
		Options:        RequestOptions{UP: &upOpt},
	})
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if resp.Credential == nil || resp.Credential.ID != credID {
		t.Fatalf("unexpected credential in response: %+v", resp.Credential)
	}
	if resp.NumberOfCredentials != 0 {
		t.Errorf("NumberOfCredentials = %d, want 0 (single candidate)", resp.NumberOfCredentials)
	}

	if err := cose.Verify(cose.ES256, pub, resp.Signature, resp.AuthData, clientDataHash); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	authData, err := DecodeAuthenticatorData(resp.AuthData)
	if err != nil {
		t.Fatalf("decoding authData: %v", err)
	}
	if authData.SignCount != 1 {
		t.Errorf("signCount = %d, want 1", authData.SignCount)
	}
	if authData.Flags.AttestedCredentialData() {
		t.Errorf("GetAssertion must never set the at flag")
	}
}

func TestGetAssertionNoCredentials(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.RK = true
	upOpt := true
	_, err := auth.GetAssertion(&GetAssertionRequest{
		RPID:           "nothing-here.example",
		ClientDataHash: bytes.Repeat([]byte{0xCC}, 32),
		Options:        RequestOptions{UP: &upOpt},
	})
	if AsStatus(err) != StatusNoCredentials {
		t.Fatalf("status = %v, want no_credentials", AsStatus(err))
	}
}

func TestGetAssertionContinuation(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.RK = true
	first := makeDiscoverableCredential(t, auth, "example.com")
	second := makeDiscoverableCredential(t, auth, "example.com")

	upOpt := true
	resp, err := auth.GetAssertion(&GetAssertionRequest{
		RPID:           "example.com",
		ClientDataHash: bytes.Repeat([]byte{0xCC}, 32),
		Options:        RequestOptions{UP: &upOpt},
	})
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if resp.NumberOfCredentials != 2 {
		t.Fatalf("NumberOfCredentials = %d, want 2", resp.NumberOfCredentials)
	}
	seen := map[CredentialID]bool{resp.Credential.ID: true}

	next, err := auth.GetNextAssertion()
	if err != nil {
		t.Fatalf("GetNextAssertion: %v", err)
	}
	seen[next.Credential.ID] = true
	if !seen[first] || !seen[second] {
		t.Fatalf("expected both credentials to be surfaced across the two calls, got %v", seen)
	}

	if _, err := auth.GetNextAssertion(); AsStatus(err) != StatusNotAllowed {
		t.Fatalf("third GetNextAssertion call: status = %v, want not_allowed", AsStatus(err))
	}
}

func TestGetAssertionAllowListOmitsPinnedCredential(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.RK = true
	credID := makeDiscoverableCredential(t, auth, "example.com")

	upOpt := true
	resp, err := auth.GetAssertion(&GetAssertionRequest{
		RPID:           "example.com",
		ClientDataHash: bytes.Repeat([]byte{0xCC}, 32),
		AllowList:      []CredentialDescriptor{{Type: "public-key", ID: credID}},
		Options:        RequestOptions{UP: &upOpt},
	})
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if resp.Credential != nil {
		t.Fatalf("expected credential to be omitted when allowList already pinned it, got %+v", resp.Credential)
	}
}

func TestGetAssertionReportsUserForMultipleAccounts(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.RK = true

	rk := true
	upOpt := true
	makeFor := func(userID byte) CredentialID {
		resp, err := auth.MakeCredential(&MakeCredentialRequest{
			ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
			RP:               RelyingParty{ID: "example.com"},
			User:             UserEntity{ID: []byte{userID}},
			PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
			Options:          RequestOptions{RK: &rk, UP: &upOpt},
		})
		if err != nil {
			t.Fatalf("MakeCredential: %v", err)
		}
		authData, err := DecodeAuthenticatorData(resp.AuthData)
		if err != nil {
			t.Fatalf("decoding authData: %v", err)
		}
		return authData.Attested.CredentialID
	}
	makeFor(0x01)
	makeFor(0x02)

	resp, err := auth.GetAssertion(&GetAssertionRequest{
		RPID:           "example.com",
		ClientDataHash: bytes.Repeat([]byte{0xCC}, 32),
		Options:        RequestOptions{UP: &upOpt},
	})
	if err != nil {
		t.Fatalf("GetAssertion: %v", err)
	}
	if resp.User == nil {
		t.Fatalf("expected user to be populated when more than one account exists for the rp")
	}

	next, err := auth.GetNextAssertion()
	if err != nil {
		t.Fatalf("GetNextAssertion: %v", err)
	}
	if next.User == nil {
		t.Fatalf("expected GetNextAssertion to also populate user for the multi-account continuation")
	}
	if bytes.Equal(resp.User.ID, next.User.ID) {
		t.Fatalf("expected the two accounts' user ids to differ, both were %x", resp.User.ID)
	}
}
