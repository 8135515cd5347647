// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-webauthn/ctap2-authenticator/cose"
	"github.com/go-webauthn/ctap2-authenticator/store"
)

type acceptUP struct{ prompted int }

func (a *acceptUP) Prompt(Intent, *UserEntity, *RelyingParty) (UPResult, error) {
	a.prompted++
	return UPAccepted, nil
}

type acceptUV struct{ called int }

func (a *acceptUV) Verify() (bool, error) {
	a.called++
	return true, nil
}

func newTestAuthenticator() (*Authenticator, *acceptUP) {
	up := &acceptUP{}
	return &Authenticator{
		Options: &Options{
			SupportedAlgorithms: []cose.Algorithm{cose.ES256},
			MakeCredUvNotRqd:    true,
		},
		Store: store.NewMemory(0),
		Rand:  rand.Reader,
		Clock: func() time.Time { return time.Unix(1000, 0) },
		UP:    up,
	}, up
}

func TestMakeCredentialHappyPath(t *testing.T) {
	auth, up := newTestAuthenticator()
	rk := false
	upOpt := true
	req := &MakeCredentialRequest{
		ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
		RP:               RelyingParty{ID: "example.com"},
		User:             UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
		Options:          RequestOptions{RK: &rk, UP: &upOpt},
	}

	resp, err := auth.MakeCredential(req)
	if err != nil {
		t.Fatalf("MakeCredential: %v", err)
	}
	if resp.Fmt != "packed" {
		t.Errorf("fmt = %q, want packed", resp.Fmt)
	}
	authData, err := DecodeAuthenticatorData(resp.AuthData)
	if err != nil {
		t.Fatalf("decoding authData: %v", err)
	}
	if authData.Flags != 0x41 {
		t.Errorf("flags = %#x, want 0x41", authData.Flags)
	}
	wantHash := rpIDHash("example.com")
	if authData.RPIDHash != wantHash {
		t.Errorf("rpIdHash mismatch")
	}
	if resp.AttStmtAlg != nil {
		t.Errorf("expected no attestation statement (AttestationNone), got alg %v", *resp.AttStmtAlg)
	}
	if up.prompted != 1 {
		t.Errorf("UP prompted %d times, want 1", up.prompted)
	}
}

func TestMakeCredentialAlgorithmNegotiation(t *testing.T) {
	auth, _ := newTestAuthenticator()
	rk := false
	upOpt := true
	req := &MakeCredentialRequest{
		ClientDataHash: bytes.Repeat([]byte{0xAA}, 32),
		RP:             RelyingParty{ID: "example.com"},
		User:           UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{
			{Type: "public-key", Algorithm: cose.Algorithm(-257)},
			{Type: "public-key", Algorithm: cose.ES256},
		},
		Options: RequestOptions{RK: &rk, UP: &upOpt},
	}
	resp, err := auth.MakeCredential(req)
	if err != nil {
		t.Fatalf("MakeCredential: %v", err)
	}
	authData, err := DecodeAuthenticatorData(resp.AuthData)
	if err != nil {
		t.Fatalf("decoding authData: %v", err)
	}
	if authData.Attested == nil {
		t.Fatalf("expected attestedCredentialData")
	}
	var key map[int]any
	if err := cbor.Unmarshal(authData.Attested.COSEKey, &key); err != nil {
		t.Fatalf("decoding COSE key: %v", err)
	}
	if alg, _ := key[3].(int64); alg != int64(cose.ES256) {
		t.Errorf("COSE key alg = %v, want ES256", key[3])
	}
}

func TestMakeCredentialUnsupportedAlgorithm(t *testing.T) {
	auth, _ := newTestAuthenticator()
	req := &MakeCredentialRequest{
		ClientDataHash: bytes.Repeat([]byte{0xAA}, 32),
		RP:             RelyingParty{ID: "example.com"},
		User:           UserEntity{ID: []byte{0x01}},
	}
	_, err := auth.MakeCredential(req)
	if AsStatus(err) != StatusUnsupportedAlgorithm {
		t.Fatalf("status = %v, want unsupported_algorithm", AsStatus(err))
	}
}

func TestMakeCredentialExcludeListInvisibleWithoutUV(t *testing.T) {
	auth, _ := newTestAuthenticator()
	now := auth.now()
	var excludedID CredentialID
	excludedID[0] = 0x01
	entry, err := auth.Store.CreateEntry(excludedID)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	policy := PolicyRequired
	_ = auth.Store.AddField(entry, FieldRpID, []byte("example.com"), now)
	_ = auth.Store.AddField(entry, FieldPolicy, []byte{byte(policy)}, now)
	if err := auth.Store.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := auth.Store.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	rk := false
	upOpt := true
	req := &MakeCredentialRequest{
		ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
		RP:               RelyingParty{ID: "example.com"},
		User:             UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
		ExcludeList:      []CredentialDescriptor{{Type: "public-key", ID: excludedID}},
		Options:          RequestOptions{RK: &rk, UP: &upOpt},
	}
	resp, err := auth.MakeCredential(req)
	if err != nil {
		t.Fatalf("MakeCredential: %v, want success (excluded credential invisible)", err)
	}
	if resp.Fmt != "packed" {
		t.Errorf("expected a new credential to be created")
	}
}

func TestMakeCredentialExcludeListHitWithUV(t *testing.T) {
	auth, up := newTestAuthenticator()
	tok, err := NewToken(ProtocolV2, rand.Reader)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	tok.GrantPermissions(permMC)
	tok.userVerified = true
	auth.Tokens[1] = tok

	now := auth.now()
	var excludedID CredentialID
	excludedID[0] = 0x02
	entry, _ := auth.Store.CreateEntry(excludedID)
	_ = auth.Store.AddField(entry, FieldRpID, []byte("example.com"), now)
	_ = auth.Store.AddField(entry, FieldPolicy, []byte{byte(PolicyRequired)}, now)
	_ = auth.Store.AddEntry(entry)
	_ = auth.Store.Persist()

	clientDataHash := bytes.Repeat([]byte{0xBB}, 32)
	mac := computeMAC(ProtocolV2, tok.hmacKey, clientDataHash)

	rk := false
	upOpt := true
	req := &MakeCredentialRequest{
		ClientDataHash:    clientDataHash,
		RP:                RelyingParty{ID: "example.com"},
		User:              UserEntity{ID: []byte{0x01}},
		PubKeyCredParams:  []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
		ExcludeList:       []CredentialDescriptor{{Type: "public-key", ID: excludedID}},
		Options:           RequestOptions{RK: &rk, UP: &upOpt},
		PinUvAuthParam:    mac,
		PinUvAuthProtocol: ProtocolV2,
	}
	_, err = auth.MakeCredential(req)
	if AsStatus(err) != StatusCredentialExcluded {
		t.Fatalf("status = %v, want credential_excluded", AsStatus(err))
	}
	if up.prompted != 1 {
		t.Errorf("UP prompted %d times, want 1 (token had no userPresent flag yet)", up.prompted)
	}
}

func TestMakeCredentialAlwaysUvDenied(t *testing.T) {
	auth, _ := newTestAuthenticator()
	auth.Options.AlwaysUV = true
	auth.Options.MakeCredUvNotRqd = false

	req := &MakeCredentialRequest{
		ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
		RP:               RelyingParty{ID: "example.com"},
		User:             UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
	}
	_, err := auth.MakeCredential(req)
	if AsStatus(err) != StatusOperationDenied {
		t.Fatalf("status = %v, want operation_denied", AsStatus(err))
	}
}

func TestMakeCredentialHMACSecret(t *testing.T) {
	auth, _ := newTestAuthenticator()
	rk := false
	upOpt := true
	req := &MakeCredentialRequest{
		ClientDataHash:   bytes.Repeat([]byte{0xAA}, 32),
		RP:               RelyingParty{ID: "example.com"},
		User:             UserEntity{ID: []byte{0x01}},
		PubKeyCredParams: []PubKeyCredParam{{Type: "public-key", Algorithm: cose.ES256}},
		Extensions:       MakeCredentialExtensions{HMACSecretCreate: true},
		Options:          RequestOptions{RK: &rk, UP: &upOpt},
	}
	resp, err := auth.MakeCredential(req)
	if err != nil {
		t.Fatalf("MakeCredential: %v", err)
	}
	authData, err := DecodeAuthenticatorData(resp.AuthData)
	if err != nil {
		t.Fatalf("decoding authData: %v", err)
	}
	if !authData.Flags.ExtensionsPresent() {
		t.Fatalf("expected ed flag set")
	}
	var ext map[string]any
	if err := cbor.Unmarshal(authData.ExtensionsCBOR, &ext); err != nil {
		t.Fatalf("decoding extensions: %v", err)
	}
	if v, _ := ext["hmac-secret"].(bool); !v {
		t.Errorf("extensions map missing hmac-secret: true, got %v", ext)
	}

	entry, ok, err := auth.Store.GetEntry(credentialIDFromAuthData(t, authData))
	if err != nil || !ok {
		t.Fatalf("GetEntry: ok=%v err=%v", ok, err)
	}
	fields, err := readCredentialFields(auth.Store, entry, auth.now())
	if err != nil {
		t.Fatalf("readCredentialFields: %v", err)
	}
	if len(fields.CredRandomWithUV) != 32 || len(fields.CredRandomWithoutUV) != 32 {
		t.Fatalf("expected two independent 32-byte credRandom secrets")
	}
	if bytes.Equal(fields.CredRandomWithUV, fields.CredRandomWithoutUV) {
		t.Errorf("credRandomWithUV and credRandomWithoutUV must be independent")
	}
}

func credentialIDFromAuthData(t *testing.T, a *AuthenticatorData) CredentialID {
	t.Helper()
	if a.Attested == nil {
		t.Fatal("no attestedCredentialData")
	}
	return a.Attested.CredentialID
}
