// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto/hmac"
	"crypto/sha256"
	"sort"
)

// GetAssertionExtensions is the parsed `extensions` map of a GetAssertion
// request. HMACSecretSalts carries the platform's salt(s) for the
// hmac-secret extension already decrypted: the AES unwrap under the
// shared PIN/UV auth secret is a ClientPin key-agreement concern and
// stays out of this package's scope (§1); this subsystem owns only
// credRandom selection and the HMAC-SHA256 computation over it.
type GetAssertionExtensions struct {
	HMACSecretSalts [][]byte
}

// GetAssertionRequest is the parsed authenticatorGetAssertion request
// (§3, §4.F).
type GetAssertionRequest struct {
	RPID              string
	ClientDataHash    []byte
	AllowList         []CredentialDescriptor
	Extensions        GetAssertionExtensions
	Options           RequestOptions // RK is meaningless here, ignored
	PinUvAuthParam    []byte
	PinUvAuthProtocol ProtocolVersion
}

// GetAssertionResponse is the parsed authenticatorGetAssertion response
// (§3, §4.F).
type GetAssertionResponse struct {
	Credential          *CredentialDescriptor
	AuthData            []byte
	Signature           []byte
	User                *UserEntity
	NumberOfCredentials int // 0 means omitted
	HMACSecretOutput    []byte
}

// assertionCandidate is one credential surviving step 5's selection,
// carrying everything steps 6-9 need without re-reading the store.
type assertionCandidate struct {
	entry  Entry
	id     CredentialID
	fields *credentialFields
}

// assertionContinuation buffers the candidates GetAssertion did not
// respond with yet, for authenticatorGetNextAssertion (§4.F step 10).
type assertionContinuation struct {
	rp             RelyingParty
	clientDataHash []byte
	uvAchieved     bool
	upAchieved     bool
	extensions     GetAssertionExtensions
	remaining      []assertionCandidate
	multiAccount   bool
}

// GetAssertion implements authenticatorGetAssertion (§4.F): a ten-step
// pipeline mirroring MakeCredential's shape with `ga` permission
// semantics and resident-credential candidate discovery in place of
// excludeList/credential creation.
func (a *Authenticator) GetAssertion(req *GetAssertionRequest) (*GetAssertionResponse, error) {
	// Step 1: PUAT parameter validation.
	var tok *Token
	if a.hasAnyToken() && req.PinUvAuthParam == nil {
		result, err := a.promptUP(IntentGetAssertion, nil, &RelyingParty{ID: req.RPID})
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
		if result != UPAccepted {
			return nil, statusErr(StatusOperationDenied)
		}
		if _, err := a.loadPINHash(); err != nil {
			return nil, statusErr(StatusPinNotSet)
		}
		return nil, statusErr(StatusPinInvalid)
	}
	if req.PinUvAuthParam != nil {
		if req.PinUvAuthProtocol == 0 {
			return nil, statusErr(StatusMissingParameter)
		}
		tok = a.token(req.PinUvAuthProtocol)
		if tok == nil {
			return nil, statusErr(StatusInvalidParameter)
		}
	}

	// Step 2: options parsing.
	eff := effectiveOptions{UP: true}
	if req.Options.UP != nil {
		eff.UP = *req.Options.UP
	}
	if req.Options.UV != nil {
		eff.UV = *req.Options.UV
	}
	if req.PinUvAuthParam != nil {
		eff.UV = false
	}
	if eff.UV && !a.Options.UV {
		return nil, statusErr(StatusInvalidOption)
	}

	// Step 3: alwaysUv.
	if a.Options.AlwaysUV {
		if !a.Options.UV && !a.hasAnyToken() {
			return nil, statusErr(StatusOperationDenied)
		}
		if req.PinUvAuthParam == nil && a.Options.UV {
			eff.UV = true
		}
		if !eff.UV && req.PinUvAuthParam == nil {
			if a.Options.NoMcGaPermissionsWithClientPin {
				return nil, statusErr(StatusOperationDenied)
			}
			return nil, statusErr(StatusPinRequired)
		}
	}

	// Step 4: user verification.
	uvResponse := false
	upResponse := false
	switch {
	case req.PinUvAuthParam != nil:
		if tok == nil || !tok.VerifyToken(req.ClientDataHash, req.PinUvAuthParam) {
			return nil, statusErr(StatusPinAuthInvalid)
		}
		if !tok.HasPermission(permGA) {
			return nil, statusErr(StatusPinAuthInvalid)
		}
		if boundRP, bound := tok.BoundRPID(); bound && boundRP != req.RPID {
			return nil, statusErr(StatusPinAuthInvalid)
		}
		if !tok.GetUserVerifiedFlagValue() {
			return nil, statusErr(StatusPinAuthInvalid)
		}
		uvResponse = true
		if _, bound := tok.BoundRPID(); !bound {
			if err := tok.SetRPID(req.RPID); err != nil {
				return nil, statusErr(StatusPinAuthInvalid)
			}
		}
	case eff.UV:
		if a.UV == nil {
			return nil, statusErr(StatusUvInvalid)
		}
		ok, err := a.UV.Verify()
		if err != nil || !ok {
			return nil, statusErr(StatusUvInvalid)
		}
		uvResponse = true
	}

	// Step 5: candidate selection.
	now := a.now()
	var candidates []assertionCandidate
	rpHash := rpIDHash(req.RPID)
	if len(req.AllowList) > 0 {
		for _, desc := range req.AllowList {
			entry, ok, err := a.Store.GetEntry(desc.ID)
			if err != nil {
				return nil, statusErr(StatusErrOther)
			}
			if !ok {
				continue
			}
			fields, err := readCredentialFields(a.Store, entry, now)
			if err != nil {
				return nil, statusErr(StatusErrOther)
			}
			if fields.RpID != req.RPID {
				continue
			}
			candidates = append(candidates, assertionCandidate{entry: entry, id: desc.ID, fields: fields})
		}
	} else {
		entries, err := a.Store.ListByRPIDHash(rpHash)
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
		for _, entry := range entries {
			fields, err := readCredentialFields(a.Store, entry, now)
			if err != nil {
				return nil, statusErr(StatusErrOther)
			}
			candidates = append(candidates, assertionCandidate{entry: entry, id: entry.ID(), fields: fields})
		}
	}
	var visible []assertionCandidate
	for _, c := range candidates {
		if c.fields.Policy == PolicyRequired && !uvResponse {
			continue
		}
		visible = append(visible, c)
	}
	if len(visible) == 0 {
		return nil, statusErr(StatusNoCredentials)
	}
	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].fields.UsageCount > visible[j].fields.UsageCount
	})

	// Step 6: user presence.
	if eff.UP {
		satisfied := tok != nil && tok.GetUserPresentFlagValue()
		if !satisfied {
			result, err := a.promptUP(IntentGetAssertion, nil, &RelyingParty{ID: req.RPID})
			if err != nil || result != UPAccepted {
				return nil, statusErr(StatusOperationDenied)
			}
		}
		upResponse = true
		if tok != nil {
			tok.ClearUserPresentFlag()
			tok.ClearUserVerifiedFlag()
			tok.ClearPinUvAuthTokenPermissionsExceptLbw()
		}
	}

	selected := visible[0]
	remaining := visible[1:]

	// Step 7: extensions.
	var hmacOut []byte
	if len(req.Extensions.HMACSecretSalts) > 0 {
		credRandom := selectCredRandom(selected.fields, uvResponse)
		if credRandom != nil {
			hmacOut = computeHMACSecretOutput(credRandom, req.Extensions.HMACSecretSalts...)
		}
	}

	// Step 8: signature counter.
	newCount := selected.fields.UsageCount + 1
	if err := a.Store.AddField(selected.entry, FieldUsageCount, putBeUint32(newCount), now); err != nil {
		return nil, statusErr(StatusErrOther)
	}
	if err := a.Store.Persist(); err != nil {
		return nil, statusErr(StatusErrOther)
	}

	// Step 9: signing and response assembly.
	flags := Flags(0)
	if upResponse {
		flags |= flagUP
	}
	if uvResponse {
		flags |= flagUV
	}
	authData := &AuthenticatorData{RPIDHash: rpHash, Flags: flags, SignCount: newCount}
	encoded, err := authData.Encode()
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	priv, err := parsePKCS8ECDSAKey(selected.fields.PrivateKey)
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	sig, err := coseSign(selected.fields.Algorithm, priv, encoded, req.ClientDataHash)
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}

	resp := &GetAssertionResponse{
		Credential:       &CredentialDescriptor{Type: "public-key", ID: selected.id},
		AuthData:         encoded,
		Signature:        sig,
		HMACSecretOutput: hmacOut,
	}
	// credential is only omittable when allowList already pinned the
	// platform to a single candidate; resident-key discovery (no
	// allowList) always reports which credential it picked, even when
	// there was only one to choose from.
	if len(req.AllowList) > 0 && len(visible) == 1 {
		resp.Credential = nil
	}
	multiAccount := len(req.AllowList) == 0 && distinctUserCount(visible) > 1
	if multiAccount {
		resp.User = &UserEntity{ID: selected.fields.UserID}
	}

	// Step 10: continuation state.
	if len(remaining) > 0 {
		a.assertionState = &assertionContinuation{
			rp:             RelyingParty{ID: req.RPID},
			clientDataHash: req.ClientDataHash,
			uvAchieved:     uvResponse,
			upAchieved:     upResponse,
			extensions:     req.Extensions,
			remaining:      remaining,
			multiAccount:   multiAccount,
		}
		resp.NumberOfCredentials = len(visible)
	} else {
		a.assertionState = nil
	}

	return resp, nil
}

// GetNextAssertion implements authenticatorGetNextAssertion (§4.F step
// 10 / SPEC_FULL §2): returns the next buffered candidate from the most
// recent GetAssertion call's continuation state.
func (a *Authenticator) GetNextAssertion() (*GetAssertionResponse, error) {
	state := a.assertionState
	if state == nil || len(state.remaining) == 0 {
		return nil, statusErr(StatusNotAllowed)
	}
	selected := state.remaining[0]
	state.remaining = state.remaining[1:]
	if len(state.remaining) == 0 {
		a.assertionState = nil
	}

	now := a.now()
	newCount := selected.fields.UsageCount + 1
	if err := a.Store.AddField(selected.entry, FieldUsageCount, putBeUint32(newCount), now); err != nil {
		return nil, statusErr(StatusErrOther)
	}
	if err := a.Store.Persist(); err != nil {
		return nil, statusErr(StatusErrOther)
	}

	flags := Flags(0)
	if state.upAchieved {
		flags |= flagUP
	}
	if state.uvAchieved {
		flags |= flagUV
	}
	authData := &AuthenticatorData{RPIDHash: rpIDHash(state.rp.ID), Flags: flags, SignCount: newCount}
	encoded, err := authData.Encode()
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	priv, err := parsePKCS8ECDSAKey(selected.fields.PrivateKey)
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	sig, err := coseSign(selected.fields.Algorithm, priv, encoded, state.clientDataHash)
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}

	var hmacOut []byte
	if len(state.extensions.HMACSecretSalts) > 0 {
		if credRandom := selectCredRandom(selected.fields, state.uvAchieved); credRandom != nil {
			hmacOut = computeHMACSecretOutput(credRandom, state.extensions.HMACSecretSalts...)
		}
	}

	resp := &GetAssertionResponse{
		Credential:       &CredentialDescriptor{Type: "public-key", ID: selected.id},
		AuthData:         encoded,
		Signature:        sig,
		HMACSecretOutput: hmacOut,
	}
	if state.multiAccount {
		resp.User = &UserEntity{ID: selected.fields.UserID}
	}
	return resp, nil
}

// distinctUserCount returns the number of distinct user ids among
// candidates, for the response's `user` member: populated only when
// discoverable credentials span more than one account for the RP.
func distinctUserCount(candidates []assertionCandidate) int {
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		seen[string(c.fields.UserID)] = struct{}{}
	}
	return len(seen)
}

// selectCredRandom returns the credRandom secret matching the achieved
// UV state, or nil if the credential was never created with hmac-secret.
func selectCredRandom(fields *credentialFields, uvAchieved bool) []byte {
	if uvAchieved {
		if fields.CredRandomWithUV != nil {
			return fields.CredRandomWithUV
		}
		return fields.CredRandomWithoutUV
	}
	return fields.CredRandomWithoutUV
}

// computeHMACSecretOutput runs HMAC-SHA256 over each salt under
// credRandom, concatenating the 32-byte outputs in order (one output
// per salt, two when the platform asked for rotation).
func computeHMACSecretOutput(credRandom []byte, salts ...[]byte) []byte {
	var out []byte
	for _, salt := range salts {
		mac := hmac.New(sha256.New, credRandom)
		mac.Write(salt)
		out = append(out, mac.Sum(nil)...)
	}
	return out
}
