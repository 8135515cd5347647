// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

// MakeCredential implements authenticatorMakeCredential (§4.E): a
// nineteen-step ordered pipeline. Any step producing an error aborts
// immediately; no later step runs and no store mutation from this
// request becomes visible (aside from the atomicity contract §4.B
// already provides around AddEntry+Persist).
func (a *Authenticator) MakeCredential(req *MakeCredentialRequest) (*MakeCredentialResponse, error) {
	// Steps 1-2: PUAT parameter validation.
	var tok *Token
	if a.hasAnyToken() && req.PinUvAuthParam == nil {
		result, err := a.promptUP(IntentMakeCredential, &req.User, &req.RP)
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

	// Step 3: algorithm negotiation.
	alg, err := a.Options.negotiateAlgorithm(req.PubKeyCredParams)
	if err != nil {
		return nil, err
	}

	// Step 4: response scaffolding.
	uvResponse := false
	upResponse := false

	// Step 5: options parsing.
	eff := effectiveOptions{UP: true}
	if req.Options.RK != nil {
		eff.RK = *req.Options.RK
	}
	if req.Options.UV != nil {
		eff.UV = *req.Options.UV
	}
	if req.Options.UP != nil {
		eff.UP = *req.Options.UP
	}
	if req.PinUvAuthParam != nil {
		eff.UV = false
	}
	if eff.UV && !a.Options.UV {
		return nil, statusErr(StatusInvalidOption)
	}
	if eff.RK && !a.Options.RK {
		return nil, statusErr(StatusInvalidOption)
	}
	if !eff.UP {
		return nil, statusErr(StatusInvalidOption)
	}

	// Step 6: alwaysUv.
	makeCredUvNotRqd := a.Options.MakeCredUvNotRqd
	if a.Options.AlwaysUV {
		makeCredUvNotRqd = false
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

	// Steps 7-8: makeCredUvNotRqd.
	protected := a.Options.UV || a.hasAnyToken()
	needsAuth := protected && (!makeCredUvNotRqd || eff.RK)
	if needsAuth && !eff.UV && req.PinUvAuthParam == nil {
		if a.Options.NoMcGaPermissionsWithClientPin {
			return nil, statusErr(StatusOperationDenied)
		}
		return nil, statusErr(StatusPinRequired)
	}

	// Step 9: enterpriseAttestation.
	if req.EnterpriseAttestation != nil {
		return nil, statusErr(StatusInvalidParameter)
	}

	// Step 10: skip-auth shortcut.
	skipAuth := !eff.RK && !eff.UV && makeCredUvNotRqd && req.PinUvAuthParam == nil

	// Step 11: user verification, only on a protected authenticator.
	if !skipAuth && protected {
		switch {
		case req.PinUvAuthParam != nil:
			if tok == nil || !tok.VerifyToken(req.ClientDataHash, req.PinUvAuthParam) {
				return nil, statusErr(StatusPinAuthInvalid)
			}
			if !tok.HasPermission(permMC) {
				return nil, statusErr(StatusPinAuthInvalid)
			}
			if boundRP, bound := tok.BoundRPID(); bound && boundRP != req.RP.ID {
				return nil, statusErr(StatusPinAuthInvalid)
			}
			if !tok.GetUserVerifiedFlagValue() {
				return nil, statusErr(StatusPinAuthInvalid)
			}
			uvResponse = true
			if _, bound := tok.BoundRPID(); !bound {
				if err := tok.SetRPID(req.RP.ID); err != nil {
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
		default:
			return nil, statusErr(StatusErrOther)
		}
	}

	// Step 12: excludeList.
	now := a.now()
	for _, desc := range req.ExcludeList {
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
		if fields.Policy == PolicyRequired && !uvResponse {
			continue // invisible: skip silently
		}
		upSatisfied := upResponse || (tok != nil && tok.GetUserPresentFlagValue())
		if !upSatisfied {
			result, err := a.promptUP(IntentMakeCredential, &req.User, &req.RP)
			if err != nil || result != UPAccepted {
				return nil, statusErr(StatusOperationDenied)
			}
		}
		return nil, statusErr(StatusCredentialExcluded)
	}

	// Step 13: reserved, no behaviour.

	// Step 14: user presence.
	if eff.UP {
		satisfied := upResponse
		if tok != nil {
			satisfied = tok.GetUserPresentFlagValue()
		}
		if !satisfied {
			result, err := a.promptUP(IntentMakeCredential, &req.User, &req.RP)
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

	// Step 15: extensions.
	extensions := map[string]any{}
	if req.Extensions.CredProtect != nil {
		extensions["credProtect"] = int64(*req.Extensions.CredProtect)
	}
	var credRandomUV, credRandomNoUV []byte
	if req.Extensions.HMACSecretCreate {
		credRandomUV = make([]byte, 32)
		credRandomNoUV = make([]byte, 32)
		if _, err := io.ReadFull(a.randReader(), credRandomUV); err != nil {
			return nil, statusErr(StatusErrOther)
		}
		if _, err := io.ReadFull(a.randReader(), credRandomNoUV); err != nil {
			return nil, statusErr(StatusErrOther)
		}
		extensions["hmac-secret"] = true
	}

	// Step 16: credential creation.
	var id CredentialID
	if _, err := io.ReadFull(a.randReader(), id[:]); err != nil {
		return nil, statusErr(StatusErrOther)
	}
	keyPair, err := cose.Create(alg, a.randReader())
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(keyPair.PrivateKey)
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}
	entry, err := a.Store.CreateEntry(id)
	if err != nil {
		zero(privDER)
		return nil, statusErr(StatusErrOther)
	}
	fields := map[FieldKey][]byte{
		FieldRpID:      []byte(req.RP.ID),
		FieldUserID:    req.User.ID,
		FieldPrivateKey: privDER,
		FieldCOSEKey:   keyPair.COSEKey,
		FieldAlgorithm: putBeUint64(uint64(int64(alg))),
		FieldUsageCount: putBeUint32(1),
	}
	if req.Extensions.CredProtect != nil {
		fields[FieldPolicy] = []byte{byte(*req.Extensions.CredProtect)}
	}
	if credRandomUV != nil {
		fields[FieldCredRandomWithUV] = credRandomUV
		fields[FieldCredRandomWithoutUV] = credRandomNoUV
	}
	for key, value := range fields {
		if err := a.Store.AddField(entry, key, value, now); err != nil {
			zero(privDER)
			return nil, statusErr(StatusErrOther)
		}
	}

	// Steps 17-18: storage.
	if err := a.Store.AddEntry(entry); err != nil {
		zero(privDER)
		return nil, err
	}
	if err := a.Store.Persist(); err != nil {
		zero(privDER)
		return nil, statusErr(StatusErrOther)
	}
	zero(privDER)
	keyWords := keyPair.PrivateKey.D.Bits()
	for i := range keyWords {
		keyWords[i] = 0
	}

	// Step 19: attestation.
	flags := Flags(0)
	if upResponse {
		flags |= flagUP
	}
	if uvResponse {
		flags |= flagUV
	}
	flags |= flagAT
	var extCBOR []byte
	if len(extensions) > 0 {
		flags |= flagED
		enc, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
		extCBOR, err = enc.Marshal(extensions)
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
	}

	rpHash := rpIDHash(req.RP.ID)
	authData := &AuthenticatorData{
		RPIDHash:  rpHash,
		Flags:     flags,
		SignCount: 0,
		Attested: &AttestedCredentialData{
			AAGUID:       a.Options.AAGUID,
			CredentialID: id,
			COSEKey:      keyPair.COSEKey,
		},
		ExtensionsCBOR: extCBOR,
	}
	encoded, err := authData.Encode()
	if err != nil {
		return nil, statusErr(StatusErrOther)
	}

	resp := &MakeCredentialResponse{Fmt: "packed", AuthData: encoded}
	if a.Attestation == AttestationSelf {
		if a.AttestationKey == nil {
			return nil, statusErr(StatusErrOther)
		}
		attAlg, err := attestationAlgorithm(a.AttestationKey)
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
		sig, err := cose.Sign(attAlg, a.AttestationKey, encoded, req.ClientDataHash)
		if err != nil {
			return nil, statusErr(StatusErrOther)
		}
		resp.AttStmtAlg = &attAlg
		resp.AttStmtSig = sig
	}
	return resp, nil
}

func attestationAlgorithm(signer crypto.Signer) (cose.Algorithm, error) {
	if ecKey, ok := signer.(*ecdsa.PrivateKey); ok {
		return cose.AlgorithmFor(ecKey)
	}
	return 0, fmt.Errorf("ctap2: unsupported attestation key type %T", signer)
}

func (a *Authenticator) promptUP(intent Intent, user *UserEntity, rp *RelyingParty) (UPResult, error) {
	if a.UP == nil {
		return UPDenied, nil
	}
	return a.UP.Prompt(intent, user, rp)
}

func (a *Authenticator) loadPINHash() ([]byte, error) {
	if a.LoadPINHash == nil {
		return nil, fmt.Errorf("ctap2: no pin set")
	}
	return a.LoadPINHash()
}
