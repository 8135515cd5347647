// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

// parsePKCS8ECDSAKey decodes a credential's stored private key back into
// the ecdsa.PrivateKey needed to sign an assertion.
func parsePKCS8ECDSAKey(der []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("ctap2: parsing stored private key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ctap2: stored private key is %T, not ECDSA", key)
	}
	return ecKey, nil
}

// coseSign signs segments with priv under alg, via the cose package.
func coseSign(alg cose.Algorithm, priv *ecdsa.PrivateKey, segments ...[]byte) ([]byte, error) {
	return cose.Sign(alg, priv, segments...)
}
