// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cose_test

import (
	"crypto/rand"
	"testing"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []cose.Algorithm{cose.ES256, cose.ES384} {
		kp, err := cose.Create(alg, rand.Reader)
		if err != nil {
			t.Fatalf("Create(%s): %v", alg, err)
		}
		message := []byte("authData || clientDataHash")
		sig, err := cose.Sign(alg, kp.PrivateKey, message)
		if err != nil {
			t.Fatalf("Sign(%s): %v", alg, err)
		}
		if err := cose.Verify(alg, &kp.PrivateKey.PublicKey, sig, message); err != nil {
			t.Fatalf("Verify(%s): %v", alg, err)
		}
		if err := cose.Verify(alg, &kp.PrivateKey.PublicKey, sig, []byte("tampered")); err == nil {
			t.Fatalf("Verify(%s) accepted a tampered message", alg)
		}
	}
}

func TestAlgorithmForMatchesCurve(t *testing.T) {
	kp, err := cose.Create(cose.ES384, rand.Reader)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	alg, err := cose.AlgorithmFor(kp.PrivateKey)
	if err != nil {
		t.Fatalf("AlgorithmFor: %v", err)
	}
	if alg != cose.ES384 {
		t.Errorf("AlgorithmFor = %v, want ES384", alg)
	}
}
