// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package cose provides the COSE key generation, CBOR encoding, and
// signing primitives an authenticator needs: one COSE_Key per credential,
// and a Sign1-style signature over authData||clientDataHash.
package cose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	gocose "github.com/veraison/go-cose"
)

// Algorithm is a COSE algorithm identifier (RFC 8152 table 5).
type Algorithm int64

// Algorithms this authenticator is able to create keys and sign for.
const (
	ES256 Algorithm = -7
	ES384 Algorithm = -35
)

func (a Algorithm) String() string {
	switch a {
	case ES256:
		return "ES256"
	case ES384:
		return "ES384"
	default:
		return fmt.Sprintf("Algorithm(%d)", int64(a))
	}
}

func (a Algorithm) curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	default:
		return nil
	}
}

func (a Algorithm) goCoseAlg() gocose.Algorithm {
	switch a {
	case ES256:
		return gocose.AlgorithmES256
	case ES384:
		return gocose.AlgorithmES384
	default:
		return gocose.AlgorithmInvalid
	}
}

// cose key common parameters, from the COSE Key Common Parameters and
// COSE Elliptic Curve Key Parameters registries.
const (
	labelKty   = 1
	labelAlg   = 3
	labelCrv   = -1
	labelX     = -2
	labelY     = -3
	ktyEC2     = 2
	crvP256    = 1
	crvP384    = 2
)

// KeyPair is the caller-owned output of [Create]: a CBOR-encoded COSE_Key
// and the matching ECDSA private key. The private key must be erased by
// the caller once the credential it belongs to is persisted.
type KeyPair struct {
	COSEKey    []byte
	PrivateKey *ecdsa.PrivateKey
}

// Create generates a new key pair for alg, failing if alg is unsupported or
// the RNG is exhausted.
func Create(alg Algorithm, randSrc io.Reader) (*KeyPair, error) {
	curve := alg.curve()
	if curve == nil {
		return nil, fmt.Errorf("cose: unsupported algorithm %s", alg)
	}
	priv, err := ecdsa.GenerateKey(curve, randSrc)
	if err != nil {
		return nil, fmt.Errorf("cose: generating key: %w", err)
	}
	coseKey, err := marshalPublicKey(alg, &priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{COSEKey: coseKey, PrivateKey: priv}, nil
}

func marshalPublicKey(alg Algorithm, pub *ecdsa.PublicKey) ([]byte, error) {
	var crv int64
	switch alg {
	case ES256:
		crv = crvP256
	case ES384:
		crv = crvP384
	default:
		return nil, fmt.Errorf("cose: unsupported algorithm %s", alg)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	x := make([]byte, size)
	y := make([]byte, size)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	m := map[int]any{
		labelKty: ktyEC2,
		labelAlg: int64(alg),
		labelCrv: crv,
		labelX:   x,
		labelY:   y,
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cose: building encoder: %w", err)
	}
	b, err := enc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("cose: encoding public key: %w", err)
	}
	return b, nil
}

// Sign signs the concatenation of segments (no separators) with priv
// under alg; alg must match priv's curve.
func Sign(alg Algorithm, priv crypto.Signer, segments ...[]byte) ([]byte, error) {
	signer, err := gocose.NewSigner(alg.goCoseAlg(), priv)
	if err != nil {
		return nil, fmt.Errorf("cose: building signer: %w", err)
	}
	var message []byte
	for _, s := range segments {
		message = append(message, s...)
	}
	sig, err := signer.Sign(rand.Reader, message)
	if err != nil {
		return nil, fmt.Errorf("cose: signing: %w", err)
	}
	return sig, nil
}

// Verify checks sig against the concatenation of segments under pub,
// mirroring Sign.
func Verify(alg Algorithm, pub *ecdsa.PublicKey, sig []byte, segments ...[]byte) error {
	verifier, err := gocose.NewVerifier(alg.goCoseAlg(), pub)
	if err != nil {
		return fmt.Errorf("cose: building verifier: %w", err)
	}
	var message []byte
	for _, s := range segments {
		message = append(message, s...)
	}
	return verifier.Verify(message, sig)
}

// AlgorithmFor returns the COSE algorithm identifier matching key's curve,
// or an error if key uses a curve this package does not support.
func AlgorithmFor(key *ecdsa.PrivateKey) (Algorithm, error) {
	switch key.Curve {
	case elliptic.P256():
		return ES256, nil
	case elliptic.P384():
		return ES384, nil
	default:
		return 0, fmt.Errorf("cose: unsupported curve %s", key.Curve.Params().Name)
	}
}
