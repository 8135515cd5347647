// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import "crypto/sha256"

// rpIDHash returns SHA-256(rpID), used both as the rpIdHash field of
// AuthenticatorData and as the index key credentials are looked up by.
func rpIDHash(rpID string) [32]byte {
	return sha256.Sum256([]byte(rpID))
}
