// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"crypto/hmac"
	"crypto/sha256"
)

// computeMAC implements §4.A's PUAT MAC: protocol One truncates
// HMAC-SHA256 to its first 16 bytes, protocol Two uses the full 32-byte
// tag.
func computeMAC(version ProtocolVersion, key []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	sum := mac.Sum(nil)
	if version == ProtocolV1 {
		return sum[:16]
	}
	return sum
}

// verifyMAC recomputes the MAC over message and compares it against tag
// in constant time.
func verifyMAC(version ProtocolVersion, key []byte, tag []byte, message []byte) bool {
	want := computeMAC(version, key, message)
	return hmac.Equal(want, tag)
}
