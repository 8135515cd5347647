// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package ctap2 implements the core request-processing state machine of a
// CTAP2 authenticator: authenticatorMakeCredential and
// authenticatorGetAssertion, the PIN/UV Auth Token subsystem that gates
// them, and the authenticator-data/attestation encoding used to answer
// both.
//
// The transport (USB-HID/NFC/BLE), the CBOR codec used on the wire, the
// on-disk key store, and the user-presence/user-verification UI all live
// outside this package; callers supply them by implementing the
// interfaces in authenticator.go and the Store interface in credential.go.
package ctap2
