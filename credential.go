// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ctap2

import (
	"time"

	"github.com/go-webauthn/ctap2-authenticator/cose"
)

// CredentialID is the 32-byte opaque identifier generated uniformly at
// random for each new credential (§3).
type CredentialID [32]byte

// Policy is a credential's credProtect policy (§3). The zero value,
// PolicyOptional, is what an absent credProtect extension means.
type Policy int

const (
	PolicyOptional                     Policy = iota // userVerificationOptional
	PolicyOptionalWithCredentialIDList               // userVerificationOptionalWithCredentialIDList
	PolicyRequired                                    // userVerificationRequired
)

// FieldKey names one of the semantic fields a [Entry] carries, per §3.
type FieldKey string

// Field keys used by MakeCredential/GetAssertion. The store treats these
// as opaque strings; the core never relies on store-side interpretation
// of their names.
const (
	FieldRpID               FieldKey = "rpId"
	FieldUserID             FieldKey = "userId"
	FieldPrivateKey         FieldKey = "privateKey"
	FieldAlgorithm          FieldKey = "algorithm"
	FieldPolicy             FieldKey = "policy"
	FieldCredRandomWithUV   FieldKey = "credRandomWithUV"
	FieldCredRandomWithoutUV FieldKey = "credRandomWithoutUV"
	FieldUsageCount         FieldKey = "usageCount"
	FieldCOSEKey            FieldKey = "coseKey"
)

// Entry is an opaque, store-owned handle to one credential record.
// Implementations may back it with a row id, a map key, or anything else;
// the core only ever round-trips the value it got from CreateEntry or
// GetEntry back into AddField/GetField/AddEntry.
type Entry interface {
	// ID returns the credential id this entry is bound to.
	ID() CredentialID
}

// Store is the credential store adapter the core depends on (§4.B). It is
// intentionally minimal: the six §4.B operations plus ListByRPIDHash, all
// synchronous from the core's point of view even though Persist may block
// on durable storage.
//
// Implementations MUST guarantee that an AddEntry which returns success,
// followed by a Persist that returns success, makes the entry visible to
// every subsequent GetEntry/ListByRPIDHash — and that a failing Persist
// leaves the store's observable state exactly as it was before the
// request's AddEntry/AddField calls (§4.B, §9 "store atomicity").
type Store interface {
	// CreateEntry returns an uninitialized, unpersisted entry bound to
	// id. On any later error the caller releases it by simply not
	// calling AddEntry; the store must not consider it committed.
	CreateEntry(id CredentialID) (Entry, error)

	// AddField adds or overwrites a named field on entry, recording now
	// as its update time.
	AddField(entry Entry, key FieldKey, value []byte, now time.Time) error

	// GetField returns the current value of a field, or ok=false if it
	// was never set.
	GetField(entry Entry, key FieldKey, now time.Time) (value []byte, ok bool, err error)

	// GetEntry looks up a previously committed entry by credential id.
	GetEntry(id CredentialID) (entry Entry, ok bool, err error)

	// AddEntry commits entry to the in-memory index. Returns
	// [StatusKeyStoreFull] if capacity is exhausted or id collides with
	// an existing entry.
	AddEntry(entry Entry) error

	// Persist atomically flushes all in-memory mutations made since the
	// last successful Persist to durable storage.
	Persist() error

	// ListByRPIDHash returns every committed entry whose RpId hashes to
	// rpIDHash, for GetAssertion candidate discovery (§4.F step 5). This
	// is the one operation beyond §4.B's six-operation contract that a
	// resident-key GetAssertion cannot be implemented without, since
	// nothing else lets the core enumerate credentials by relying party.
	ListByRPIDHash(rpIDHash [32]byte) ([]Entry, error)
}

// credentialFields is the in-core, typed view of a [Entry]'s fields,
// built by reading it back out of the [Store] and owned by the handler
// for the duration of one request.
type credentialFields struct {
	RpID                string
	UserID              []byte
	PrivateKey           []byte // PKCS#8 DER
	COSEKey              []byte
	Algorithm            cose.Algorithm
	Policy               Policy
	CredRandomWithUV     []byte
	CredRandomWithoutUV  []byte
	UsageCount           uint32
}

func readCredentialFields(store Store, entry Entry, now time.Time) (*credentialFields, error) {
	f := &credentialFields{}
	if b, ok, err := store.GetField(entry, FieldRpID, now); err != nil {
		return nil, err
	} else if ok {
		f.RpID = string(b)
	}
	if b, ok, err := store.GetField(entry, FieldUserID, now); err != nil {
		return nil, err
	} else if ok {
		f.UserID = b
	}
	if b, ok, err := store.GetField(entry, FieldPrivateKey, now); err != nil {
		return nil, err
	} else if ok {
		f.PrivateKey = b
	}
	if b, ok, err := store.GetField(entry, FieldCOSEKey, now); err != nil {
		return nil, err
	} else if ok {
		f.COSEKey = b
	}
	if b, ok, err := store.GetField(entry, FieldAlgorithm, now); err != nil {
		return nil, err
	} else if ok && len(b) == 8 {
		f.Algorithm = cose.Algorithm(beUint64(b))
	}
	f.Policy = PolicyOptional
	if b, ok, err := store.GetField(entry, FieldPolicy, now); err != nil {
		return nil, err
	} else if ok && len(b) == 1 {
		f.Policy = Policy(b[0])
	}
	if b, ok, err := store.GetField(entry, FieldCredRandomWithUV, now); err != nil {
		return nil, err
	} else if ok {
		f.CredRandomWithUV = b
	}
	if b, ok, err := store.GetField(entry, FieldCredRandomWithoutUV, now); err != nil {
		return nil, err
	} else if ok {
		f.CredRandomWithoutUV = b
	}
	if b, ok, err := store.GetField(entry, FieldUsageCount, now); err != nil {
		return nil, err
	} else if ok && len(b) == 4 {
		f.UsageCount = beUint32(b)
	}
	return f, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
