// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package store provides two implementations of the ctap2.Store
// contract: an in-memory adapter for tests and short-lived processes, and
// a durable SQLite-backed adapter.
package store

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/ctap2-authenticator"
)

// fields is the mutable field bag behind one in-flight or committed
// entry.
type fields struct {
	id   ctap2.CredentialID
	data map[ctap2.FieldKey][]byte
}

func (f *fields) ID() ctap2.CredentialID { return f.id }

// Memory is a process-lifetime, map-backed [ctap2.Store]. Persist is a
// no-op beyond copying staged mutations into the committed index, since
// there is no durable medium underneath. New entries are staged in a
// pending map that only becomes visible to GetEntry/ListByRPIDHash at
// Persist; AddField writes straight into the entry it is given, so a
// field change on an already committed entry is visible at once.
type Memory struct {
	mu        sync.Mutex
	committed map[ctap2.CredentialID]*fields
	pending   map[ctap2.CredentialID]*fields
	maxSize   int
}

// NewMemory returns an empty Memory store. maxSize bounds AddEntry; zero
// means unbounded.
func NewMemory(maxSize int) *Memory {
	return &Memory{
		committed: make(map[ctap2.CredentialID]*fields),
		pending:   make(map[ctap2.CredentialID]*fields),
		maxSize:   maxSize,
	}
}

func (m *Memory) CreateEntry(id ctap2.CredentialID) (ctap2.Entry, error) {
	return &fields{id: id, data: make(map[ctap2.FieldKey][]byte)}, nil
}

func (m *Memory) AddField(entry ctap2.Entry, key ctap2.FieldKey, value []byte, _ time.Time) error {
	f, ok := entry.(*fields)
	if !ok {
		return fmt.Errorf("store: foreign entry type %T", entry)
	}
	cp := append([]byte(nil), value...)
	f.data[key] = cp
	return nil
}

func (m *Memory) GetField(entry ctap2.Entry, key ctap2.FieldKey, _ time.Time) ([]byte, bool, error) {
	f, ok := entry.(*fields)
	if !ok {
		return nil, false, fmt.Errorf("store: foreign entry type %T", entry)
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (m *Memory) GetEntry(id ctap2.CredentialID) (ctap2.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.committed[id]
	return f, ok, nil
}

func (m *Memory) AddEntry(entry ctap2.Entry) error {
	f, ok := entry.(*fields)
	if !ok {
		return fmt.Errorf("store: foreign entry type %T", entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.committed[f.id]; exists {
		return &ctap2.Error{Status: ctap2.StatusKeyStoreFull}
	}
	if _, exists := m.pending[f.id]; exists {
		return &ctap2.Error{Status: ctap2.StatusKeyStoreFull}
	}
	if m.maxSize > 0 && len(m.committed)+len(m.pending) >= m.maxSize {
		return &ctap2.Error{Status: ctap2.StatusKeyStoreFull}
	}
	m.pending[f.id] = f
	return nil
}

// Persist moves every staged entry into the committed index atomically
// (from the caller's point of view: either all of them land, or — since
// this implementation cannot itself fail — none of the staging was ever
// observable to GetEntry in the first place).
func (m *Memory) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.pending {
		m.committed[id] = f
	}
	m.pending = make(map[ctap2.CredentialID]*fields)
	return nil
}

func (m *Memory) ListByRPIDHash(rpIDHash [32]byte) ([]ctap2.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ctap2.Entry
	for _, f := range m.committed {
		if rpID, ok := f.data[ctap2.FieldRpID]; ok {
			if sha256.Sum256(rpID) == rpIDHash {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// Reset deletes every committed and pending entry. Called by
// [ctap2.Authenticator.Reset]; not part of the [ctap2.Store] interface
// since it is a peripheral operation, not one MakeCredential/GetAssertion
// rely on.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = make(map[ctap2.CredentialID]*fields)
	m.pending = make(map[ctap2.CredentialID]*fields)
	return nil
}

var _ ctap2.Store = (*Memory)(nil)
