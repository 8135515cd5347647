// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store_test

import (
	"crypto/sha256"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-webauthn/ctap2-authenticator"
	"github.com/go-webauthn/ctap2-authenticator/store"
)

func openSQLite(t *testing.T, path string, maxSize int) *store.SQLite {
	t.Helper()
	s, err := store.Open(path, maxSize)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteRejectsDuplicateID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctap2.db")
	s := openSQLite(t, path, 0)
	now := time.Now()
	var id ctap2.CredentialID
	id[0] = 0x02

	entry1, err := s.CreateEntry(id)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := s.AddField(entry1, ctap2.FieldRpID, []byte("a.example"), now); err != nil {
		t.Fatalf("AddField: %v", err)
	}
	if err := s.AddEntry(entry1); err != nil {
		t.Fatalf("first AddEntry: %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	entry2, err := s.CreateEntry(id)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	err = s.AddEntry(entry2)
	if ctap2.AsStatus(err) != ctap2.StatusKeyStoreFull {
		t.Fatalf("second AddEntry with colliding id: status = %v, want key_store_full", ctap2.AsStatus(err))
	}
}

func TestSQLiteRespectsMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctap2.db")
	s := openSQLite(t, path, 1)

	var first ctap2.CredentialID
	first[0] = 0x01
	entry1, err := s.CreateEntry(first)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := s.AddEntry(entry1); err != nil {
		t.Fatalf("first AddEntry: %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var second ctap2.CredentialID
	second[0] = 0x02
	entry2, err := s.CreateEntry(second)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	err = s.AddEntry(entry2)
	if ctap2.AsStatus(err) != ctap2.StatusKeyStoreFull {
		t.Fatalf("AddEntry past maxSize: status = %v, want key_store_full", ctap2.AsStatus(err))
	}
}

func TestSQLiteListByRPIDHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctap2.db")
	s := openSQLite(t, path, 0)
	now := time.Now()

	var idA, idB, idC ctap2.CredentialID
	idA[0], idB[0], idC[0] = 0x01, 0x02, 0x03
	for i, id := range []ctap2.CredentialID{idA, idB, idC} {
		entry, err := s.CreateEntry(id)
		if err != nil {
			t.Fatalf("CreateEntry: %v", err)
		}
		rp := "example.com"
		if i == 2 {
			rp = "other.example"
		}
		if err := s.AddField(entry, ctap2.FieldRpID, []byte(rp), now); err != nil {
			t.Fatalf("AddField: %v", err)
		}
		if err := s.AddEntry(entry); err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	hash := sha256.Sum256([]byte("example.com"))
	entries, err := s.ListByRPIDHash(hash)
	if err != nil {
		t.Fatalf("ListByRPIDHash: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestSQLiteReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctap2.db")
	s := openSQLite(t, path, 0)

	var id ctap2.CredentialID
	id[0] = 0x09
	entry, err := s.CreateEntry(id)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := s.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, err := s.GetEntry(id); err != nil || ok {
		t.Fatalf("entry still present after Reset: ok=%v err=%v", ok, err)
	}
}

// TestSQLitePersistIsTheDurabilityBoundary exercises §4.B's atomicity
// contract across two independent connections to the same file: a second
// handle to the database must not observe a credential staged by the
// first until the first calls Persist, since the staging transaction is
// only visible to a second connection after it commits.
func TestSQLitePersistIsTheDurabilityBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctap2.db")
	writer := openSQLite(t, path, 0)
	reader := openSQLite(t, path, 0)

	var id ctap2.CredentialID
	id[0] = 0x05
	entry, err := writer.CreateEntry(id)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := writer.AddEntry(entry); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if _, ok, err := reader.GetEntry(id); err != nil || ok {
		t.Fatalf("second connection saw entry before Persist: ok=%v err=%v", ok, err)
	}

	if err := writer.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if _, ok, err := reader.GetEntry(id); err != nil || !ok {
		t.Fatalf("second connection missing entry after Persist: ok=%v err=%v", ok, err)
	}
}
