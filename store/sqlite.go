// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/go-webauthn/ctap2-authenticator"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting the helper
// methods below run either against the committed database or against the
// transaction currently staging one request's mutations.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id BLOB PRIMARY KEY,
	rp_id_hash BLOB
);
CREATE TABLE IF NOT EXISTS credential_fields (
	id BLOB NOT NULL,
	key TEXT NOT NULL,
	value BLOB,
	updated_at INTEGER,
	PRIMARY KEY (id, key)
);
CREATE INDEX IF NOT EXISTS credentials_rp_id_hash ON credentials(rp_id_hash);
`

// SQLite is a durable [ctap2.Store] backed by a pure-Go SQLite driver. One
// request's CreateEntry/AddField/AddEntry calls are staged inside a
// single transaction opened lazily at the first CreateEntry or AddField;
// Persist commits it,
// giving the all-or-nothing guarantee §4.B requires directly from SQL
// transaction semantics rather than hand-rolled undo logic.
type SQLite struct {
	db      *sql.DB
	tx      *sql.Tx
	maxSize int
}

// Open creates (or reuses) a SQLite-backed store at path, which may be a
// file path or ":memory:".
func Open(path string, maxSize int) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}
	return &SQLite{db: db, maxSize: maxSize}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// q returns the active transaction if one is open, else the raw database
// handle, so every helper can be written once against the querier
// interface.
func (s *SQLite) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

type sqliteEntry struct {
	id ctap2.CredentialID
}

func (e *sqliteEntry) ID() ctap2.CredentialID { return e.id }

func (s *SQLite) beginTx() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *SQLite) CreateEntry(id ctap2.CredentialID) (ctap2.Entry, error) {
	if err := s.beginTx(); err != nil {
		return nil, err
	}
	return &sqliteEntry{id: id}, nil
}

func (s *SQLite) AddField(entry ctap2.Entry, key ctap2.FieldKey, value []byte, now time.Time) error {
	e, ok := entry.(*sqliteEntry)
	if !ok {
		return fmt.Errorf("store: foreign entry type %T", entry)
	}
	if err := s.beginTx(); err != nil {
		return err
	}
	_, err := s.q().ExecContext(context.Background(),
		`INSERT INTO credential_fields (id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		e.id[:], string(key), value, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: writing field %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) GetField(entry ctap2.Entry, key ctap2.FieldKey, _ time.Time) ([]byte, bool, error) {
	e, ok := entry.(*sqliteEntry)
	if !ok {
		return nil, false, fmt.Errorf("store: foreign entry type %T", entry)
	}
	var value []byte
	err := s.q().QueryRowContext(context.Background(),
		`SELECT value FROM credential_fields WHERE id = ? AND key = ?`, e.id[:], string(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading field %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) GetEntry(id ctap2.CredentialID) (ctap2.Entry, bool, error) {
	var found []byte
	err := s.q().QueryRowContext(context.Background(),
		`SELECT id FROM credentials WHERE id = ?`, id[:]).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: looking up credential: %w", err)
	}
	return &sqliteEntry{id: id}, true, nil
}

func (s *SQLite) AddEntry(entry ctap2.Entry) error {
	e, ok := entry.(*sqliteEntry)
	if !ok {
		return fmt.Errorf("store: foreign entry type %T", entry)
	}
	if s.maxSize > 0 {
		var count int
		if err := s.q().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM credentials`).Scan(&count); err != nil {
			return fmt.Errorf("store: counting credentials: %w", err)
		}
		if count >= s.maxSize {
			return &ctap2.Error{Status: ctap2.StatusKeyStoreFull}
		}
	}

	var rpIDHash []byte
	var rpID []byte
	err := s.q().QueryRowContext(context.Background(),
		`SELECT value FROM credential_fields WHERE id = ? AND key = ?`, e.id[:], string(ctap2.FieldRpID)).Scan(&rpID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rpIDHash = nil
	case err != nil:
		return fmt.Errorf("store: reading rp id for index: %w", err)
	default:
		sum := sha256.Sum256(rpID)
		rpIDHash = sum[:]
	}

	_, err = s.q().ExecContext(context.Background(),
		`INSERT INTO credentials (id, rp_id_hash) VALUES (?, ?)`, e.id[:], rpIDHash)
	if err != nil {
		return &ctap2.Error{Status: ctap2.StatusKeyStoreFull}
	}
	return nil
}

func (s *SQLite) Persist() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}
	return nil
}

func (s *SQLite) ListByRPIDHash(rpIDHash [32]byte) ([]ctap2.Entry, error) {
	rows, err := s.q().QueryContext(context.Background(),
		`SELECT id FROM credentials WHERE rp_id_hash = ?`, rpIDHash[:])
	if err != nil {
		return nil, fmt.Errorf("store: listing credentials: %w", err)
	}
	defer rows.Close()

	var out []ctap2.Entry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scanning credential id: %w", err)
		}
		var id ctap2.CredentialID
		copy(id[:], raw)
		out = append(out, &sqliteEntry{id: id})
	}
	return out, rows.Err()
}

// Reset deletes every stored credential. See [Memory.Reset].
func (s *SQLite) Reset() error {
	if _, err := s.db.Exec(`DELETE FROM credentials`); err != nil {
		return fmt.Errorf("store: resetting credentials: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM credential_fields`); err != nil {
		return fmt.Errorf("store: resetting credential fields: %w", err)
	}
	return nil
}

var _ ctap2.Store = (*SQLite)(nil)
