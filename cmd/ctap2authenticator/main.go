// Copyright 2023 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Command ctap2authenticator runs a CTAP2 authenticator core against a
// loopback command reader, for manually exercising MakeCredential and
// GetAssertion without a real USB-HID transport.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"hermannm.dev/devlog"

	"github.com/go-webauthn/ctap2-authenticator"
	"github.com/go-webauthn/ctap2-authenticator/cose"
	"github.com/go-webauthn/ctap2-authenticator/store"
)

var runFlags = flag.NewFlagSet("ctap2authenticator", flag.ExitOnError)

var (
	dbPath      string
	alwaysUV    bool
	residentKey bool
	builtinUV   bool
	debug       bool
)

func init() {
	runFlags.StringVar(&dbPath, "db", "", "SQLite database file path (default: in-memory store)")
	runFlags.BoolVar(&alwaysUV, "always-uv", false, "Require UV on every credential operation")
	runFlags.BoolVar(&residentKey, "rk", true, "Support resident (discoverable) credentials")
	runFlags.BoolVar(&builtinUV, "uv", false, "Simulate a built-in UV method that always succeeds")
	runFlags.BoolVar(&debug, "debug", false, "Print debug-level logs")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctap2authenticator:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := runFlags.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := &slog.LevelVar{}
	if debug {
		level.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: level,
	})))

	var credStore ctap2.Store
	if dbPath == "" {
		credStore = store.NewMemory(0)
	} else {
		sqliteStore, err := store.Open(dbPath, 0)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer sqliteStore.Close()
		credStore = sqliteStore
	}

	aaguid, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("generating aaguid: %w", err)
	}

	auth := &ctap2.Authenticator{
		Options: &ctap2.Options{
			AAGUID:              ctap2.AAGUID(aaguid),
			SupportedAlgorithms: []cose.Algorithm{cose.ES256, cose.ES384},
			UV:                  builtinUV,
			RK:                  residentKey,
			AlwaysUV:            alwaysUV,
		},
		Store: credStore,
		Rand:  rand.Reader,
		UP:    &autoAcceptUP{},
	}
	if builtinUV {
		auth.UV = &autoAcceptUV{}
	}

	slog.Info("authenticator ready", "aaguid", aaguid.String(), "rk", residentKey, "uv", builtinUV)
	return runLoop(auth, os.Stdin, os.Stdout)
}

// runLoop reads one hex-encoded `command-byte || cbor-payload` line at a
// time and writes back `status-byte || cbor-response` hex-encoded,
// standing in for a real HID/NFC/BLE transport loop.
func runLoop(auth *ctap2.Authenticator, in *os.File, out *os.File) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) == 0 {
			slog.Error("malformed request line", "error", err)
			continue
		}
		status, resp := auth.Handle(ctap2.Command(raw[0]), raw[1:])
		fmt.Fprintln(out, hex.EncodeToString(append([]byte{byte(status)}, resp...)))
	}
	return scanner.Err()
}

// autoAcceptUP is a UserPresenceCallback that immediately accepts every
// prompt, standing in for a physical button press.
type autoAcceptUP struct{}

func (*autoAcceptUP) Prompt(ctap2.Intent, *ctap2.UserEntity, *ctap2.RelyingParty) (ctap2.UPResult, error) {
	return ctap2.UPAccepted, nil
}

// autoAcceptUV is a UserVerificationCallback that always succeeds,
// standing in for a fingerprint sensor or PIN pad.
type autoAcceptUV struct{}

func (*autoAcceptUV) Verify() (bool, error) { return true, nil }
