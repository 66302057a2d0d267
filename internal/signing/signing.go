/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package signing provides HMAC-SHA256 integrity stamps. Its consumer is
// the release-evidence store (releaseevidence.Store.WithSigner), which
// stamps recorded outcomes; session snapshots are not signed. Adapted from
// the teacher's command-signing package (internal/shared/signing/signing.go);
// this repository has no probe/control-plane wire protocol, so the consumer
// is the release-evidence writer instead of command dispatch.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes HMAC-SHA256 over id|json(payload).
func (s *Signer) Sign(id string, payload any) (string, error) {
	canonical, err := canonicalize(id, payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature matches the payload.
func (s *Signer) Verify(id string, payload any, signature string) error {
	expected, err := s.Sign(id, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func canonicalize(id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical := make([]byte, 0, len(id)+1+len(data))
	canonical = append(canonical, []byte(id)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, data...)
	return canonical, nil
}

// DeriveScopeKey derives a per-scope signing key from a master key, the
// way the teacher derives a per-probe key (DeriveProbeKey) — here scoped
// to a recovery-memory/session scope string (projectFingerprint+gitBranch)
// instead of a probe id.
func DeriveScopeKey(masterKey []byte, scope string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("autoloop-scope-signing|" + scope))
	return mac.Sum(nil)
}
