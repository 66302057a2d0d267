/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package signature derives deterministic failure signatures for Recovery
// Memory (spec §4.2): sorted, normalized failure tokens with volatile parts
// — numbers, timestamps, paths — masked, so that two failures of the same
// underlying class collapse to one key regardless of incidental detail.
// The masking approach is grounded on the teacher's credential-redaction
// regexp-table pattern (internal/shared/security/sanitize.go), repurposed
// from secret scrubbing to volatility scrubbing.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

const maskToken = "#"

// volatilePatterns mask tokens that vary run-to-run but don't change the
// underlying failure class: timestamps, absolute/relative paths, bare
// numbers, UUIDs, and hex hashes.
var volatilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\b`), // ISO8601
	regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), // UUID
	regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`),  // long hex hashes
	regexp.MustCompile(`(/[\w.\-]+){2,}`),       // absolute/relative paths
	regexp.MustCompile(`\b\d+`),                 // numbers, including ones with a unit suffix such as 4500ms (port, pid, count, line no.)
}

// Normalize collapses a raw failure message into its masked, lower-cased,
// whitespace-collapsed form.
func Normalize(message string) string {
	out := message
	for _, pattern := range volatilePatterns {
		out = pattern.ReplaceAllString(out, maskToken)
	}
	out = strings.ToLower(out)
	out = strings.Join(strings.Fields(out), " ")
	return out
}

// Tokens splits a normalized message into sorted, deduplicated tokens —
// the "sorted, normalized failure tokens" the spec requires as signature
// input, so that token order in the original message doesn't affect the
// derived key.
func Tokens(message string) []string {
	normalized := Normalize(message)
	fields := strings.Fields(normalized)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Signature derives a deterministic signature from an error class plus a
// raw failure message. Two messages that differ only in volatile tokens
// (numbers, timestamps, paths) produce the same signature.
func Signature(errorClass, message string) string {
	tokens := Tokens(message)
	canonical := errorClass + "|" + strings.Join(tokens, " ")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}
