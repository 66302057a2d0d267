/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package governor

import (
	"regexp"
	"strconv"
	"strings"
)

// Classification is the outcome of inspecting one adapter subprocess
// failure: the orchestrator retries Transient and RateLimited failures
// (mediated by the governor), and treats Fatal as terminal for the spec.
type Classification string

const (
	ClassSuccess    Classification = "success"
	ClassTransient  Classification = "transient"
	ClassRateLimit  Classification = "rate-limited"
	ClassFatal      Classification = "fatal"
)

// rateLimitMarkers are exact/substring matches against stderr text or exit
// reason, in descending specificity — mirrors classifier.go's
// observeCommands/diagnoseCommands prefix tables, repurposed here to rate-
// limit phrase matching instead of shell-command risk tiers.
var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"rate-limit",
	"too many requests",
	"try again in",
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry-after[:\s]+(\d+)`)
var tryAgainPattern = regexp.MustCompile(`(?i)try again in\s+(\d+)`)

// transientExitCodes are exit codes the orchestrator retries without
// governor involvement (process-level failures, not provider signals).
var transientExitCodes = map[int]bool{
	124: true, // timeout(1) convention
	137: true, // SIGKILL
	143: true, // SIGTERM
}

// Classify inspects an adapter subprocess's exit code and captured
// stderr/stdout and returns a Classification plus an optional Retry-After
// hint in milliseconds (0 if absent).
func Classify(exitCode int, stderr, stdout string) (Classification, int64) {
	if exitCode == 0 {
		return ClassSuccess, 0
	}

	combined := strings.ToLower(stderr + "\n" + stdout)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(combined, marker) {
			return ClassRateLimit, retryAfterMs(combined)
		}
	}

	if transientExitCodes[exitCode] {
		return ClassTransient, 0
	}

	// Provider 5xx class failures are treated as transient (retried by
	// the orchestrator), matching spec §7 error taxonomy item 3.
	if strings.Contains(combined, "5xx") || matches5xx(combined) {
		return ClassTransient, 0
	}

	// Unrecognized exit or missing binary: fatal per spec §7 item 6.
	if exitCode < 0 || strings.Contains(combined, "executable file not found") || strings.Contains(combined, "no such file or directory") {
		return ClassFatal, 0
	}

	return ClassTransient, 0
}

func matches5xx(s string) bool {
	for code := 500; code < 600; code++ {
		if strings.Contains(s, strconv.Itoa(code)) {
			return true
		}
	}
	return false
}

// retryAfterMs extracts a Retry-After/"try again in N" hint in
// milliseconds from combined adapter output, returning 0 if absent.
func retryAfterMs(combined string) int64 {
	if m := retryAfterPattern.FindStringSubmatch(combined); len(m) == 2 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return secs * 1000
		}
	}
	if m := tryAgainPattern.FindStringSubmatch(combined); len(m) == 2 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return secs * 1000
		}
	}
	return 0
}
