/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package adapter invokes the configured AI adapter command as a
// short-lived sub-process per spec (spec §4.5): working directory set to
// the spec dir, stdout/stderr captured and streamed, exit code and stderr
// handed to internal/governor for classification, and a graceful-then-
// hard-kill timeout. Grounded on the teacher's sub-process streaming idiom
// (goroutines draining stdout/stderr pipes into a synchronized buffer,
// originally written for the probe's command executor).
package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/marcus-qen/autoloop/internal/governor"
	"github.com/marcus-qen/autoloop/internal/redact"
)

// GracePeriod is how long a spec gets between SIGTERM and SIGKILL.
const GracePeriod = 5 * time.Second

// Spec describes one sub-process invocation.
type Spec struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Timeout    time.Duration
}

// Result is one invocation's outcome, independent of governor retry logic.
type Result struct {
	ExitCode       int
	Classification governor.Classification
	RetryAfterMs   int64
	StdoutExcerpt  string
	ElapsedMs      int64
	TimedOut       bool
}

// Run executes spec once, collecting stdout/stderr into in-memory buffers
// (not size-bounded; only the returned excerpt is capped, and secrets are
// redacted from it before the caller ever sees it) and classifying the
// outcome. ctx governs overall cancellation in addition to spec.Timeout.
func Run(ctx context.Context, spec Spec) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := buildCommand(runCtx, spec)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("adapter stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("adapter stderr pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, &mu, stdoutPipe, &stdout)
	go drain(&wg, &mu, stderrPipe, &stderr)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("adapter start: %w", err)
	}

	waitErr := waitWithGracePeriod(runCtx, cmd)
	wg.Wait()
	elapsed := time.Since(start)

	exitCode := exitCodeOf(cmd, waitErr)
	class, retryAfterMs := governor.Classify(exitCode, stderr.String(), stdout.String())

	return Result{
		ExitCode:       exitCode,
		Classification: class,
		RetryAfterMs:   retryAfterMs,
		StdoutExcerpt:  redact.Excerpt(stdout.String(), 4096),
		ElapsedMs:      elapsed.Milliseconds(),
		TimedOut:       runCtx.Err() == context.DeadlineExceeded,
	}, nil
}

func buildCommand(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Env
	return cmd
}

func drain(wg *sync.WaitGroup, mu *sync.Mutex, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			mu.Lock()
			buf.Write(chunk[:n])
			mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// waitWithGracePeriod waits for cmd to exit. If the context deadline fires
// first, it sends a graceful termination signal, then force-kills after
// GracePeriod if the process hasn't exited.
func waitWithGracePeriod(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		terminate(cmd)
		select {
		case err := <-done:
			return err
		case <-time.After(GracePeriod):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
}

func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
