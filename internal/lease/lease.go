/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package lease implements file-based mutual exclusion with TTL takeover
// (spec §4.3): the Lease Lock used by controllers and cross-cutting
// operations, and the finer-grained Task Lock used for per-task claims.
// Both share one atomic create-exclusive primitive, grounded on the
// teacher's write-temp-then-rename convention (internal/fsutil, itself
// adapted from internal/probe/updater/updater.go).
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus-qen/autoloop/internal/errs"
	"github.com/marcus-qen/autoloop/internal/fsutil"
)

// Lock is the on-disk shape shared by lease locks and task locks.
type Lock struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLMs      int64     `json:"ttlMs"`
	Reason     string    `json:"reason,omitempty"`
}

// Expired reports whether the lock is past its TTL as of now.
func (l Lock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > time.Duration(l.TTLMs)*time.Millisecond
}

// Acquire attempts an atomic create-exclusive at path. If the file
// already exists, it reads the existing lock and takes over iff
// now-acquiredAt > ttlMs; otherwise it returns errs.ErrLocked.
func Acquire(path, holderID string, ttl time.Duration, reason string) (Lock, error) {
	lock := Lock{HolderID: holderID, AcquiredAt: time.Now().UTC(), TTLMs: ttl.Milliseconds(), Reason: reason}
	data, err := json.Marshal(lock)
	if err != nil {
		return Lock{}, fmt.Errorf("marshal lock: %w", err)
	}

	if err := fsutil.CreateExclusive(path, data); err == nil {
		return lock, nil
	} else if !os.IsExist(err) {
		return Lock{}, fmt.Errorf("create lock %s: %w", path, err)
	}

	existing, err := Read(path)
	if err != nil {
		return Lock{}, fmt.Errorf("read existing lock %s: %w", path, err)
	}
	if !existing.Expired(time.Now()) {
		return Lock{}, fmt.Errorf("lock %s held by %s: %w", path, existing.HolderID, errs.ErrLocked)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return Lock{}, fmt.Errorf("takeover lock %s: %w", path, err)
	}
	return lock, nil
}

// Read loads the lock at path.
func Read(path string) (Lock, error) {
	var lock Lock
	if err := fsutil.ReadJSON(path, &lock); err != nil {
		return Lock{}, err
	}
	return lock, nil
}

// Heartbeat extends a held lock's acquiredAt, proving the holder matches.
func Heartbeat(path, holderID string) error {
	lock, err := Read(path)
	if err != nil {
		return fmt.Errorf("heartbeat read %s: %w", path, err)
	}
	if lock.HolderID != holderID {
		return fmt.Errorf("heartbeat %s: held by %s, not %s: %w", path, lock.HolderID, holderID, errs.ErrLocked)
	}
	lock.AcquiredAt = time.Now().UTC()
	return fsutil.WriteJSONAtomic(path, lock, 0o644)
}

// Release deletes the lock file at path, only if held by holderID.
func Release(path, holderID string) error {
	lock, err := Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release read %s: %w", path, err)
	}
	if lock.HolderID != holderID {
		return fmt.Errorf("release %s: held by %s, not %s: %w", path, lock.HolderID, holderID, errs.ErrLocked)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", path, err)
	}
	return nil
}

// ReleaseAllForHolder walks dir (specs/<spec>/locks/*.lock) and removes
// every task-lock file whose holderId equals agentID — the agent-
// deregistration cleanup invariant from spec §4.3/§8.
func ReleaseAllForHolder(dir, agentID string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		lock, err := Read(path)
		if err != nil {
			continue
		}
		if lock.HolderID == agentID {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove task lock %s: %w", path, err)
			}
		}
	}
	return nil
}
