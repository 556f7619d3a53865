// Package flags implements the filesystem-mediated process control
// surface: the kill-switch marker, the router pause flag, the pipeline
// fast-path flag, lease files, and lightweight .lock markers. These stay on
// the filesystem rather than in the State Store because they must survive
// process crashes and be writable by operators and recovery tooling with
// nothing more than a shell.
package flags

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sanad/internal/core"
)

// LockTTL is how long a .lock marker is honored before the watchdog may
// reclaim it as stale.
const LockTTL = 15 * time.Minute

// KillSwitch wraps the kill-switch marker file. Its contents spell TRUE
// when active; any other content (or absence) means inactive.
type KillSwitch struct {
	Path string
}

// Active reports whether the kill switch is set. Unreadable-but-present
// files count as active: the write paths must fail closed when the marker
// cannot be interpreted.
func (k KillSwitch) Active() bool {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		return true
	}
	return strings.TrimSpace(string(data)) == "TRUE"
}

// Activate writes the marker atomically with the given reason recorded in a
// sibling .reason file for operators.
func (k KillSwitch) Activate(reason string) error {
	if err := writeFileAtomic(k.Path, []byte("TRUE")); err != nil {
		return fmt.Errorf("write kill switch: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{
		"reason":       reason,
		"activated_at": time.Now().UTC().Format(time.RFC3339),
	})
	// Reason metadata is best-effort; the marker itself is authoritative.
	_ = writeFileAtomic(k.Path+".reason", meta)
	return nil
}

// Deactivate removes the marker. Only operators call this.
func (k KillSwitch) Deactivate() error {
	if err := os.Remove(k.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(k.Path + ".reason")
	return nil
}

// Flag is a plain presence-based flag file (pause, fast-path).
type Flag struct {
	Path string
}

func (f Flag) Set() bool {
	if f.Path == "" {
		return false
	}
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f Flag) Raise(contents string) error {
	return writeFileAtomic(f.Path, []byte(contents))
}

func (f Flag) Clear() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LeaseFile is a worker's liveness token under the leases/ directory, the
// filesystem twin of the store's leases table. The owning worker is the
// only writer; the watchdog only reads.
type LeaseFile struct {
	Dir   string
	Owner string
}

func (l LeaseFile) path() string {
	return filepath.Join(l.Dir, l.Owner+".lease")
}

// Start writes a fresh lease at the beginning of a worker cycle.
func (l LeaseFile) Start(ttlSeconds int, now time.Time) error {
	return l.write(core.Lease{
		Owner:       l.Owner,
		StartedAt:   now,
		HeartbeatAt: now,
		TTLSeconds:  ttlSeconds,
	})
}

// Touch refreshes heartbeat_at mid-cycle.
func (l LeaseFile) Touch(now time.Time) error {
	lease, err := l.Read()
	if err != nil || lease == nil {
		return l.Start(60, now)
	}
	lease.HeartbeatAt = now
	return l.write(*lease)
}

// Complete records a clean exit.
func (l LeaseFile) Complete(now time.Time) error {
	lease, err := l.Read()
	if err != nil || lease == nil {
		return nil
	}
	lease.HeartbeatAt = now
	lease.CompletedAt = now
	return l.write(*lease)
}

// Read returns the lease on disk, or nil if none exists.
func (l LeaseFile) Read() (*core.Lease, error) {
	data, err := os.ReadFile(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var raw struct {
		Owner       string `json:"owner"`
		StartedAt   string `json:"started_at"`
		HeartbeatAt string `json:"heartbeat_at"`
		CompletedAt string `json:"completed_at,omitempty"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse lease file %s: %w", l.path(), err)
	}
	lease := core.Lease{Owner: raw.Owner, TTLSeconds: raw.TTLSeconds}
	lease.StartedAt, _ = time.Parse(time.RFC3339Nano, raw.StartedAt)
	lease.HeartbeatAt, _ = time.Parse(time.RFC3339Nano, raw.HeartbeatAt)
	if raw.CompletedAt != "" {
		lease.CompletedAt, _ = time.Parse(time.RFC3339Nano, raw.CompletedAt)
	}
	return &lease, nil
}

func (l LeaseFile) write(lease core.Lease) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return err
	}
	raw := map[string]interface{}{
		"owner":        lease.Owner,
		"started_at":   lease.StartedAt.UTC().Format(time.RFC3339Nano),
		"heartbeat_at": lease.HeartbeatAt.UTC().Format(time.RFC3339Nano),
		"ttl_seconds":  lease.TTLSeconds,
	}
	if !lease.CompletedAt.IsZero() {
		raw["completed_at"] = lease.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return writeFileAtomic(l.path(), data)
}

// Lock is a lightweight .lock marker with a 15-minute TTL. It is advisory:
// a worker that finds a fresh lock skips its cycle; stale locks are
// reclaimed by the watchdog (or by TryAcquire itself).
type Lock struct {
	Path string
}

// TryAcquire creates the marker if absent or stale. Returns false if a
// fresh lock is held by someone else.
func (lk Lock) TryAcquire(now time.Time) (bool, error) {
	info, err := os.Stat(lk.Path)
	if err == nil {
		if now.Sub(info.ModTime()) < LockTTL {
			return false, nil
		}
		// Stale: reclaim.
		if err := os.Remove(lk.Path); err != nil && !os.IsNotExist(err) {
			return false, err
		}
	} else if !os.IsNotExist(err) {
		return false, err
	}

	f, err := os.OpenFile(lk.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	_, _ = fmt.Fprintf(f, "pid=%d\n", os.Getpid())
	return true, f.Close()
}

// Release removes the marker.
func (lk Lock) Release() error {
	if err := os.Remove(lk.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stale reports whether the lock file exists and is older than LockTTL.
func (lk Lock) Stale(now time.Time) bool {
	info, err := os.Stat(lk.Path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) >= LockTTL
}

// writeFileAtomic writes via a temp file + rename so readers never observe
// a partially written flag.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSONAtomic marshals v and writes it atomically, the shared helper
// every component uses for its JSON state files (router state, diagnostic
// packages, price caches).
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadJSON loads a JSON state file into v. Missing files leave v untouched
// and return os.ErrNotExist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
