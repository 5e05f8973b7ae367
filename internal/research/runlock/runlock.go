// Package runlock serializes mutation of a run root through a leased lock
// file with heartbeat renewal and stale-holder eviction.
package runlock

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/paidr/internal/research/artifact"
	"github.com/danshapiro/paidr/internal/research/errs"
)

// FileName is the lock file's name inside a run root.
const FileName = ".run.lock"

// State is the coarse condition of a lock file.
type State string

const (
	StateUnlocked State = "unlocked"
	StateLocked   State = "locked"
	StateStale    State = "stale"
)

// File is the persisted lock payload.
type File struct {
	HolderID        string `json:"holder_id"`
	AcquiredAt      string `json:"acquired_at"`
	LeaseExpiresAt  string `json:"lease_expires_at"`
	LastHeartbeatAt string `json:"last_heartbeat_at"`
	Reason          string `json:"reason"`
}

// Lock is a held lease on a run root. Release it exactly once.
type Lock struct {
	HolderID string

	runRoot string
	path    string
	lease   time.Duration

	mu       sync.Mutex
	released bool
	stop     chan struct{}
	done     chan struct{}
}

// Acquire takes the run lock, succeeding when the lock file is absent, empty,
// or stale. The returned lock renews its lease from a background heartbeat
// every lease/4 until released. Contention returns RUN_LOCKED with the
// current holder in the details.
func Acquire(runRoot string, leaseSeconds int, reason string) (*Lock, error) {
	if leaseSeconds <= 0 {
		return nil, errs.New(errs.InvalidArgs, "lease_seconds must be positive, got %d", leaseSeconds)
	}
	if err := artifact.EnsureDir(runRoot); err != nil {
		return nil, err
	}
	path := filepath.Join(runRoot, FileName)
	now := time.Now().UTC()

	state, cur, err := Inspect(path, now)
	if err != nil {
		return nil, err
	}
	if state == StateLocked {
		return nil, errs.New(errs.RunLocked, "run root is locked by %s", cur.HolderID).WithDetails(map[string]any{
			"holder_id":        cur.HolderID,
			"acquired_at":      cur.AcquiredAt,
			"lease_expires_at": cur.LeaseExpiresAt,
			"reason":           cur.Reason,
		})
	}

	lease := time.Duration(leaseSeconds) * time.Second
	payload := File{
		HolderID:        ulid.Make().String(),
		AcquiredAt:      now.Format(time.RFC3339Nano),
		LeaseExpiresAt:  now.Add(lease).Format(time.RFC3339Nano),
		LastHeartbeatAt: now.Format(time.RFC3339Nano),
		Reason:          reason,
	}
	if err := writeLockFile(path, state, payload); err != nil {
		return nil, err
	}
	// A racing acquirer may have replaced a stale file between our read and
	// write. The file on disk decides the winner.
	var confirm File
	if err := artifact.ReadJSON(path, &confirm); err != nil {
		return nil, err
	}
	if confirm.HolderID != payload.HolderID {
		return nil, errs.New(errs.RunLocked, "run root is locked by %s", confirm.HolderID).WithDetails(map[string]any{
			"holder_id":        confirm.HolderID,
			"acquired_at":      confirm.AcquiredAt,
			"lease_expires_at": confirm.LeaseExpiresAt,
			"reason":           confirm.Reason,
		})
	}

	l := &Lock{
		HolderID: payload.HolderID,
		runRoot:  runRoot,
		path:     path,
		lease:    lease,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// Release stops the heartbeat and removes the lock file. It is a no-op after
// the first call.
func (l *Lock) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	close(l.stop)
	l.mu.Unlock()
	<-l.done

	// Blank the payload before unlinking so a reader racing the unlink sees
	// an empty (acquirable) file rather than a live-looking lease.
	if err := artifact.WriteFileAtomic(l.path, nil, 0o644); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.WriteFailed, err, "remove %s", l.path)
	}
	return nil
}

// Held reports whether the on-disk lock still belongs to this holder.
func (l *Lock) Held() bool {
	var cur File
	if err := artifact.ReadJSON(l.path, &cur); err != nil {
		return false
	}
	return cur.HolderID == l.HolderID
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	interval := l.lease / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			var cur File
			if err := artifact.ReadJSON(l.path, &cur); err != nil {
				return
			}
			if cur.HolderID != l.HolderID {
				// Lost the lease to a stale takeover. Stop renewing.
				return
			}
			now := time.Now().UTC()
			cur.LastHeartbeatAt = now.Format(time.RFC3339Nano)
			cur.LeaseExpiresAt = now.Add(l.lease).Format(time.RFC3339Nano)
			if err := artifact.WriteJSONAtomic(l.path, cur); err != nil {
				return
			}
		}
	}
}

// Inspect classifies a lock file at the given instant and returns its
// payload when one exists.
func Inspect(path string, now time.Time) (State, *File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateUnlocked, nil, nil
		}
		return "", nil, errs.Wrap(errs.InvalidState, err, "read %s", path)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return StateUnlocked, nil, nil
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", nil, errs.Wrap(errs.InvalidJSON, err, "parse %s", path)
	}
	exp, err := time.Parse(time.RFC3339Nano, f.LeaseExpiresAt)
	if err != nil {
		// An unreadable expiry is treated as stale so a crashed writer
		// cannot wedge the run root forever.
		return StateStale, &f, nil
	}
	if !now.Before(exp) {
		return StateStale, &f, nil
	}
	return StateLocked, &f, nil
}

// Read returns the current lock payload, or nil when unlocked.
func Read(runRoot string) (*File, error) {
	_, f, err := Inspect(filepath.Join(runRoot, FileName), time.Now().UTC())
	return f, err
}

func writeLockFile(path string, prior State, payload File) error {
	data, err := artifact.EncodeJSON(payload)
	if err != nil {
		return err
	}
	if prior == StateUnlocked {
		// O_EXCL makes the absent-file case race-free between two fresh
		// acquirers. An empty file from a half-finished release is replaced
		// through the rename path below.
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil {
				return errs.Wrap(errs.WriteFailed, werr, "write %s", path)
			}
			if cerr != nil {
				return errs.Wrap(errs.WriteFailed, cerr, "close %s", path)
			}
			return nil
		}
		if !os.IsExist(err) {
			return errs.Wrap(errs.WriteFailed, err, "create %s", path)
		}
	}
	return artifact.WriteFileAtomic(path, data, 0o644)
}
