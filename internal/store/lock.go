package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clashd27/internal/logging"
)

// ErrLockHeld is returned when a live scheduler already owns the tick lock.
var ErrLockHeld = errors.New("tick lock held by live owner")

// LockRecord is the advisory lock document.
type LockRecord struct {
	OwnerPID  int       `json:"owner_pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how long ago the record was written.
func (r LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// Same reports whether r and o are the same record.
func (r LockRecord) Same(o LockRecord) bool {
	return r.OwnerPID == o.OwnerPID && r.Timestamp.Equal(o.Timestamp)
}

// Lock is the cross-process tick lock. A record younger than staleAfter
// blocks acquisition; an older one is treated as abandoned by a crashed
// owner and overwritten.
type Lock struct {
	path       string
	staleAfter time.Duration
	pid        int
	held       *LockRecord

	Now func() time.Time
}

// NewLock creates a lock backed by the file at path.
func NewLock(path string, staleAfter time.Duration) *Lock {
	return &Lock{
		path:       path,
		staleAfter: staleAfter,
		pid:        os.Getpid(),
		Now:        time.Now,
	}
}

// Read returns the current record, if any.
func (l *Lock) Read() (LockRecord, bool, error) {
	var rec LockRecord
	found, err := ReadJSON(l.path, &rec)
	return rec, found, err
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *Lock) Acquire() (LockRecord, error) {
	now := l.Now().UTC()
	rec := LockRecord{OwnerPID: l.pid, Timestamp: now}

	existing, found, err := l.Read()
	if err != nil {
		return LockRecord{}, err
	}
	if found {
		age := existing.Age(now)
		if age < l.staleAfter {
			return existing, fmt.Errorf("%w (pid %d, age %s)", ErrLockHeld, existing.OwnerPID, age.Round(time.Second))
		}
		won, err := l.claimStale(existing)
		if err != nil {
			return LockRecord{}, err
		}
		if !won {
			return existing, fmt.Errorf("%w (stale pid %d claimed by another process)", ErrLockHeld, existing.OwnerPID)
		}
		logging.SchedulerWarn("overriding stale lock from pid %d (age %s)", existing.OwnerPID, age.Round(time.Second))
		if err := WriteJSONAtomic(l.path, rec); err != nil {
			return LockRecord{}, fmt.Errorf("overwrite stale lock: %w", err)
		}
		l.held = &rec
		return rec, nil
	}

	if err := l.create(rec); err != nil {
		if errors.Is(err, ErrLockHeld) {
			current, _, _ := l.Read()
			return current, fmt.Errorf("%w (pid %d)", ErrLockHeld, current.OwnerPID)
		}
		return LockRecord{}, err
	}
	l.held = &rec
	return rec, nil
}

// create writes rec to a private file and hard-links it into place, so the
// lock appears complete or not at all and only one creator can win.
func (l *Lock) create(rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d-%d", l.path, l.pid, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, l.path); err != nil {
		if os.IsExist(err) {
			return ErrLockHeld
		}
		return fmt.Errorf("create lock: %w", err)
	}
	return nil
}

// claimStale reports whether this process won the right to replace the
// abandoned record stale. The claim file is named after the record, so
// every contender that read the same record races on one exclusive create.
func (l *Lock) claimStale(stale LockRecord) (bool, error) {
	l.sweepClaims()
	claim := fmt.Sprintf("%s.claim-%d-%d", l.path, stale.OwnerPID, stale.Timestamp.UnixNano())
	f, err := os.OpenFile(claim, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim stale lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", l.pid)
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("claim stale lock: %w", err)
	}
	return true, nil
}

// sweepClaims removes claim files old enough that no contender can still be
// acting on the record they name, including claims left by a crash between
// claiming and writing.
func (l *Lock) sweepClaims() {
	matches, err := filepath.Glob(l.path + ".claim-*")
	if err != nil {
		return
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err == nil && time.Since(info.ModTime()) >= l.staleAfter {
			os.Remove(m)
		}
	}
}

// Release removes the lock if this process still owns the record it wrote.
// A record replaced by another process after a stale override is left alone.
func (l *Lock) Release() error {
	if l.held == nil {
		return nil
	}
	held := *l.held
	l.held = nil

	current, found, err := l.Read()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if !current.Same(held) {
		logging.SchedulerWarn("lock taken over by pid %d before release", current.OwnerPID)
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}
