// Package store persists clashd's JSON documents, the cross-process tick lock
// and the SQLite archive.
//
// Every document write is marshal → write <path>.tmp → rename, so a crash
// leaves either the old or the new document on disk, never a torn one. The
// package assumes a single writer; the tick lock, not file locking, is what
// keeps a second scheduler process out.
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

// Document file names under the data directory.
const (
	LockFile      = "lock.json"
	StateFile     = "state.json"
	QueuesFile    = "queues.json"
	CacheFile     = "collision_cache.json"
	FindingsFile  = "findings.json"
	MetricsFile   = "metrics.json"
	GapsFile      = "gaps.json"
	BudgetFile    = "budget.json"
	CircuitsFile  = "circuits.json"
	ArchiveDBFile = "archive.db"
)

// ErrCorrupt reports a document that could not be decoded. ReadJSON never
// returns it to callers; it is logged after the file is backed up.
var ErrCorrupt = errors.New("corrupt document")

// WriteJSONAtomic writes v as indented JSON via a temp file and rename.
func WriteJSONAtomic(path string, v any) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadJSON decodes path into v. A missing file leaves v untouched and returns
// found=false. An undecodable file is moved aside to
// <path>.corrupt-<unix> and v is left untouched so the caller continues with
// an empty-but-valid document.
func ReadJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backup); rerr != nil {
			logging.StoreError("could not back up corrupt %s: %v", path, rerr)
		}
		logging.StoreError("%v: %s (%v); backed up to %s and reset", ErrCorrupt, path, err, backup)
		return false, nil
	}
	return true, nil
}

// Dir resolves document names against a data directory.
type Dir string

// Path returns the absolute location of a named document.
func (d Dir) Path(name string) string {
	return filepath.Join(string(d), name)
}

// Ensure creates the data directory.
func (d Dir) Ensure() error {
	if err := os.MkdirAll(string(d), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
