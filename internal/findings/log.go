package findings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clashd27/internal/logging"
	"clashd27/internal/store"
)

// DefaultCap is the maximum number of records kept in findings.json.
const DefaultCap = 1000

// Archiver receives records evicted from the capped log.
type Archiver interface {
	ArchiveFindings(records []store.ArchivedFinding, at time.Time) error
}

type logDocument struct {
	NextSeq int64     `json:"next_seq"`
	Records []Finding `json:"records"`
}

// Log is the capped append-only finding log.
type Log struct {
	mu      sync.Mutex
	path    string
	cap     int
	archive Archiver
	doc     logDocument

	Now func() time.Time
}

// OpenLog loads findings.json. archive may be nil.
func OpenLog(path string, capacity int, archive Archiver) (*Log, error) {
	if capacity < 1 {
		capacity = DefaultCap
	}
	l := &Log{path: path, cap: capacity, archive: archive, Now: time.Now}
	if _, err := store.ReadJSON(path, &l.doc); err != nil {
		return nil, fmt.Errorf("load findings: %w", err)
	}
	for _, r := range l.doc.Records {
		if r.Seq >= l.doc.NextSeq {
			l.doc.NextSeq = r.Seq + 1
		}
	}
	return l, nil
}

// Append stamps f with the next sequence number and time, appends it and
// evicts the oldest records beyond the cap.
func (l *Log) Append(f Finding) Finding {
	l.mu.Lock()
	defer l.mu.Unlock()

	f.Seq = l.doc.NextSeq
	l.doc.NextSeq++
	if f.At.IsZero() {
		f.At = l.Now().UTC()
	}
	l.doc.Records = append(l.doc.Records, f)

	if over := len(l.doc.Records) - l.cap; over > 0 {
		evicted := l.doc.Records[:over]
		l.archiveLocked(evicted)
		l.doc.Records = append([]Finding(nil), l.doc.Records[over:]...)
	}
	return f
}

func (l *Log) archiveLocked(evicted []Finding) {
	if l.archive == nil || len(evicted) == 0 {
		return
	}
	rows := make([]store.ArchivedFinding, 0, len(evicted))
	for _, r := range evicted {
		payload, err := json.Marshal(r)
		if err != nil {
			logging.FindingsWarn("cannot encode evicted finding %d: %v", r.Seq, err)
			continue
		}
		rows = append(rows, store.ArchivedFinding{
			Seq: r.Seq, Kind: string(r.Tag), Tick: r.Tick, DiscoveryID: r.ID(), Payload: payload,
		})
	}
	if err := l.archive.ArchiveFindings(rows, l.Now()); err != nil {
		logging.FindingsWarn("archiving %d evicted findings failed: %v", len(rows), err)
	}
}

// Records returns a copy of the retained records, oldest first.
func (l *Log) Records() []Finding {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Finding(nil), l.doc.Records...)
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Records)
}

// Save writes findings.json atomically.
func (l *Log) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return store.WriteJSONAtomic(l.path, l.doc)
}
