package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Archive keeps what the bounded JSON documents let go of: findings evicted
// from the capped log and queue items dropped at the attempt ceiling. Nothing
// the pipeline discards is silently lost.
type Archive struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// ArchivedFinding is one evicted finding, stored with its JSON encoding.
type ArchivedFinding struct {
	Seq         int64
	Kind        string
	Tick        int64
	DiscoveryID string
	Payload     []byte
}

// DroppedItem is a queue item removed after exhausting its attempts or
// displaced from a full queue.
type DroppedItem struct {
	Queue     string
	ItemID    string
	Attempts  int
	LastError string
	Reason    string
	Payload   []byte
}

// OpenArchive initializes the SQLite archive at path (":memory:" allowed).
func OpenArchive(path string) (*Archive, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and matches the
	// single-writer model.
	db.SetMaxOpenConns(1)

	a := &Archive{db: db, dbPath: path}
	if err := a.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initialize() error {
	findingsTable := `
	CREATE TABLE IF NOT EXISTS evicted_findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		tick INTEGER NOT NULL,
		discovery_id TEXT,
		payload TEXT NOT NULL,
		evicted_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evicted_kind ON evicted_findings(kind);
	CREATE INDEX IF NOT EXISTS idx_evicted_discovery ON evicted_findings(discovery_id);
	`

	droppedTable := `
	CREATE TABLE IF NOT EXISTS dropped_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		item_id TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		reason TEXT NOT NULL,
		payload TEXT NOT NULL,
		dropped_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dropped_queue ON dropped_items(queue);
	`

	for _, ddl := range []string{findingsTable, droppedTable} {
		if _, err := a.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// ArchiveFindings stores evicted findings. Re-archiving the same seq is a no-op.
func (a *Archive) ArchiveFindings(records []ArchivedFinding, at time.Time) error {
	if len(records) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO evicted_findings
		(seq, kind, tick, discovery_id, payload, evicted_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var discoveryID any
		if r.DiscoveryID != "" {
			discoveryID = r.DiscoveryID
		}
		if _, err := stmt.Exec(r.Seq, r.Kind, r.Tick, discoveryID, string(r.Payload), at.UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert finding %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

// RecordDropped stores one dropped queue item.
func (a *Archive) RecordDropped(item DroppedItem, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.Exec(`INSERT INTO dropped_items
		(queue, item_id, attempts, last_error, reason, payload, dropped_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.Queue, item.ItemID, item.Attempts, item.LastError, item.Reason, string(item.Payload), at.UTC())
	if err != nil {
		return fmt.Errorf("insert dropped item: %w", err)
	}
	return nil
}

// DroppedItems lists dropped items for one queue, oldest first.
func (a *Archive) DroppedItems(queue string) ([]DroppedItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.Query(`SELECT queue, item_id, attempts, COALESCE(last_error, ''), reason, payload
		FROM dropped_items WHERE queue = ? ORDER BY id`, queue)
	if err != nil {
		return nil, fmt.Errorf("query dropped items: %w", err)
	}
	defer rows.Close()

	var out []DroppedItem
	for rows.Next() {
		var it DroppedItem
		var payload string
		if err := rows.Scan(&it.Queue, &it.ItemID, &it.Attempts, &it.LastError, &it.Reason, &payload); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		out = append(out, it)
	}
	return out, rows.Err()
}

// Stats returns row counts per archive table.
func (a *Archive) Stats() (map[string]int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make(map[string]int64, 2)
	for _, table := range []string{"evicted_findings", "dropped_items"} {
		var n int64
		if err := a.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
