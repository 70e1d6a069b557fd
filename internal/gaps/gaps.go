// Package gaps is the dedup index of published discoveries. Gaps are keyed by
// a content hash over normalized references and evidence, so the same claim
// reached by two investigation paths is published once.
package gaps

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"clashd27/internal/logging"
	"clashd27/internal/store"
	"clashd27/internal/types"

	"github.com/google/uuid"
)

// Status is a gap's publication lifecycle position.
type Status string

const (
	StatusOpen      Status = "open"
	StatusPosted    Status = "posted"
	StatusResponded Status = "responded"
	StatusResolved  Status = "resolved"
)

var (
	ErrUnknownGap    = errors.New("unknown gap")
	ErrInvalidStatus = errors.New("invalid gap status")
	ErrResolved      = errors.New("gap already resolved")
)

// HashInputs are the normalized lists the content hash covers.
type HashInputs struct {
	References []string `json:"references"`
	Evidence   []string `json:"evidence"`
}

// Gap is one published, deduplicated discovery.
type Gap struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ContentHash string        `json:"content_hash"`
	HashInputs  HashInputs    `json:"hash_inputs"`
	Score       int           `json:"score"`
	Verdict     types.Verdict `json:"verdict"`
	Corridor    string        `json:"corridor"`
	Claim       string        `json:"claim"`
	Status      Status        `json:"status"`
	DiscoveryID string        `json:"discovery_id"`
}

// Normalize trims, lower-cases, dedupes and sorts a list.
func Normalize(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}

// ContentHash returns the hex SHA-256 over the normalized references
// followed by the normalized evidence.
func ContentHash(evidence, references []string) (string, HashInputs) {
	in := HashInputs{References: Normalize(references), Evidence: Normalize(evidence)}
	h := sha256.New()
	h.Write([]byte("references\n"))
	for _, r := range in.References {
		h.Write([]byte(r))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte("evidence\n"))
	for _, e := range in.Evidence {
		h.Write([]byte(e))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), in
}

// PublishResult reports what Publish did.
type PublishResult struct {
	Gap          Gap
	Deduplicated bool
}

type document struct {
	Gaps []Gap `json:"gaps"`
}

// Index is the gaps.json document.
type Index struct {
	mu   sync.Mutex
	path string
	doc  document

	Now func() time.Time
}

// Load reads gaps.json.
func Load(path string) (*Index, error) {
	ix := &Index{path: path, Now: time.Now}
	if _, err := store.ReadJSON(path, &ix.doc); err != nil {
		return nil, fmt.Errorf("load gaps: %w", err)
	}
	return ix, nil
}

// Publish adds d as a new open gap unless a gap with the same content hash
// exists, in which case nothing changes and the existing gap is returned.
func (ix *Index) Publish(d types.Discovery) (PublishResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	hash, inputs := ContentHash(d.Evidence, d.References)
	for _, g := range ix.doc.Gaps {
		if g.ContentHash == hash {
			logging.Gaps("discovery %s deduplicated against %s", d.ID, g.ID)
			return PublishResult{Gap: g, Deduplicated: true}, nil
		}
	}

	now := ix.Now().UTC()
	g := Gap{
		ID:          "gap_" + uuid.NewString()[:8],
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentHash: hash,
		HashInputs:  inputs,
		Score:       d.Score,
		Verdict:     d.Verdict,
		Corridor:    d.Corridor,
		Claim:       d.Claim,
		Status:      StatusOpen,
		DiscoveryID: d.ID,
	}
	ix.doc.Gaps = append(ix.doc.Gaps, g)
	logging.Gaps("published %s for discovery %s (%s, score %d)", g.ID, d.ID, d.Corridor, d.Score)
	return PublishResult{Gap: g}, nil
}

// SetStatus moves a gap to posted, responded or resolved. Resolved is
// terminal.
func (ix *Index) SetStatus(id string, status Status) (Gap, error) {
	switch status {
	case StatusPosted, StatusResponded, StatusResolved:
	default:
		return Gap{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.doc.Gaps {
		g := &ix.doc.Gaps[i]
		if g.ID != id {
			continue
		}
		if g.Status == StatusResolved && status != StatusResolved {
			return *g, fmt.Errorf("%w: %s", ErrResolved, id)
		}
		g.Status = status
		g.UpdatedAt = ix.Now().UTC()
		logging.Gaps("gap %s -> %s", id, status)
		return *g, nil
	}
	return Gap{}, fmt.Errorf("%w: %s", ErrUnknownGap, id)
}

// PublishedToday counts gaps created on now's UTC day.
func (ix *Index) PublishedToday(now time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	day := now.UTC().Format("2006-01-02")
	n := 0
	for _, g := range ix.doc.Gaps {
		if g.CreatedAt.UTC().Format("2006-01-02") == day {
			n++
		}
	}
	return n
}

// List returns gaps, optionally filtered by status, oldest first.
func (ix *Index) List(status Status) []Gap {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []Gap
	for _, g := range ix.doc.Gaps {
		if status == "" || g.Status == status {
			out = append(out, g)
		}
	}
	return out
}

// Save writes gaps.json atomically.
func (ix *Index) Save() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return store.WriteJSONAtomic(ix.path, ix.doc)
}
