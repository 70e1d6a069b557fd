package pipeline

import (
	"fmt"
	"time"

	"clashd27/internal/store"
	"clashd27/internal/types"
)

// QueueName identifies one of the three persisted stage queues.
type QueueName string

const (
	QueueDeepDive     QueueName = "deep_dive"
	QueueVerification QueueName = "verification"
	QueueValidation   QueueName = "validation"
)

// ItemState is a queue item's position in its retry state machine:
// Pending(0) -> Retry(n) -> Dropped once attempts reaches the ceiling.
type ItemState int

const (
	Pending ItemState = iota
	Retry
	Dropped
)

// String returns a human-readable state name.
func (s ItemState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retry:
		return "retry"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
}

// Item is one queued discovery. Attempts never decreases.
type Item struct {
	ID         string          `json:"id"`
	Payload    types.Discovery `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Existence is the deep-dive's first result, kept so a later tick can
	// resume at the actionability call.
	Existence *types.ExistenceCheck `json:"existence,omitempty"`
}

// State derives the item's state for a given ceiling.
func (it Item) State(ceiling int) ItemState {
	switch {
	case it.Attempts >= ceiling:
		return Dropped
	case it.Attempts > 0:
		return Retry
	default:
		return Pending
	}
}

// Fail records one failed attempt and returns the resulting state.
func (it *Item) Fail(err error, ceiling int) ItemState {
	it.Attempts++
	if err != nil {
		it.LastError = err.Error()
	}
	return it.State(ceiling)
}

// RankEntry is one deep-dive candidate in the day's ranking.
type RankEntry struct {
	DiscoveryID string  `json:"discovery_id"`
	Combined    float64 `json:"combined"`
}

// Ranking tracks the combined scores of the day's deep-dive candidates.
type Ranking struct {
	Day     string      `json:"day"`
	Entries []RankEntry `json:"entries"`
}

// Admit adds a candidate to day's ranking and reports its zero-based rank
// and whether that rank falls within the top k.
func (r *Ranking) Admit(day, id string, combined float64, k int) (int, bool) {
	if r.Day != day {
		r.Day = day
		r.Entries = nil
	}
	rank := 0
	for _, e := range r.Entries {
		if e.Combined > combined {
			rank++
		}
	}
	r.Entries = append(r.Entries, RankEntry{DiscoveryID: id, Combined: combined})
	return rank, rank < k
}

// Queues is the persisted queues.json document.
type Queues struct {
	DeepDive     []Item  `json:"deep_dive"`
	Verification []Item  `json:"verification"`
	Validation   []Item  `json:"validation"`
	Ranking      Ranking `json:"ranking"`
}

// LoadQueues reads queues.json.
func LoadQueues(path string) (*Queues, error) {
	var q Queues
	if _, err := store.ReadJSON(path, &q); err != nil {
		return nil, fmt.Errorf("load queues: %w", err)
	}
	return &q, nil
}

// Save writes queues.json atomically.
func (q *Queues) Save(path string) error {
	return store.WriteJSONAtomic(path, q)
}

func (q *Queues) list(name QueueName) *[]Item {
	switch name {
	case QueueDeepDive:
		return &q.DeepDive
	case QueueVerification:
		return &q.Verification
	case QueueValidation:
		return &q.Validation
	}
	return nil
}

// Items returns a copy of one queue.
func (q *Queues) Items(name QueueName) []Item {
	l := q.list(name)
	if l == nil {
		return nil
	}
	return append([]Item(nil), (*l)...)
}

// Len returns one queue's length.
func (q *Queues) Len(name QueueName) int {
	if l := q.list(name); l != nil {
		return len(*l)
	}
	return 0
}

// Contains reports whether any queue holds discoveryID.
func (q *Queues) Contains(discoveryID string) bool {
	for _, l := range [][]Item{q.DeepDive, q.Verification, q.Validation} {
		for _, it := range l {
			if it.Payload.ID == discoveryID {
				return true
			}
		}
	}
	return false
}

// push appends it to list. When list is at capacity the lowest-scored item,
// which may be it, is displaced and returned.
func push(list *[]Item, it Item, capacity int) *Item {
	if capacity <= 0 || len(*list) < capacity {
		*list = append(*list, it)
		return nil
	}
	lowest := -1
	for i, existing := range *list {
		if existing.Payload.Score < it.Payload.Score && (lowest < 0 || existing.Payload.Score < (*list)[lowest].Payload.Score) {
			lowest = i
		}
	}
	if lowest < 0 {
		return &it
	}
	displaced := (*list)[lowest]
	removeAt(list, lowest)
	*list = append(*list, it)
	return &displaced
}

func removeAt(list *[]Item, i int) {
	*list = append((*list)[:i], (*list)[i+1:]...)
}
