package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchive_FindingsAndDropped(t *testing.T) {
	a, err := OpenArchive(":memory:")
	require.NoError(t, err)
	defer a.Close()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []ArchivedFinding{
		{Seq: 1, Kind: "attempt", Tick: 0, Payload: []byte(`{"seq":1}`)},
		{Seq: 2, Kind: "discovery", Tick: 0, DiscoveryID: "d-1", Payload: []byte(`{"seq":2}`)},
	}
	require.NoError(t, a.ArchiveFindings(records, at))
	// Idempotent on seq.
	require.NoError(t, a.ArchiveFindings(records[:1], at))

	require.NoError(t, a.RecordDropped(DroppedItem{
		Queue: "verification", ItemID: "it-1", Attempts: 3, LastError: "timeout", Reason: "attempt ceiling",
		Payload: []byte(`{"id":"d-1"}`),
	}, at))

	stats, err := a.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["evicted_findings"])
	assert.Equal(t, int64(1), stats["dropped_items"])

	dropped, err := a.DroppedItems("verification")
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, "it-1", dropped[0].ItemID)
	assert.Equal(t, 3, dropped[0].Attempts)
	assert.JSONEq(t, `{"id":"d-1"}`, string(dropped[0].Payload))

	none, err := a.DroppedItems("validation")
	require.NoError(t, err)
	assert.Empty(t, none)
}
