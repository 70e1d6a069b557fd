package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDoc struct {
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestWriteJSONAtomic_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")

	require.NoError(t, WriteJSONAtomic(path, sampleDoc{Count: 3}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	var got sampleDoc
	found, err := ReadJSON(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got.Count)
}

func TestReadJSON_Missing(t *testing.T) {
	var got sampleDoc
	found, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadJSON_CorruptIsBackedUpAndReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"count": 3,`), 0o644))

	var got sampleDoc
	found, err := ReadJSON(path, &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, got.Count)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var backups int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "queues.json.corrupt-") {
			backups++
		}
	}
	assert.Equal(t, 1, backups)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt original should be moved aside")
}

func TestDir_Path(t *testing.T) {
	d := Dir("/data")
	assert.Equal(t, filepath.Join("/data", QueuesFile), d.Path(QueuesFile))
}
