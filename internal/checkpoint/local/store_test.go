package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func checkpointAt(ts time.Time) scheduler.Checkpoint {
	return scheduler.Checkpoint{
		Version:   scheduler.CheckpointVersion,
		Timestamp: ts,
		Running: []scheduler.RunningTask{
			{TaskID: "t1", Handle: "h1", Site: "inmuebles24"},
		},
		Lanes:          map[string]string{"inmuebles24": "t1"},
		Counts:         scheduler.StatusCounts{Pending: 2, Running: 1},
		RegistryDigest: "abc123",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := New(Config{Dir: dir}, clock)
	require.NoError(t, err)

	ctx := context.Background()
	want := checkpointAt(clock.now)
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.RegistryDigest, got.RegistryDigest)
	assert.Equal(t, want.Lanes, got.Lanes)
	require.Len(t, got.Running, 1)
	assert.Equal(t, "t1", got.Running[0].TaskID)
	assert.Equal(t, 2, got.Counts.Pending)
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Dir: t.TempDir()}, &fakeClock{})
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, scheduler.ErrNoCheckpoint)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{Dir: dir}, &fakeClock{})
	require.NoError(t, err)

	payload := `{"version": 99, "timestamp": "2025-06-01T12:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint.json"), []byte(payload), 0o600))

	_, err = store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported checkpoint version")
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := New(Config{Dir: dir}, clock)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), checkpointAt(clock.now)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestHistoryRetentionAndPruning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	store, err := New(Config{Dir: dir, KeepHistory: true}, clock)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < historyKept+5; i++ {
		ts := clock.now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(ctx, checkpointAt(ts)))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	history := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), historyPrefix) {
			history++
		}
	}
	assert.Equal(t, historyKept, history)

	// The oldest snapshots are the ones pruned.
	oldest := historyPrefix + clock.now.UTC().Format("20060102_150405") + ".json"
	_, err = os.Stat(filepath.Join(dir, oldest))
	assert.True(t, os.IsNotExist(err))
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := New(Config{Dir: dir}, clock)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), checkpointAt(clock.now)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}
