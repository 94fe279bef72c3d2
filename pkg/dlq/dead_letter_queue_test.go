package dlq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/adelard07/cloud-logging/internal/model"
)

// TestMain verifies that Stop() joins every background goroutine this
// package spawns (processingLoop, reprocessingLoop) before the test
// binary exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T, cfg Config) *DeadLetterQueue {
	t.Helper()
	dir := t.TempDir()
	cfg.Enabled = true
	cfg.Directory = dir
	cfg.FlushInterval = 10 * time.Millisecond
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	q := New(cfg, logger)
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q
}

func sampleBatch() []model.StagedEntry {
	return []model.StagedEntry{
		{RecordID: "r1", Record: model.NewLogRecord()},
	}
}

func TestAddEntryPersistsToFile(t *testing.T) {
	q := newTestQueue(t, Config{})

	require.NoError(t, q.AddEntry(sampleBatch(), "coldstore unavailable"))

	require.Eventually(t, func() bool {
		entries, err := q.readEntries()
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	stats := q.GetStats()
	assert.Equal(t, int64(1), stats.TotalEntries)
}

func TestDisabledQueueIsNoop(t *testing.T) {
	q := New(Config{Enabled: false}, logrus.New())
	require.NoError(t, q.Start())
	defer q.Stop()

	require.NoError(t, q.AddEntry(sampleBatch(), "unused"))
	assert.True(t, q.IsHealthy())
}

func TestReprocessingRemovesSucceededEntries(t *testing.T) {
	q := newTestQueue(t, Config{ReprocessInterval: 20 * time.Millisecond, MaxReprocessTries: 3})

	var attempts int
	q.SetReprocessCallback(func(ctx context.Context, batch []model.StagedEntry) error {
		attempts++
		return nil
	})

	require.NoError(t, q.AddEntry(sampleBatch(), "coldstore unavailable"))
	require.Eventually(t, func() bool {
		entries, err := q.readEntries()
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stats := q.GetStats()
		return stats.ReprocessingSuccesses >= 1
	}, 2*time.Second, 20*time.Millisecond)

	entries, err := q.readEntries()
	require.NoError(t, err)
	assert.Empty(t, entries, "successfully reprocessed entries should be removed from the backlog")
}

func TestReprocessingDropsExhaustedEntries(t *testing.T) {
	q := newTestQueue(t, Config{ReprocessInterval: 15 * time.Millisecond, MaxReprocessTries: 1})

	q.SetReprocessCallback(func(ctx context.Context, batch []model.StagedEntry) error {
		return assert.AnError
	})

	require.NoError(t, q.AddEntry(sampleBatch(), "coldstore unavailable"))
	require.Eventually(t, func() bool {
		stats := q.GetStats()
		return stats.ReprocessingFailures >= 1
	}, 2*time.Second, 15*time.Millisecond)

	entries, err := q.readEntries()
	require.NoError(t, err)
	assert.Empty(t, entries, "entries past MaxReprocessTries are dropped from the rewritten backlog")
}
