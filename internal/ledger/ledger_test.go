package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	return New(filepath.Join(t.TempDir(), "download_status.json"), 1)
}

func TestLedger_RunLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.BeginRun(ctx, "run-1", 3)

	snap := l.Snapshot()
	assert.True(t, snap.InProgress)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 3, snap.Total)
	require.NotNil(t, snap.StartedAt)
	assert.Nil(t, snap.FinishedAt)

	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc123", "http://img/1")
	l.Record(ctx, "covers:2", OutcomeFailed, "http_status", "", "http://img/2")
	l.Record(ctx, "avatars:1", OutcomeSkipped, "duplicate source url", "", "http://img/1")

	l.EndRun(ctx)

	snap = l.Snapshot()
	assert.False(t, snap.InProgress)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, snap.Total, snap.Succeeded+snap.Failed+snap.Skipped)
	require.NotNil(t, snap.FinishedAt)

	assert.Equal(t, OutcomeSucceeded, snap.Items["covers:1"].Outcome)
	assert.Equal(t, "abc123", snap.Items["covers:1"].Hash)
	assert.Equal(t, "http_status", snap.Items["covers:2"].Detail)
}

func TestLedger_DuplicateRecordIgnored(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.BeginRun(ctx, "run-1", 1)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")
	l.Record(ctx, "covers:1", OutcomeFailed, "network", "", "http://img/1")

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 0, snap.Failed)
	assert.Equal(t, OutcomeSucceeded, snap.Items["covers:1"].Outcome)
}

func TestLedger_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_status.json")
	ctx := context.Background()

	l := New(path, 1)
	l.BeginRun(ctx, "run-1", 2)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")
	l.Record(ctx, "covers:2", OutcomeFailed, "timeout", "", "http://img/2")
	l.EndRun(ctx)

	restarted := New(path, 1)
	require.NoError(t, restarted.Load(ctx))

	snap := restarted.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)
	assert.False(t, snap.InProgress)
	assert.Len(t, snap.Items, 2)
}

func TestLedger_LoadClearsInterruptedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_status.json")
	ctx := context.Background()

	// Simulate a crash mid-run: persisted state still says InProgress.
	l := New(path, 1)
	l.BeginRun(ctx, "run-1", 5)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")

	restarted := New(path, 1)
	require.NoError(t, restarted.Load(ctx))

	snap := restarted.Snapshot()
	assert.False(t, snap.InProgress, "interrupted run must be reported finished, not resumed")
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 1, snap.Succeeded)
}

func TestLedger_LoadMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "never-written.json"), 1)
	require.NoError(t, l.Load(context.Background()))

	snap := l.Snapshot()
	assert.Equal(t, 0, snap.Total)
	assert.NotNil(t, snap.Items)
}

func TestLedger_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_status.json")
	ctx := context.Background()

	l := New(path, 1)
	l.BeginRun(ctx, "run-1", 1)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")
	l.EndRun(ctx)

	require.NoError(t, l.Clear(ctx))

	snap := l.Snapshot()
	assert.Equal(t, 0, snap.Total)
	assert.Empty(t, snap.Items)
	assert.Empty(t, snap.RunID)

	// The persisted file reflects the reset too.
	restarted := New(path, 1)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, 0, restarted.Snapshot().Total)
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	// Flush every 10 records to exercise the pending counter under contention.
	l := New(filepath.Join(t.TempDir(), "download_status.json"), 10)
	ctx := context.Background()

	const total = 100

	l.BeginRun(ctx, "run-1", total)

	var wg sync.WaitGroup

	for i := 0; i < total; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			key := fmt.Sprintf("covers:%d", i)
			switch i % 3 {
			case 0:
				l.Record(ctx, key, OutcomeSucceeded, "", fmt.Sprintf("hash%d", i), "http://img")
			case 1:
				l.Record(ctx, key, OutcomeFailed, "network", "", "http://img")
			default:
				l.Record(ctx, key, OutcomeSkipped, "duplicate source url", "", "http://img")
			}
		}(i)
	}

	wg.Wait()
	l.EndRun(ctx)

	snap := l.Snapshot()
	assert.Equal(t, total, snap.Succeeded+snap.Failed+snap.Skipped)
	assert.Len(t, snap.Items, total)
}

func TestLedger_SnapshotIsDeepCopy(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.BeginRun(ctx, "run-1", 1)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")

	snap := l.Snapshot()
	snap.Items["covers:1"] = ItemStatus{Outcome: OutcomeFailed}
	snap.Items["injected"] = ItemStatus{}

	fresh := l.Snapshot()
	assert.Equal(t, OutcomeSucceeded, fresh.Items["covers:1"].Outcome)
	assert.NotContains(t, fresh.Items, "injected")
}

func TestLedger_PersistedFileIsValidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download_status.json")
	ctx := context.Background()

	l := New(path, 1)
	l.BeginRun(ctx, "run-1", 1)
	l.Record(ctx, "covers:1", OutcomeSucceeded, "", "abc", "http://img/1")
	l.EndRun(ctx)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id": "run-1"`)
	assert.Contains(t, string(data), `"covers:1"`)
}
