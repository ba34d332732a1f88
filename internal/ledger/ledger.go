package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aozorahub/imagecache/internal/logctx"
)

// Outcome is the terminal state of one item within a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ItemStatus records the outcome of one image ref.
type ItemStatus struct {
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DownloadStatus is the aggregate run record. Succeeded+Failed+Skipped never
// exceeds Total; they are equal once a run finishes.
type DownloadStatus struct {
	Total      int                   `json:"total"`
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	InProgress bool                  `json:"in_progress"`
	RunID      string                `json:"run_id,omitempty"`
	StartedAt  *time.Time            `json:"started_at,omitempty"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Items      map[string]ItemStatus `json:"items"`
}

// Ledger is the persisted record of per-item download outcomes. The
// downloader is its only writer; any number of readers may snapshot it while
// a run is in flight. Every mutation happens under one mutex, so counters
// reflect exactly the set of Record calls regardless of completion order.
//
// Persistence: the full ledger is flushed to disk every flushEvery records
// (and on run boundaries) by writing a temp file and renaming it over the
// previous snapshot, so a crash never corrupts the last valid state.
type Ledger struct {
	path       string
	flushEvery int

	mu      sync.RWMutex
	status  DownloadStatus
	pending int
}

// New creates a ledger persisting to path. flushEvery <= 1 flushes on every
// record.
func New(path string, flushEvery int) *Ledger {
	if flushEvery < 1 {
		flushEvery = 1
	}

	return &Ledger{
		path:       path,
		flushEvery: flushEvery,
		status:     emptyStatus(),
	}
}

// Load restores the last persisted snapshot if one exists. A run that was in
// flight when the process died is reported as finished-incomplete rather
// than resumed, so InProgress is always cleared.
func (l *Ledger) Load(ctx context.Context) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	var status DownloadStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("failed to decode ledger file: %w", err)
	}

	if status.Items == nil {
		status.Items = make(map[string]ItemStatus)
	}

	if status.InProgress {
		logctx.LoggerFromContext(ctx).Warn("ledger recorded an interrupted run",
			"total", status.Total,
			"recorded", status.Succeeded+status.Failed+status.Skipped,
		)
		status.InProgress = false
	}

	l.mu.Lock()
	l.status = status
	l.mu.Unlock()

	return nil
}

// BeginRun resets per-item state for a new run and persists immediately.
func (l *Ledger) BeginRun(ctx context.Context, runID string, total int) {
	now := time.Now().UTC()

	l.mu.Lock()
	l.status = DownloadStatus{
		Total:      total,
		InProgress: true,
		RunID:      runID,
		StartedAt:  &now,
		Items:      make(map[string]ItemStatus),
	}
	l.pending = 0
	l.persistLocked(ctx)
	l.mu.Unlock()
}

// Record updates one per-item entry and the matching counter. Safe to call
// concurrently from in-flight fetch completions.
func (l *Ledger) Record(ctx context.Context, key string, outcome Outcome, detail, hash, url string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.status.Items[key]; ok {
		// Re-recording an item would break conservation; keep the first outcome.
		logctx.LoggerFromContext(ctx).Warn("duplicate ledger record ignored",
			"key", key, "previous", prev.Outcome, "outcome", outcome)

		return
	}

	l.status.Items[key] = ItemStatus{
		Outcome:   outcome,
		Detail:    detail,
		Hash:      hash,
		URL:       url,
		UpdatedAt: time.Now().UTC(),
	}

	switch outcome {
	case OutcomeSucceeded:
		l.status.Succeeded++
	case OutcomeFailed:
		l.status.Failed++
	case OutcomeSkipped:
		l.status.Skipped++
	}

	l.pending++
	if l.pending >= l.flushEvery {
		l.persistLocked(ctx)
		l.pending = 0
	}
}

// EndRun marks the run finished and persists the final snapshot.
func (l *Ledger) EndRun(ctx context.Context) {
	now := time.Now().UTC()

	l.mu.Lock()
	l.status.InProgress = false
	l.status.FinishedAt = &now
	l.persistLocked(ctx)
	l.pending = 0
	l.mu.Unlock()
}

// Clear resets the ledger to its initial empty state and persists it.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.status = emptyStatus()
	l.pending = 0

	return l.persist()
}

// Snapshot returns a consistent deep copy, safe to read while a run mutates
// the ledger.
func (l *Ledger) Snapshot() DownloadStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := l.status
	out.Items = make(map[string]ItemStatus, len(l.status.Items))
	for k, v := range l.status.Items {
		out.Items[k] = v
	}

	if l.status.StartedAt != nil {
		t := *l.status.StartedAt
		out.StartedAt = &t
	}

	if l.status.FinishedAt != nil {
		t := *l.status.FinishedAt
		out.FinishedAt = &t
	}

	return out
}

// persistLocked flushes under the write lock, logging instead of failing:
// the in-memory state stays authoritative until the next successful flush.
func (l *Ledger) persistLocked(ctx context.Context) {
	if err := l.persist(); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist ledger", "path", l.path, "err", err)
	}
}

func (l *Ledger) persist() error {
	data, err := json.MarshalIndent(l.status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create ledger temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write ledger: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close ledger temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace ledger file: %w", err)
	}

	return nil
}

func emptyStatus() DownloadStatus {
	return DownloadStatus{Items: make(map[string]ItemStatus)}
}
