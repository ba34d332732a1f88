package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aozorahub/imagecache/internal/catalog"
	"github.com/aozorahub/imagecache/internal/fetch"
	"github.com/aozorahub/imagecache/internal/imagestore"
	"github.com/aozorahub/imagecache/internal/ledger"
	"github.com/aozorahub/imagecache/internal/logctx"
	"github.com/aozorahub/imagecache/internal/telemetry"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress is returned when a run is requested (or a clear attempted)
// while another run holds the ledger.
var ErrRunInProgress = errors.New("a download run is already in progress")

// State of the orchestrator. A run may only be triggered from Idle.
type State int

const (
	StateIdle State = iota
	StateEnumerating
	StateDownloading
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateDownloading:
		return "downloading"
	case StateFinalizing:
		return "finalizing"
	}

	return "unknown"
}

// Fetcher downloads one image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FailedItem is emitted on OnItemFailed for every ref that could not be
// downloaded or stored.
type FailedItem struct {
	Ref catalog.ImageRef
	Err error
}

// RunSummary is emitted on OnRunFinished when a run returns to Idle.
type RunSummary struct {
	RunID         string
	Year          *int
	Status        ledger.DownloadStatus
	OrphanedMoved int
	Duration      time.Duration
}

// Downloader orchestrates one download run at a time: it enumerates the
// catalog, dedups by source URL, fetches under a bounded worker count,
// persists via the store and records every outcome in the ledger. The
// serving path reads the same directories but never the ledger, so it stays
// independent of run state.
type Downloader struct {
	catalog     catalog.Catalog
	store       *imagestore.Store
	fetcher     Fetcher
	ledger      *ledger.Ledger
	maxParallel int
	tel         *telemetry.Telemetry

	mu     sync.Mutex
	state  State
	closed bool

	OnItemFailed  chan FailedItem
	OnRunFinished chan RunSummary
}

func NewDownloader(
	cat catalog.Catalog,
	store *imagestore.Store,
	fetcher Fetcher,
	ldg *ledger.Ledger,
	maxParallel int,
	tel *telemetry.Telemetry,
) *Downloader {
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Downloader{
		catalog:     cat,
		store:       store,
		fetcher:     fetcher,
		ledger:      ldg,
		maxParallel: maxParallel,
		tel:         tel,

		OnItemFailed:  make(chan FailedItem, 64),
		OnRunFinished: make(chan RunSummary, 1),
	}
}

// Close shuts the event channels down. A run still in flight keeps going but
// stops emitting events.
func (d *Downloader) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true
	d.mu.Unlock()

	close(d.OnItemFailed)
	close(d.OnRunFinished)
}

// State returns the current orchestrator state.
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// Start triggers a download run for the given year (all years when nil).
// Enumeration happens synchronously so an unreadable catalog aborts before
// any work is dispatched; the run itself is a background goroutine and Start
// returns as soon as it is scheduled. A second Start while a run is active
// is rejected with ErrRunInProgress rather than queued.
func (d *Downloader) Start(ctx context.Context, year *int) error {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()

		return ErrRunInProgress
	}

	d.state = StateEnumerating
	d.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	refs, err := d.catalog.ListImageRefs(ctx, year)
	if err != nil {
		d.setState(StateIdle)

		return fmt.Errorf("failed to enumerate catalog: %w", err)
	}

	runID := GenerateRunID()

	logger.Info("starting download run",
		"run_id", runID,
		"refs", len(refs),
		"year", yearLabel(year),
		"max_parallel", d.maxParallel,
	)

	// Remember which hash each ledger key pointed at before this run resets
	// it, so the orphan sweep can keep files for items that fail transiently.
	priorHashes := make(map[string]string)
	for key, item := range d.ledger.Snapshot().Items {
		if item.Hash != "" {
			priorHashes[key] = item.Hash
		}
	}

	d.ledger.BeginRun(ctx, runID, len(refs))
	d.setState(StateDownloading)
	d.tel.RecordRunStart(ctx)

	// The run outlives the triggering request; detach its cancellation but
	// keep the context values (logger, trace).
	go d.run(context.WithoutCancel(ctx), runID, year, refs, priorHashes)

	return nil
}

// Stats returns a consistent snapshot of the current/last run, callable from
// any state including mid-run.
func (d *Downloader) Stats() ledger.DownloadStatus {
	return d.ledger.Snapshot()
}

// Clear deletes every stored image (both category trees and the orphan
// trees) and resets the ledger. Deletion is best-effort: a failing step is
// recorded but later steps still run, and all failures are returned joined.
// Rejected with ErrRunInProgress while a run is active.
func (d *Downloader) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateIdle {
		return ErrRunInProgress
	}

	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	for _, category := range catalog.Categories {
		if err := d.store.DeleteAll(category); err != nil {
			logger.Error("failed to delete category tree", "category", category, "err", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", category, err))
		}

		if err := d.store.DeleteOrphaned(category); err != nil {
			logger.Error("failed to delete orphan tree", "category", category, "err", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", category.OrphanDir(), err))
		}
	}

	if err := d.ledger.Clear(ctx); err != nil {
		logger.Error("failed to reset ledger", "err", err)
		errs = append(errs, fmt.Errorf("reset ledger: %w", err))
	}

	return errors.Join(errs...)
}

func (d *Downloader) run(ctx context.Context, runID string, year *int, refs []catalog.ImageRef, priorHashes map[string]string) {
	logger := logctx.LoggerFromContext(ctx).With("run_id", runID)
	started := time.Now()

	// Dedup by source URL within the run: the first ref wins, later refs for
	// the same URL are recorded as skipped without a network fetch. Content
	// hash dedup still applies in the store for distinct URLs with equal bytes.
	seen := make(map[string]bool, len(refs))
	dispatch := make([]catalog.ImageRef, 0, len(refs))

	for _, ref := range refs {
		if seen[ref.URL] {
			d.ledger.Record(ctx, ref.Key(), ledger.OutcomeSkipped, "duplicate source url", "", ref.URL)

			continue
		}

		seen[ref.URL] = true
		dispatch = append(dispatch, ref)
	}

	wg, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.maxParallel)

	for i := range dispatch {
		ref := dispatch[i]
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			d.downloadOne(gctx, ref)

			// Per-item failures are recorded, never fatal to the run.
			return nil
		})
	}

	// Workers never return errors; Wait only fences completion.
	_ = wg.Wait()

	d.setState(StateFinalizing)

	moved := 0
	if year == nil {
		moved = d.sweepOrphans(ctx, priorHashes)
	}

	d.ledger.EndRun(ctx)
	d.setState(StateIdle)

	status := d.ledger.Snapshot()
	d.tel.RecordRunEnd(ctx, time.Since(started))

	logger.Info("download run finished",
		"total", status.Total,
		"succeeded", status.Succeeded,
		"failed", status.Failed,
		"skipped", status.Skipped,
		"orphaned_moved", moved,
		"duration", time.Since(started).String(),
	)

	d.emitRunFinished(RunSummary{
		RunID:         runID,
		Year:          year,
		Status:        status,
		OrphanedMoved: moved,
		Duration:      time.Since(started),
	})
}

func (d *Downloader) downloadOne(ctx context.Context, ref catalog.ImageRef) {
	logger := logctx.LoggerFromContext(ctx).With("category", ref.Category, "owner_id", ref.OwnerID)
	started := time.Now()

	d.tel.IncrementActiveDownloads(ctx)
	defer d.tel.DecrementActiveDownloads(ctx)

	data, err := d.fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		kind := fetch.Kind(err)

		logger.Error("failed to fetch image", "url", ref.URL, "kind", kind, "err", err)
		d.ledger.Record(ctx, ref.Key(), ledger.OutcomeFailed, kind, "", ref.URL)
		d.tel.RecordFetch(ctx, kind, time.Since(started))
		d.emitItemFailed(FailedItem{Ref: ref, Err: err})

		return
	}

	img, err := d.store.Write(ctx, ref.Category, data)
	if err != nil {
		logger.Error("failed to store image", "url", ref.URL, "err", err)
		d.ledger.Record(ctx, ref.Key(), ledger.OutcomeFailed, "storage", "", ref.URL)
		d.tel.RecordFetch(ctx, "storage", time.Since(started))
		d.emitItemFailed(FailedItem{Ref: ref, Err: err})

		return
	}

	if img.Existed {
		logger.Debug("image bytes already stored", "hash", img.Hash)
	} else {
		logger.Debug("downloaded and stored image",
			"hash", img.Hash,
			"size", humanize.Bytes(uint64(img.Size)),
		)
		d.tel.RecordStoredBytes(ctx, img.Size)
	}

	d.ledger.Record(ctx, ref.Key(), ledger.OutcomeSucceeded, "", img.Hash, ref.URL)
	d.tel.RecordFetch(ctx, "success", time.Since(started))
}

// sweepOrphans moves files no enumerated ref of this run refers to into the
// per-category orphan directories. Every enumerated ref counts as referenced
// regardless of fetch outcome: an item whose fetch failed transiently is
// still in the catalog, so the file from a previous run must stay in place.
// Only full (unfiltered) runs sweep, since a year-filtered run has not seen
// the whole catalog.
func (d *Downloader) sweepOrphans(ctx context.Context, priorHashes map[string]string) int {
	logger := logctx.LoggerFromContext(ctx)
	snap := d.ledger.Snapshot()

	referenced := make(map[catalog.Category]map[string]struct{})
	for _, category := range catalog.Categories {
		referenced[category] = make(map[string]struct{})
	}

	for key, item := range snap.Items {
		prefix, _, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}

		set, ok := referenced[catalog.Category(prefix)]
		if !ok {
			continue
		}

		if item.Outcome == ledger.OutcomeSucceeded && item.Hash != "" {
			set[item.Hash] = struct{}{}

			continue
		}

		// Failed or skipped: keep whatever the item resolved to last time.
		if hash, ok := priorHashes[key]; ok {
			set[hash] = struct{}{}
		}
	}

	moved := 0

	for _, category := range catalog.Categories {
		onDisk, err := d.store.ListHashes(category)
		if err != nil {
			logger.Error("failed to list stored hashes for orphan sweep", "category", category, "err", err)

			continue
		}

		for hash := range onDisk {
			if _, ok := referenced[category][hash]; ok {
				continue
			}

			if err := d.store.MoveToOrphaned(ctx, category, hash); err != nil {
				logger.Error("failed to move orphaned image", "category", category, "hash", hash, "err", err)

				continue
			}

			moved++
		}
	}

	if moved > 0 {
		logger.Info("moved orphaned images", "count", moved)
		d.tel.RecordOrphansMoved(ctx, moved)
	}

	return moved
}

func (d *Downloader) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// emitItemFailed drops the event when nobody is draining the channel so a
// missing consumer can never stall a run. The closed check runs under d.mu
// because the run goroutine outlives the triggering request and may race a
// shutdown-time Close.
func (d *Downloader) emitItemFailed(item FailedItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	select {
	case d.OnItemFailed <- item:
	default:
	}
}

func (d *Downloader) emitRunFinished(summary RunSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	select {
	case d.OnRunFinished <- summary:
	default:
	}
}

func yearLabel(year *int) string {
	if year == nil {
		return "all"
	}

	return fmt.Sprintf("%d", *year)
}
