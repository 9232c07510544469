// Package coord runs incremental refreshes of every subscribed channel.
//
// A refresh polls each source's cheap feed in fixed-size concurrent batches
// and merges everything it found into a single store write. There is no
// retry here: a source that fails contributes nothing this cycle and is
// polled again next cycle.
package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/otel"
	"github.com/abelbrown/feedingtube/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultBatchSize    = 20
	DefaultFetchTimeout = 15 * time.Second
	DefaultInterval     = 30 * time.Minute
)

// fetcher interface for dependency injection (testing).
type fetcher interface {
	Fetch(ctx context.Context, src store.Source) ([]store.Item, error)
}

// Options configures a Refresher.
type Options struct {
	BatchSize    int           // sources fetched concurrently per batch
	FetchTimeout time.Duration // bound on each feed fetch
	Interval     time.Duration // period of the background loop
	Events       *otel.Logger  // optional
}

// Refresher polls source feeds and writes new items to the store.
// Uses context cancellation as the ONLY stop mechanism.
type Refresher struct {
	store   *store.Store
	fetcher fetcher
	opts    Options
	wg      sync.WaitGroup
}

// NewRefresher creates a Refresher around any feed fetcher.
func NewRefresher(s *store.Store, f fetcher, opts Options) *Refresher {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Refresher{store: s, fetcher: f, opts: opts}
}

// fetchResult is the outcome of one source's fetch.
type fetchResult struct {
	items []store.Item
	err   error
}

// RefreshAll fetches every source and stores what is new, returning the
// number of items inserted. Per-source failures are logged and skipped.
// A store failure is returned. If ctx is cancelled between batches, the
// items gathered so far are still written and ctx.Err() is returned.
func (r *Refresher) RefreshAll(ctx context.Context, sources []store.Source) (int, error) {
	runID := uuid.NewString()
	start := time.Now()

	r.opts.Events.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindRefreshStart,
		Comp:  "refresh",
		RunID: runID,
		Count: len(sources),
	})

	var all []store.Item
	failed := 0
	var cancelErr error

	for lo := 0; lo < len(sources); lo += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		hi := min(lo+r.opts.BatchSize, len(sources))
		batch := sources[lo:hi]

		results := r.fetchBatch(ctx, batch)
		for i, res := range results {
			if res.err != nil {
				failed++
				logging.Warn("Feed fetch failed", "source", batch[i].ID, "error", res.err)
				r.opts.Events.Emit(otel.Event{
					Level:  otel.LevelWarn,
					Kind:   otel.KindRefreshSourceError,
					Comp:   "refresh",
					RunID:  runID,
					Source: batch[i].ID,
					Err:    res.err.Error(),
				})
				continue
			}
			all = append(all, res.items...)
		}
	}

	added, err := r.store.UpsertMany(all)
	if err != nil {
		r.opts.Events.Emit(otel.Event{
			Level: otel.LevelError,
			Kind:  otel.KindStoreError,
			Comp:  "refresh",
			RunID: runID,
			Err:   err.Error(),
		})
		return 0, fmt.Errorf("store refreshed items: %w", err)
	}

	r.opts.Events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindRefreshComplete,
		Comp:   "refresh",
		RunID:  runID,
		Count:  added,
		Total:  len(all),
		Failed: failed,
		Dur:    time.Since(start),
	})
	logging.Info("Refresh complete",
		"sources", len(sources),
		"fetched", len(all),
		"new", added,
		"failed", failed,
		"duration", time.Since(start))

	return added, cancelErr
}

// fetchBatch fetches one batch of sources concurrently and waits for all
// of them. Each fetch has its own timeout.
func (r *Refresher) fetchBatch(ctx context.Context, batch []store.Source) []fetchResult {
	results := make([]fetchResult, len(batch))

	var g errgroup.Group
	for i, src := range batch {
		i, src := i, src
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
			defer cancel()

			items, err := r.fetcher.Fetch(fetchCtx, src)
			results[i] = fetchResult{items: items, err: err}
			return nil // never fail the group - errors reported per-source
		})
	}
	_ = g.Wait()

	return results
}

// Start refreshes immediately and then every Interval until ctx is
// cancelled. sourcesFn is called each cycle so subscription changes are
// picked up; onDone (optional) receives each cycle's outcome.
func (r *Refresher) Start(ctx context.Context, sourcesFn func() ([]store.Source, error), onDone func(added int, err error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.cycle(ctx, sourcesFn, onDone)

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.cycle(ctx, sourcesFn, onDone)
			}
		}
	}()
}

func (r *Refresher) cycle(ctx context.Context, sourcesFn func() ([]store.Source, error), onDone func(int, error)) {
	sources, err := sourcesFn()
	if err != nil {
		err = fmt.Errorf("load sources: %w", err)
		if onDone != nil {
			onDone(0, err)
		}
		return
	}
	added, err := r.RefreshAll(ctx, sources)
	if onDone != nil {
		onDone(added, err)
	}
}

// Wait blocks until the background goroutine exits.
// Call after canceling the context passed to Start.
func (r *Refresher) Wait() {
	r.wg.Wait()
}
