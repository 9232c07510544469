// Package backfill enumerates a channel's full upload history and stores
// every video that is not already known.
//
// One Backfill call lists the channel's ids (with retry), diffs them against
// the store, fetches the missing details in small batches on a bounded pool,
// and flushes results to the store as they accumulate. A batch that keeps
// failing only costs its own ids; the run carries on.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/otel"
	"github.com/abelbrown/feedingtube/internal/retry"
	"github.com/abelbrown/feedingtube/internal/store"
	"github.com/abelbrown/feedingtube/internal/work"
	"github.com/abelbrown/feedingtube/internal/ytdlp"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultListMax       = 5000
	DefaultBatchSize     = 5
	DefaultConcurrency   = 50
	DefaultFlushEvery    = 20 // batches
	DefaultProgressEvery = 10 // batches
)

// Lister enumerates the ids of a channel's uploads.
type Lister interface {
	ListIDs(ctx context.Context, url string, max int) ([]string, error)
}

// DetailFetcher fetches metadata for a batch of ids.
type DetailFetcher interface {
	FetchDetails(ctx context.Context, ids []string) ([]ytdlp.Detail, error)
}

// ProgressFunc receives (processed, total) counts of ids to fetch. It may be
// called from several goroutines, but never concurrently.
type ProgressFunc func(done, total int)

// Options configures a Backfiller.
type Options struct {
	ListMax       int
	BatchSize     int
	Concurrency   int
	FlushEvery    int
	ProgressEvery int

	ListPolicy   retry.Policy // zero value: 3 attempts, 2s base
	DetailPolicy retry.Policy // zero value: 2 attempts, 1s base

	Events *otel.Logger // optional
}

// Result summarises one backfill.
type Result struct {
	RunID   string
	Added   int    // rows actually inserted
	Total   int    // ids listed for the source
	Skipped int    // listed ids already in the store
	Failed  int    // ids whose details could not be fetched
	Err     string // set when the run stopped early but kept partial progress
}

// Backfiller runs history backfills against one store.
type Backfiller struct {
	store   *store.Store
	lister  Lister
	details DetailFetcher
	opts    Options
}

// New creates a Backfiller. Zero Options fields take their defaults.
func New(s *store.Store, lister Lister, details DetailFetcher, opts Options) *Backfiller {
	if opts.ListMax <= 0 {
		opts.ListMax = DefaultListMax
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	if opts.ListPolicy.MaxAttempts == 0 {
		opts.ListPolicy.MaxAttempts = 3
		opts.ListPolicy.BaseDelay = 2 * time.Second
	}
	if opts.DetailPolicy.MaxAttempts == 0 {
		opts.DetailPolicy.MaxAttempts = 2
		opts.DetailPolicy.BaseDelay = time.Second
	}
	return &Backfiller{store: s, lister: lister, details: details, opts: opts}
}

// run holds the mutable state of a single Backfill call.
type run struct {
	b      *Backfiller
	id     string
	src    store.Source
	total  int                // ids to fetch
	cancel context.CancelFunc // stops queued batches after a store failure

	mu       sync.Mutex
	pending  []fetched // fetched batches not yet written
	added    int
	failed   int
	flushErr error

	progressMu sync.Mutex
	processed  int
	batchesRun int
	batches    int
	onProgress ProgressFunc
}

// fetched is one batch waiting to be written. ids can exceed len(items)
// when yt-dlp returns fewer entries than asked for.
type fetched struct {
	ids   int
	items []store.Item
}

// Backfill fetches and stores every upload of src the store does not have.
//
// A listing failure is returned as an error. Once dispatch has started, a
// store failure or cancellation ends the run: if anything was added the
// partial Result is returned with Err set and a nil error, otherwise the
// error is returned.
func (b *Backfiller) Backfill(ctx context.Context, src store.Source, onProgress ProgressFunc) (Result, error) {
	start := time.Now()
	res := Result{RunID: uuid.NewString()}

	b.opts.Events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindBackfillStart,
		Comp:   "backfill",
		RunID:  res.RunID,
		Source: src.ID,
	})

	ids, err := retry.Do(ctx, b.opts.ListPolicy, func(ctx context.Context) ([]string, error) {
		return b.lister.ListIDs(ctx, src.URL, b.opts.ListMax)
	})
	if err != nil {
		b.opts.Events.Emit(otel.Event{
			Level:  otel.LevelError,
			Kind:   otel.KindBackfillList,
			Comp:   "backfill",
			RunID:  res.RunID,
			Source: src.ID,
			Err:    err.Error(),
		})
		return res, fmt.Errorf("list items: %w", err)
	}
	res.Total = len(ids)

	existing, err := b.store.ExistingIDs(src.ID)
	if err != nil {
		return res, fmt.Errorf("load existing ids: %w", err)
	}

	var newIDs []string
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			res.Skipped++
			continue
		}
		newIDs = append(newIDs, id)
	}

	b.opts.Events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindBackfillList,
		Comp:   "backfill",
		RunID:  res.RunID,
		Source: src.ID,
		Count:  len(newIDs),
		Total:  len(ids),
	})
	logging.Info("Backfill listed",
		"source", src.ID,
		"listed", len(ids),
		"new", len(newIDs),
		"skipped", res.Skipped)

	if len(newIDs) == 0 {
		b.complete(res, start)
		return res, nil
	}

	r := &run{
		b:          b,
		id:         res.RunID,
		src:        src,
		total:      len(newIDs),
		onProgress: onProgress,
	}
	r.dispatch(ctx, newIDs)

	res.Added = r.added
	res.Failed = r.failed

	stopErr := r.flushErr
	if stopErr == nil {
		stopErr = ctx.Err()
	}
	if stopErr != nil {
		if res.Added == 0 {
			return res, fmt.Errorf("backfill %s: %w", src.ID, stopErr)
		}
		res.Err = stopErr.Error()
		logging.Warn("Backfill stopped early, keeping partial result",
			"source", src.ID,
			"added", res.Added,
			"error", stopErr)
	}

	b.complete(res, start)
	return res, nil
}

func (b *Backfiller) complete(res Result, start time.Time) {
	b.opts.Events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindBackfillComplete,
		Comp:   "backfill",
		RunID:  res.RunID,
		Count:  res.Added,
		Total:  res.Total,
		Failed: res.Failed,
		Err:    res.Err,
		Dur:    time.Since(start),
	})
	logging.Info("Backfill complete",
		"added", res.Added,
		"total", res.Total,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration", time.Since(start))
}

// dispatch fetches ids in batches on a bounded pool and waits for all of
// them, flushing to the store along the way. A store failure cancels the
// batches still queued.
func (r *run) dispatch(ctx context.Context, ids []string) {
	opts := r.b.opts
	batches := chunk(ids, opts.BatchSize)
	r.batches = len(batches)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	r.report(0)

	pool := work.NewPool(opts.Concurrency)
	futures := make([]*work.Future[int], len(batches))
	for i, batch := range batches {
		i, batch := i, batch
		futures[i] = work.Go(pool, ctx, fmt.Sprintf("details %d ids", len(batch)), func(ctx context.Context) (int, error) {
			defer r.report(len(batch))
			items, err := r.fetchBatch(ctx, batch)
			if err != nil {
				r.batchFailed(i, batch, err)
				return 0, err
			}
			return len(items), r.batchDone(len(batch), items)
		})
	}
	pool.Drain()
	logging.Debug("Backfill dispatch drained", "source", r.src.ID, "pool", pool.Stats().String())

	// A failed task lost its whole batch: the fetch failed, ctx ended
	// before it ran, or the store had already failed.
	failed := 0
	for i, f := range futures {
		if _, err := f.Wait(); err != nil {
			failed += len(batches[i])
		}
	}
	r.mu.Lock()
	r.failed += failed
	r.mu.Unlock()

	r.flush(true)

	r.progressMu.Lock()
	if r.onProgress != nil {
		r.onProgress(r.total, r.total)
	}
	r.progressMu.Unlock()
}

// fetchBatch fetches one batch with retry. A call that succeeds but yields
// nothing usable counts as a failure.
func (r *run) fetchBatch(ctx context.Context, ids []string) ([]store.Item, error) {
	details, err := retry.Do(ctx, r.b.opts.DetailPolicy, func(ctx context.Context) ([]ytdlp.Detail, error) {
		return r.b.details.FetchDetails(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, errEmptyBatch
	}

	items := make([]store.Item, 0, len(details))
	for _, d := range details {
		items = append(items, d.Item(r.src.ID, r.src.Name))
	}
	return items, nil
}

var errEmptyBatch = errors.New("no details returned")

func (r *run) batchFailed(idx int, ids []string, err error) {
	logging.Warn("Detail batch failed",
		"source", r.src.ID,
		"batch", idx,
		"ids", len(ids),
		"error", err)
	r.b.opts.Events.Emit(otel.Event{
		Level:  otel.LevelWarn,
		Kind:   otel.KindBackfillBatchError,
		Comp:   "backfill",
		RunID:  r.id,
		Source: r.src.ID,
		Count:  len(ids),
		Err:    err.Error(),
	})
}

// batchDone queues a fetched batch for the next flush. Once the store has
// failed the batch is refused and its task fails with the store error.
func (r *run) batchDone(ids int, items []store.Item) error {
	r.mu.Lock()
	if r.flushErr != nil {
		err := r.flushErr
		r.mu.Unlock()
		return err
	}
	r.pending = append(r.pending, fetched{ids: ids, items: items})
	full := len(r.pending) >= r.b.opts.FlushEvery
	r.mu.Unlock()

	if otel.TraceEnabled() {
		r.b.opts.Events.Emit(otel.Event{
			Level:  otel.LevelDebug,
			Kind:   otel.KindBackfillBatch,
			Comp:   "backfill",
			RunID:  r.id,
			Source: r.src.ID,
			Count:  len(items),
		})
	}
	if full {
		r.flush(false)
	}
	return nil
}

// flush writes pending batches in one store call. Unless final, it only
// writes once FlushEvery batches have accumulated. A store failure is
// fatal to the run: the unwritten ids count as failed and the queued
// batches are cancelled.
func (r *run) flush(final bool) {
	r.mu.Lock()
	if r.flushErr != nil {
		r.dropPendingLocked()
		r.mu.Unlock()
		return
	}
	if len(r.pending) == 0 || (!final && len(r.pending) < r.b.opts.FlushEvery) {
		r.mu.Unlock()
		return
	}
	batches := r.pending
	r.pending = nil
	r.mu.Unlock()

	var items []store.Item
	ids := 0
	for _, b := range batches {
		items = append(items, b.items...)
		ids += b.ids
	}

	added, err := r.b.store.UpsertMany(items)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.flushErr == nil {
			r.flushErr = fmt.Errorf("flush %d items: %w", len(items), err)
		}
		r.failed += ids
		r.dropPendingLocked()
		if r.cancel != nil {
			r.cancel()
		}
		r.b.opts.Events.Emit(otel.Event{
			Level:  otel.LevelError,
			Kind:   otel.KindStoreError,
			Comp:   "backfill",
			RunID:  r.id,
			Source: r.src.ID,
			Count:  ids,
			Err:    err.Error(),
		})
		logging.Error("Backfill flush failed", "source", r.src.ID, "items", len(items), "error", err)
		return
	}
	r.added += added
	r.b.opts.Events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindBackfillFlush,
		Comp:   "backfill",
		RunID:  r.id,
		Source: r.src.ID,
		Count:  added,
		Total:  len(items),
	})
}

// dropPendingLocked counts batches queued behind a failed flush as failed.
// Caller must hold r.mu.
func (r *run) dropPendingLocked() {
	for _, b := range r.pending {
		r.failed += b.ids
	}
	r.pending = nil
}

// report records n more processed ids and calls the progress callback
// every ProgressEvery batches and on the last one.
func (r *run) report(n int) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()

	if n == 0 {
		if r.onProgress != nil {
			r.onProgress(0, r.total)
		}
		return
	}
	r.processed += n
	r.batchesRun++
	if r.onProgress == nil {
		return
	}
	if r.batchesRun%r.b.opts.ProgressEvery == 0 || r.batchesRun == r.batches {
		r.onProgress(r.processed, r.total)
	}
}

// chunk splits ids into consecutive slices of at most size.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for lo := 0; lo < len(ids); lo += size {
		out = append(out, ids[lo:min(lo+size, len(ids))])
	}
	return out
}
