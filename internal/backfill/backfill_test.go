package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/feedingtube/internal/retry"
	"github.com/abelbrown/feedingtube/internal/store"
	"github.com/abelbrown/feedingtube/internal/ytdlp"
)

type fakeLister struct {
	ids   []string
	err   error
	calls atomic.Int32
}

func (f *fakeLister) ListIDs(ctx context.Context, url string, max int) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}

// fakeDetails answers detail requests. fail decides per batch (keyed by its
// first id and call number) whether the call errors.
type fakeDetails struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(first string, call int) error
	empty map[string]bool
	hook  func(ids []string)
}

func (f *fakeDetails) FetchDetails(ctx context.Context, ids []string) ([]ytdlp.Detail, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[ids[0]]++
	call := f.calls[ids[0]]
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(ids)
	}
	if f.fail != nil {
		if err := f.fail(ids[0], call); err != nil {
			return nil, err
		}
	}
	if f.empty[ids[0]] {
		return nil, nil
	}

	dur := 600.0
	out := make([]ytdlp.Detail, len(ids))
	for i, id := range ids {
		out[i] = ytdlp.Detail{ID: id, Title: "Video " + id, Duration: &dur, UploadDate: "20240115"}
	}
	return out, nil
}

func (f *fakeDetails) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testOptions() Options {
	return Options{
		ListPolicy:   retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
		DetailPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Sleep: noSleep},
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("vid%08d", i)
	}
	return ids
}

var testSource = store.Source{ID: "UCtest", Name: "Test Channel", URL: "https://www.youtube.com/@test"}

func TestBackfillPartialFailureTally(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(50)

	// Batches 1, 3, 5 and 7 fail on every attempt
	failing := map[string]bool{ids[5]: true, ids[15]: true, ids[25]: true, ids[35]: true}
	details := &fakeDetails{fail: func(first string, call int) error {
		if failing[first] {
			return errors.New("video unavailable")
		}
		return nil
	}}

	b := New(s, &fakeLister{ids: ids}, details, testOptions())
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	if res.Added != 30 {
		t.Errorf("Added = %d, expected 30", res.Added)
	}
	if res.Failed != 20 {
		t.Errorf("Failed = %d, expected 20", res.Failed)
	}
	if res.Total != 50 || res.Skipped != 0 {
		t.Errorf("Total/Skipped = %d/%d, expected 50/0", res.Total, res.Skipped)
	}
	if res.Err != "" {
		t.Errorf("unexpected Err %q", res.Err)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}

	items, err := s.ListBySource(testSource.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 30 {
		t.Errorf("store holds %d items, expected 30", len(items))
	}
}

func TestBackfillSkipsExisting(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(10)

	seed := make([]store.Item, 3)
	for i := range seed {
		seed[i] = store.Item{ID: ids[i], Title: "known", SourceID: testSource.ID}
	}
	if _, err := s.UpsertMany(seed); err != nil {
		t.Fatal(err)
	}

	details := &fakeDetails{}
	b := New(s, &fakeLister{ids: ids}, details, testOptions())
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 7 || res.Skipped != 3 || res.Total != 10 {
		t.Errorf("result = %+v, expected added 7 skipped 3 total 10", res)
	}
	for _, known := range ids[:3] {
		if details.calls[known] != 0 {
			t.Errorf("existing id %s was fetched", known)
		}
	}
}

func TestBackfillNothingNew(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(4)
	seed := make([]store.Item, len(ids))
	for i, id := range ids {
		seed[i] = store.Item{ID: id, Title: "known", SourceID: testSource.ID}
	}
	if _, err := s.UpsertMany(seed); err != nil {
		t.Fatal(err)
	}

	details := &fakeDetails{}
	b := New(s, &fakeLister{ids: ids}, details, testOptions())
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || res.Total != 4 || res.Skipped != 4 {
		t.Errorf("result = %+v", res)
	}
	if details.totalCalls() != 0 {
		t.Errorf("expected no detail fetches, got %d", details.totalCalls())
	}
}

func TestBackfillListFailureIsTerminal(t *testing.T) {
	s := openStore(t)
	lister := &fakeLister{err: fmt.Errorf("yt-dlp: %w", retry.ErrThrottled)}
	details := &fakeDetails{}

	b := New(s, lister, details, testOptions())
	_, err := b.Backfill(context.Background(), testSource, nil)
	if err == nil {
		t.Fatal("expected listing error")
	}
	if !strings.Contains(err.Error(), "list items") {
		t.Errorf("error %q should mention listing", err)
	}
	if !errors.Is(err, retry.ErrThrottled) {
		t.Errorf("expected wrapped ErrThrottled, got %v", err)
	}
	if got := lister.calls.Load(); got != 3 {
		t.Errorf("expected 3 list attempts, got %d", got)
	}
	if details.totalCalls() != 0 {
		t.Error("no details should be fetched after a listing failure")
	}
}

func TestBackfillRetriesTransientBatch(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(10)
	details := &fakeDetails{fail: func(first string, call int) error {
		if first == ids[0] && call == 1 {
			return retry.ErrThrottled
		}
		return nil
	}}

	b := New(s, &fakeLister{ids: ids}, details, testOptions())
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 10 || res.Failed != 0 {
		t.Errorf("result = %+v, expected all 10 added after retry", res)
	}
	if got := details.calls[ids[0]]; got != 2 {
		t.Errorf("throttled batch called %d times, expected 2", got)
	}
}

func TestBackfillEmptyBatchCountsAsFailed(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(10)
	details := &fakeDetails{empty: map[string]bool{ids[5]: true}}

	b := New(s, &fakeLister{ids: ids}, details, testOptions())
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 5 || res.Failed != 5 {
		t.Errorf("result = %+v, expected added 5 failed 5", res)
	}
}

func TestBackfillFlushesIncrementally(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(30) // 6 batches

	var seen []int
	details := &fakeDetails{}
	details.hook = func(batch []string) {
		items, err := s.ListBySource(testSource.ID)
		if err != nil {
			t.Errorf("ListBySource: %v", err)
			return
		}
		seen = append(seen, len(items))
	}

	opts := testOptions()
	opts.Concurrency = 1
	opts.FlushEvery = 2
	b := New(s, &fakeLister{ids: ids}, details, opts)
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 30 {
		t.Errorf("Added = %d, expected 30", res.Added)
	}

	// With one worker, every second batch is flushed before the next starts
	expected := []int{0, 0, 10, 10, 20, 20}
	if fmt.Sprint(seen) != fmt.Sprint(expected) {
		t.Errorf("store size seen by each batch = %v, expected %v", seen, expected)
	}
}

func TestBackfillProgress(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(125) // 25 batches

	type call struct{ done, total int }
	var mu sync.Mutex
	var calls []call
	progress := func(done, total int) {
		mu.Lock()
		calls = append(calls, call{done, total})
		mu.Unlock()
	}

	b := New(s, &fakeLister{ids: ids}, &fakeDetails{}, testOptions())
	if _, err := b.Backfill(context.Background(), testSource, progress); err != nil {
		t.Fatal(err)
	}

	// start, batches 10, 20 and 25, end
	if len(calls) != 5 {
		t.Fatalf("expected 5 progress calls, got %d: %v", len(calls), calls)
	}
	if calls[0] != (call{0, 125}) {
		t.Errorf("first call = %v, expected {0 125}", calls[0])
	}
	if last := calls[len(calls)-1]; last != (call{125, 125}) {
		t.Errorf("last call = %v, expected {125 125}", last)
	}
	for i := 1; i < len(calls); i++ {
		if calls[i].done < calls[i-1].done {
			t.Errorf("progress went backwards: %v", calls)
		}
	}
}

func TestBackfillCancelledKeepsPartialResult(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(20) // 4 batches

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	details := &fakeDetails{fail: func(first string, call int) error {
		if first == ids[5] {
			cancel()
			return context.Canceled
		}
		return nil
	}}

	opts := testOptions()
	opts.Concurrency = 1
	opts.FlushEvery = 1
	b := New(s, &fakeLister{ids: ids}, details, opts)
	res, err := b.Backfill(ctx, testSource, nil)
	if err != nil {
		t.Fatalf("partial progress should not be an error: %v", err)
	}
	if res.Added != 5 {
		t.Errorf("Added = %d, expected 5", res.Added)
	}
	if res.Failed != 15 {
		t.Errorf("Failed = %d, expected 15", res.Failed)
	}
	if res.Err == "" {
		t.Error("expected Err to describe the interruption")
	}
}

func TestBackfillCancelledWithNothingAdded(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	details := &fakeDetails{fail: func(first string, call int) error {
		cancel()
		return context.Canceled
	}}

	opts := testOptions()
	opts.Concurrency = 1
	b := New(s, &fakeLister{ids: ids}, details, opts)
	_, err := b.Backfill(ctx, testSource, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBackfillStoreFailureKeepsPartialResult(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(100) // 20 batches

	// The store goes away while the fifth batch is being fetched, so the
	// flush after the sixth batch fails.
	details := &fakeDetails{}
	details.hook = func(batch []string) {
		if batch[0] == ids[20] {
			s.Close()
		}
	}

	opts := testOptions()
	opts.Concurrency = 1
	opts.FlushEvery = 2
	b := New(s, &fakeLister{ids: ids}, details, opts)
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err != nil {
		t.Fatalf("partial progress should not be an error: %v", err)
	}

	if res.Added != 20 {
		t.Errorf("Added = %d, expected 20", res.Added)
	}
	if res.Failed != 80 {
		t.Errorf("Failed = %d, expected 80", res.Failed)
	}
	if res.Added+res.Failed != len(ids) {
		t.Errorf("added %d + failed %d does not account for %d ids", res.Added, res.Failed, len(ids))
	}
	if !strings.Contains(res.Err, "flush") {
		t.Errorf("Err = %q, expected the flush failure", res.Err)
	}
	// Batches queued behind the failed flush never reach yt-dlp
	if got := details.totalCalls(); got != 6 {
		t.Errorf("detail calls = %d, expected 6", got)
	}
}

func TestBackfillStoreFailureWithNothingAdded(t *testing.T) {
	s := openStore(t)
	ids := makeIDs(50)

	details := &fakeDetails{}
	details.hook = func(batch []string) {
		if batch[0] == ids[0] {
			s.Close()
		}
	}

	opts := testOptions()
	opts.Concurrency = 1
	opts.FlushEvery = 1
	b := New(s, &fakeLister{ids: ids}, details, opts)
	res, err := b.Backfill(context.Background(), testSource, nil)
	if err == nil {
		t.Fatalf("expected an error when nothing could be stored, got %+v", res)
	}
	if res.Failed != len(ids) {
		t.Errorf("Failed = %d, expected %d", res.Failed, len(ids))
	}
	if got := details.totalCalls(); got != 1 {
		t.Errorf("detail calls = %d, expected 1", got)
	}
}

func TestChunk(t *testing.T) {
	got := chunk(makeIDs(12), 5)
	if len(got) != 3 || len(got[0]) != 5 || len(got[2]) != 2 {
		t.Errorf("chunk sizes wrong: %v", got)
	}
	if chunk(nil, 5) != nil {
		t.Error("chunk(nil) should be nil")
	}
}
