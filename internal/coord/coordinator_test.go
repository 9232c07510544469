package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abelbrown/feedingtube/internal/store"
)

// mockFetcher implements the fetcher interface for testing.
type mockFetcher struct {
	mu          sync.Mutex
	fetched     []string
	failSources map[string]bool
	perSource   int
	fetchDelay  time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *mockFetcher) Fetch(ctx context.Context, src store.Source) ([]store.Item, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		old := m.maxInFlight.Load()
		if n <= old || m.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}

	if m.fetchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.fetchDelay):
		}
	}

	m.mu.Lock()
	m.fetched = append(m.fetched, src.ID)
	m.mu.Unlock()

	if m.failSources[src.ID] {
		return nil, errors.New("feed unavailable")
	}

	now := time.Now()
	items := make([]store.Item, m.perSource)
	for i := range items {
		pub := now.Add(-time.Duration(i) * time.Minute)
		items[i] = store.Item{
			ID:         fmt.Sprintf("%s-v%d", src.ID, i),
			Title:      "video",
			URL:        "https://www.youtube.com/watch?v=x",
			SourceID:   src.ID,
			SourceName: src.Name,
			Published:  &pub,
		}
	}
	return items, nil
}

func (m *mockFetcher) fetchedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fetched)
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

func makeSources(n int) []store.Source {
	sources := make([]store.Source, n)
	for i := range sources {
		sources[i] = store.Source{ID: fmt.Sprintf("UC%02d", i), Name: fmt.Sprintf("Channel %d", i)}
	}
	return sources
}

func TestRefreshAllFetchesAllSources(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 3}
	r := NewRefresher(s, mock, Options{})

	added, err := r.RefreshAll(context.Background(), makeSources(5))
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if added != 15 {
		t.Errorf("expected 15 new items, got %d", added)
	}
	if got := mock.fetchedCount(); got != 5 {
		t.Errorf("expected 5 fetches, got %d", got)
	}

	// Second cycle sees the same feed: nothing new
	added, err = r.RefreshAll(context.Background(), makeSources(5))
	if err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if added != 0 {
		t.Errorf("expected 0 new items on re-poll, got %d", added)
	}
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{
		perSource:   2,
		failSources: map[string]bool{"UC01": true, "UC03": true},
	}
	r := NewRefresher(s, mock, Options{})

	added, err := r.RefreshAll(context.Background(), makeSources(4))
	if err != nil {
		t.Fatalf("one failing source must not fail the refresh: %v", err)
	}
	if added != 4 {
		t.Errorf("expected 4 items from 2 healthy sources, got %d", added)
	}

	items, err := s.ListBySource("UC01")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("failed source should contribute nothing, got %d", len(items))
	}
}

func TestRefreshAllBatchesBoundConcurrency(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 1, fetchDelay: 20 * time.Millisecond}
	r := NewRefresher(s, mock, Options{BatchSize: 4})

	added, err := r.RefreshAll(context.Background(), makeSources(10))
	if err != nil {
		t.Fatal(err)
	}
	if added != 10 {
		t.Errorf("expected 10 items, got %d", added)
	}
	if got := mock.maxInFlight.Load(); got > 4 {
		t.Errorf("observed %d concurrent fetches, batch size is 4", got)
	}
	if got := mock.maxInFlight.Load(); got < 2 {
		t.Errorf("expected fetches within a batch to overlap, max was %d", got)
	}
}

func TestRefreshAllFetchTimeout(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 1, fetchDelay: time.Second}
	r := NewRefresher(s, mock, Options{FetchTimeout: 20 * time.Millisecond})

	start := time.Now()
	added, err := r.RefreshAll(context.Background(), makeSources(3))
	if err != nil {
		t.Fatal(err)
	}
	if added != 0 {
		t.Errorf("timed out sources should add nothing, got %d", added)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("refresh took %v, per-fetch timeout not applied", time.Since(start))
	}
}

func TestRefreshAllStoreErrorPropagates(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 1}
	r := NewRefresher(s, mock, Options{})

	s.Close()
	if _, err := r.RefreshAll(context.Background(), makeSources(2)); err == nil {
		t.Error("expected store error to propagate")
	}
}

func TestRefreshAllEmpty(t *testing.T) {
	s := openStore(t)
	r := NewRefresher(s, &mockFetcher{}, Options{})

	added, err := r.RefreshAll(context.Background(), nil)
	if err != nil || added != 0 {
		t.Errorf("empty refresh = %d, %v", added, err)
	}
}

func TestRefreshAllCancelledBetweenBatches(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 1}
	r := NewRefresher(s, mock, Options{BatchSize: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RefreshAll(ctx, makeSources(6))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := mock.fetchedCount(); got != 0 {
		t.Errorf("no batch should start after cancel, got %d fetches", got)
	}
}

func TestStartAndWait(t *testing.T) {
	s := openStore(t)
	mock := &mockFetcher{perSource: 1}
	r := NewRefresher(s, mock, Options{Interval: 10 * time.Millisecond})

	var cycles atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, func() ([]store.Source, error) {
		return makeSources(2), nil
	}, func(added int, err error) {
		cycles.Add(1)
	})

	deadline := time.After(2 * time.Second)
	for cycles.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 cycles, got %d", cycles.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	r.Wait()

	items, err := s.ListBySource("UC00")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 stored item, got %d", len(items))
	}
}

func TestStartReportsSourceLoadError(t *testing.T) {
	s := openStore(t)
	r := NewRefresher(s, &mockFetcher{}, Options{Interval: time.Hour})

	errc := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, func() ([]store.Source, error) {
		return nil, errors.New("db locked")
	}, func(added int, err error) {
		errc <- err
	})

	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected load error")
		}
	case <-time.After(time.Second):
		t.Fatal("onDone not called")
	}
	cancel()
	r.Wait()
}
