package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// recorder captures requested sleeps without actually sleeping.
type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(r *recorder, attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		Sleep:       r.sleep,
		Jitter:      func() time.Duration { return 500 * time.Millisecond },
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	rec := &recorder{}
	calls := 0

	v, err := Do(context.Background(), testPolicy(rec, 4), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", fmt.Errorf("yt-dlp: HTTP Error 429: %w", ErrThrottled)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Errorf("expected ok, got %q", v)
	}
	if calls != 4 {
		t.Errorf("expected 4 attempts, got %d", calls)
	}
	if len(rec.delays) != 3 {
		t.Fatalf("expected 3 sleeps, got %d", len(rec.delays))
	}
	for i := 1; i < len(rec.delays); i++ {
		if rec.delays[i] <= rec.delays[i-1] {
			t.Errorf("delays not increasing: %v", rec.delays)
		}
	}
	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 4500 * time.Millisecond}
	for i, d := range want {
		if rec.delays[i] != d {
			t.Errorf("delay[%d] = %s, expected %s", i, rec.delays[i], d)
		}
	}
}

func TestDoFatalErrorNotRetried(t *testing.T) {
	rec := &recorder{}
	fatal := errors.New("video unavailable")
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec, 5), func(ctx context.Context) (int, error) {
		calls++
		return 0, fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no sleeps, got %v", rec.delays)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	rec := &recorder{}
	calls := 0

	_, err := Do(context.Background(), testPolicy(rec, 3), func(ctx context.Context) (int, error) {
		calls++
		return 0, ErrTimeout
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected wrapped ErrTimeout, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	// No sleep after the final attempt
	if len(rec.delays) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(rec.delays))
	}
}

func TestDoAttemptTimeoutIsTransient(t *testing.T) {
	rec := &recorder{}
	calls := 0

	p := testPolicy(rec, 2)
	p.AttemptTimeout = 10 * time.Millisecond

	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		Jitter:      func() time.Duration { return 0 },
	}

	_, err := Do(ctx, p, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, ErrThrottled
	})
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrThrottled) {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt after cancel, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttled", ErrThrottled, true},
		{"wrapped throttled", fmt.Errorf("list: %w", ErrThrottled), true},
		{"timeout", ErrTimeout, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"other", errors.New("private video"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPolicyDelayDoubles(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second}
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := p.Delay(i); got != want {
			t.Errorf("Delay(%d) = %s, want %s", i, got, want)
		}
	}
}
