package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/bobuk/calsync/internal/remote"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "connection reset" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

var _ net.Error = fakeNetErr{}

func newTestTransport(waits *[]time.Duration) *Transport {
	return New(Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		WithRand(rand.New(rand.NewSource(1))),
		WithWait(func(ctx context.Context, d time.Duration) error {
			if waits != nil {
				*waits = append(*waits, d)
			}
			return ctx.Err()
		}))
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	var waits []time.Duration
	tr := newTestTransport(&waits)
	calls := 0
	out, err := Execute(context.Background(), tr, "list", nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &remote.StatusError{Op: "list", Code: 503}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
	if len(waits) != 2 {
		t.Fatalf("expected 2 backoff waits, got %d", len(waits))
	}
	if waits[1] <= waits[0]/2 {
		t.Fatalf("backoff did not grow: %v", waits)
	}
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	tr := newTestTransport(nil)
	calls := 0
	_, err := Execute(context.Background(), tr, "list", nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, fakeNetErr{}
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if terr.Kind != KindTransient || terr.Attempts != 3 {
		t.Fatalf("unexpected error %+v", terr)
	}
}

func TestExecuteDoesNotRetryDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{remote.ErrCursorInvalidated, KindCursorInvalidated},
		{fmt.Errorf("update: %w", remote.ErrStaleWrite), KindStaleWrite},
		{remote.ErrNotFound, KindNotFound},
		{&remote.StatusError{Code: 400}, KindTerminal},
		{&remote.StatusError{Code: 412}, KindStaleWrite},
	}
	for _, tc := range cases {
		tr := newTestTransport(nil)
		calls := 0
		err := Do(context.Background(), tr, "op", nil, func(ctx context.Context) error {
			calls++
			return tc.err
		})
		if calls != 1 {
			t.Errorf("%v: expected one call, got %d", tc.err, calls)
		}
		if got := KindOf(err); got != tc.kind {
			t.Errorf("%v: kind = %v, want %v", tc.err, got, tc.kind)
		}
		if !errors.Is(err, tc.err) {
			var serr *remote.StatusError
			if !errors.As(err, &serr) {
				t.Errorf("%v: error chain lost the cause", tc.err)
			}
		}
	}
}

func TestExecuteRefreshesOnceOnUnauthorized(t *testing.T) {
	tr := newTestTransport(nil)
	refreshes := 0
	refresh := func(ctx context.Context) error {
		refreshes++
		return nil
	}
	calls := 0
	out, err := Execute(context.Background(), tr, "get", refresh, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &remote.StatusError{Code: 401}
		}
		return 42, nil
	})
	if err != nil || out != 42 {
		t.Fatalf("out=%d err=%v", out, err)
	}
	if refreshes != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes)
	}

	// A second 401 after the forced refresh is an auth failure.
	calls, refreshes = 0, 0
	_, err = Execute(context.Background(), tr, "get", refresh, func(ctx context.Context) (int, error) {
		calls++
		return 0, &remote.StatusError{Code: 401}
	})
	if KindOf(err) != KindAuth {
		t.Fatalf("expected auth kind, got %v", KindOf(err))
	}
	if calls != 2 || refreshes != 1 {
		t.Fatalf("calls=%d refreshes=%d", calls, refreshes)
	}
}

type revokedErr struct{}

func (revokedErr) Error() string           { return "token revoked" }
func (revokedErr) ReconnectRequired() bool { return true }

func TestExecuteRefreshFailurePropagates(t *testing.T) {
	tr := newTestTransport(nil)
	calls := 0
	err := Do(context.Background(), tr, "get", func(ctx context.Context) error {
		return revokedErr{}
	}, func(ctx context.Context) error {
		calls++
		return &remote.StatusError{Code: 401}
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if KindOf(err) != KindAuth {
		t.Fatalf("expected auth kind, got %v", KindOf(err))
	}
}

func TestExecuteStopsOnCanceledContext(t *testing.T) {
	tr := newTestTransport(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, tr, "list", nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatalf("expected no calls on canceled context, got %d", calls)
	}
	if KindOf(err) != KindCanceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestExecuteCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, tr, "list", nil, func(ctx context.Context) error {
			calls++
			return &remote.StatusError{Code: 500}
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if KindOf(err) != KindCanceled {
			t.Fatalf("expected canceled kind, got %v", KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryAfterHintIsCapped(t *testing.T) {
	var waits []time.Duration
	tr := newTestTransport(&waits)
	calls := 0
	_ = Do(context.Background(), tr, "list", nil, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &remote.StatusError{Code: 429, RetryAfter: time.Hour}
		}
		return nil
	})
	if len(waits) != 1 || waits[0] != time.Second {
		t.Fatalf("expected one wait capped at 1s, got %v", waits)
	}
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	tr := New(Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5},
		WithRand(rand.New(rand.NewSource(7))))
	for i := 0; i < 100; i++ {
		d := tr.delay(1, 0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("delay %v outside jitter bounds", d)
		}
	}
	if d := tr.delay(10, 0); d > 1500*time.Millisecond {
		t.Fatalf("delay %v exceeds cap plus jitter", d)
	}
}

func TestExecuteRetriesRateLimitedForbidden(t *testing.T) {
	tr := newTestTransport(nil)
	calls := 0
	got, err := Execute(context.Background(), tr, "list", nil, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, &remote.StatusError{Op: "list", Code: 403, RateLimited: true}
		}
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("got %d, %v", got, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
