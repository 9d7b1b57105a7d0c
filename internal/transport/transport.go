// Package transport runs provider calls with bounded retries and
// classifies their failures.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	appLog "github.com/bobuk/calsync/internal/log"
)

type Kind int

const (
	// KindTerminal failures propagate immediately.
	KindTerminal Kind = iota
	// KindTransient failures were retried until attempts ran out.
	KindTransient
	KindCursorInvalidated
	KindStaleWrite
	KindNotFound
	// KindAuth covers revoked or missing credentials.
	KindAuth
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCursorInvalidated:
		return "cursor_invalidated"
	case KindStaleWrite:
		return "stale_write"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindCanceled:
		return "canceled"
	default:
		return "terminal"
	}
}

// Error is returned by Execute for every failed operation. It unwraps to
// the provider error so callers can still match sentinels.
type Error struct {
	Op       string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) (%s): %v", e.Op, e.Attempts, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, KindTerminal when err did
// not come from Execute.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return Classify(err)
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by ±Jitter of its value (0..1).
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// RefreshFunc forces a credential refresh after the provider answered 401.
type RefreshFunc func(ctx context.Context) error

type Transport struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand

	wait func(ctx context.Context, d time.Duration) error
}

type Option func(*Transport)

// WithWait replaces the backoff sleep; tests use it to avoid real delays.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Transport) {
		t.wait = wait
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(t *Transport) {
		t.rng = rng
	}
}

func New(policy Policy, opts ...Option) *Transport {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.Jitter < 0 || policy.Jitter > 1 {
		policy.Jitter = def.Jitter
	}
	t := &Transport{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wait:   waitWithContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// the attempts are used up. refresh may be nil.
func Execute[T any](ctx context.Context, t *Transport, op string, refresh RefreshFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	refreshed := false
	for attempt := 1; ; attempt++ {
		// Never start a call on an aborted cycle.
		if err := ctx.Err(); err != nil {
			return zero, &Error{Op: op, Kind: KindCanceled, Attempts: attempt - 1, Err: err}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		kind := Classify(err)
		if kind == kindUnauthorized {
			if refresh == nil || refreshed {
				return zero, &Error{Op: op, Kind: KindAuth, Attempts: attempt, Err: err}
			}
			refreshed = true
			if rerr := refresh(ctx); rerr != nil {
				return zero, &Error{Op: op, Kind: Classify(rerr).public(), Attempts: attempt, Err: rerr}
			}
			appLog.Debug("credentials refreshed after 401, retrying", "op", op)
			// The refresh retry does not consume an attempt.
			attempt--
			continue
		}
		if kind != KindTransient {
			return zero, &Error{Op: op, Kind: kind, Attempts: attempt, Err: err}
		}
		if attempt >= t.policy.MaxAttempts {
			return zero, &Error{Op: op, Kind: KindTransient, Attempts: attempt, Err: err}
		}

		delay := t.delay(attempt, retryAfter(err))
		appLog.Debug("transient failure, backing off", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if werr := t.wait(ctx, delay); werr != nil {
			return zero, &Error{Op: op, Kind: KindCanceled, Attempts: attempt, Err: werr}
		}
	}
}

// Do is Execute for calls without a result.
func Do(ctx context.Context, t *Transport, op string, refresh RefreshFunc, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, t, op, refresh, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (t *Transport) delay(attempt int, hinted time.Duration) time.Duration {
	maxDelay := t.policy.MaxDelay
	if hinted > 0 {
		if hinted > maxDelay {
			return maxDelay
		}
		return hinted
	}
	d := t.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	return t.jitter(d)
}

func (t *Transport) jitter(d time.Duration) time.Duration {
	if t.policy.Jitter == 0 || d <= 0 {
		return d
	}
	t.mu.Lock()
	sample := t.rng.Float64()
	t.mu.Unlock()
	factor := 1 + ((sample*2)-1)*t.policy.Jitter
	out := time.Duration(float64(d) * factor)
	if out < time.Millisecond {
		return time.Millisecond
	}
	return out
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
