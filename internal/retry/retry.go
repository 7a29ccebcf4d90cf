// ABOUTME: Shared retry/backoff policy used by readiness probing, secret-store polling and restarts
// ABOUTME: Wraps cenkalti/backoff with attempt caps, hard deadlines and permanent-error classification

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind selects the delay progression between attempts.
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindExponential Kind = "exponential"
)

// ErrDeadlineExceeded is returned by Do when the policy deadline elapses
// before the operation succeeds. The last operation error is wrapped too.
var ErrDeadlineExceeded = errors.New("retry deadline exceeded")

// ErrAttemptsExhausted is returned by Do when MaxAttempts operations failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes how an operation is retried. The zero value retries
// forever with a fixed 1s delay, so callers normally start from a default.
type Policy struct {
	Kind Kind

	// Initial is the first delay (and the only delay for KindFixed).
	Initial time.Duration

	// Max caps the delay between two attempts.
	Max time.Duration

	// Multiplier grows the delay for KindExponential. Defaults to 2.
	Multiplier float64

	// Jitter is the randomization factor in [0,1). Zero keeps delays exact.
	Jitter float64

	// MaxAttempts bounds the number of operation calls. Zero means unlimited.
	MaxAttempts int

	// Deadline bounds the total time spent in Do. Zero means none.
	Deadline time.Duration
}

// Default returns the policy used when nothing is configured:
// exponential from 500ms, capped at 30s, five attempts.
func Default() Policy {
	return Policy{
		Kind:        KindExponential,
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Validate reports configuration mistakes.
func (p Policy) Validate() error {
	switch p.Kind {
	case "", KindFixed, KindExponential:
	default:
		return fmt.Errorf("unknown backoff kind %q (want fixed or exponential)", p.Kind)
	}
	if p.Initial < 0 || p.Max < 0 || p.Deadline < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if p.Max > 0 && p.Initial > p.Max {
		return fmt.Errorf("backoff initial %s exceeds max %s", p.Initial, p.Max)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative, got %d", p.MaxAttempts)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0,1), got %v", p.Jitter)
	}
	return nil
}

// NewBackOff builds a fresh delay generator. MaxAttempts and Deadline are
// not applied here; Do enforces them so that callers driving their own
// attempt loop (the orchestrator) can count attempts themselves.
func (p Policy) NewBackOff() backoff.BackOff {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}

	if p.Kind == KindFixed || p.Kind == "" {
		return backoff.NewConstantBackOff(initial)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Notify is called after a failed attempt, before sleeping for next.
type Notify func(attempt int, err error, next time.Duration)

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted, the deadline passes, or ctx is canceled.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	var b backoff.BackOff = p.NewBackOff()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err != nil {
			lastErr = err
			if IsPermanent(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) && p.Deadline > 0 && lastErr != nil:
		return fmt.Errorf("%w after %d attempts: %w", ErrDeadlineExceeded, attempt, lastErr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case p.MaxAttempts > 0 && attempt >= p.MaxAttempts:
		return fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, attempt, err)
	}
	return err
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal for Do. Returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// fatal is implemented by typed errors that classify themselves.
type fatal interface {
	Fatal() bool
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent or classifies itself as fatal.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	var bp *backoff.PermanentError
	if errors.As(err, &bp) {
		return true
	}
	var f fatal
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
