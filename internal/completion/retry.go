package completion

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Retrying retries retryable failures of the wrapped completer a bounded
// number of times with jittered exponential backoff.
type Retrying struct {
	inner    Completer
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

// NewRetrying wraps inner. attempts counts the first try.
func NewRetrying(inner Completer, attempts int, base time.Duration, logger *slog.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, attempts: attempts, base: base, logger: logger}
}

func (r *Retrying) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == r.attempts {
			break
		}
		r.logger.DebugContext(ctx, "retrying completion", "attempt", attempt, "class", ClassifyError(err))
		if err := sleep(ctx, backoff(r.base, attempt)); err != nil {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

// CompleteStructured calls c until decode accepts the output or attempts are
// exhausted. Both transport failures and decode failures count as attempts.
func CompleteStructured(ctx context.Context, c Completer, req Request, attempts int, decode func(text string) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.Complete(ctx, req)
		if err == nil {
			if err = decode(resp.Text); err == nil {
				return nil
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				err = &ParseError{Raw: resp.Text, Err: err}
			}
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
