package llm

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
)

// RetryConfig bounds provider-level recovery of rate-limit and transport failures.
type RetryConfig struct {
	MaxAttempts int           // total calls, including the first (default 3)
	BaseDelay   time.Duration // initial backoff delay
	MaxDelay    time.Duration // maximum backoff delay
	CallTimeout time.Duration // per-attempt timeout for Complete; 0 disables
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		CallTimeout: 120 * time.Second,
	}
}

type retryClient struct {
	next Client
	cfg  RetryConfig
	log  *zap.Logger
}

// WithRetry wraps next so retryable failures are retried with exponential
// backoff and jitter. Auth, refusal and request failures return at once.
func WithRetry(next Client, cfg RetryConfig, log *zap.Logger) Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &retryClient{next: next, cfg: cfg, log: logging.OrNop(log)}
}

func (r *retryClient) Name() string { return r.next.Name() }

func (r *retryClient) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		}
		text, err := r.next.Complete(callCtx, messages, opts)
		cancel()
		if err == nil {
			return text, nil
		}
		err = classifyContext(ctx, r.next.Name(), err)
		if !retryable(err) {
			return "", err
		}
		lastErr = err
		r.log.Warn("provider call failed",
			zap.String("provider", r.next.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Error(err))
		if attempt < r.cfg.MaxAttempts-1 {
			if err := r.cfg.Sleep(ctx, backoffWithJitter(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", errors.Wrapf(lastErr, "giving up after %d attempts", r.cfg.MaxAttempts)
}

// Stream retries only while nothing has been emitted; once the consumer has
// seen output a failure ends the stream.
func (r *retryClient) Stream(ctx context.Context, messages []Message, opts Options) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit EmitFunc) error {
		var lastErr error
		for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
			inner := r.next.Stream(ctx, messages, opts)
			emitted := false
			for inner.Next() {
				emitted = true
				if !emit(inner.Current()) {
					inner.Close()
					return ctx.Err()
				}
			}
			err := inner.Err()
			inner.Close()
			if err == nil {
				return nil
			}
			if emitted || !retryable(err) || ctx.Err() != nil {
				return err
			}
			lastErr = err
			r.log.Warn("provider stream failed before first chunk",
				zap.String("provider", r.next.Name()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if attempt < r.cfg.MaxAttempts-1 {
				if err := r.cfg.Sleep(ctx, backoffWithJitter(r.cfg.BaseDelay, r.cfg.MaxDelay, attempt)); err != nil {
					return err
				}
			}
		}
		return errors.Wrapf(lastErr, "giving up after %d attempts", r.cfg.MaxAttempts)
	})
}

func retryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	quarter := delay / 4
	if quarter > 0 {
		delay += time.Duration(rand.Int64N(int64(quarter*2))) - quarter
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
