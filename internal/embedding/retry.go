package embedding

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hybridrag/internal/domain"
)

// RetryConfig configures WithRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type retrying struct {
	inner  Embedder
	cfg    RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry retries retryable provider errors with capped exponential backoff.
// Authentication and input errors are returned immediately.
func WithRetry(e Embedder, cfg RetryConfig, logger zerolog.Logger) Embedder {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &retrying{inner: e, cfg: cfg, logger: logger, sleep: sleepCtx}
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Embed(ctx context.Context, text string) ([]float64, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		v, err := r.inner.Embed(ctx, text)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) || attempt == r.cfg.MaxAttempts-1 {
			break
		}
		d := retryDelay(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay)
		r.logger.Debug().Err(err).Str("embedder", r.inner.Name()).Int("attempt", attempt+1).Dur("backoff", d).Msg("embedding failed, retrying")
		if err := r.sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << attempt
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
