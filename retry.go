package reploid

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient
// provider errors (HTTP 429 and 503) with exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets a structured logger for retry attempts.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient provider errors.
// Retries use exponential backoff with jitter. When attempts are
// exhausted the error surfaces as RetryExhaustedError. Compose with any
// Provider:
//
//	llm = reploid.WithRetry(anthropicProvider)
//	llm = reploid.WithRetry(anthropicProvider, reploid.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return ChatResponse{}, err
		}
		if attempt == r.maxAttempts {
			break
		}
		delay := r.baseDelay << (attempt - 1)
		// Random jitter of up to one base delay keeps concurrent retries from
// synchronizing.
		delay += time.Duration(rand.Int63n(int64(r.baseDelay)))
		r.logger.Warn("provider retry", "provider", r.inner.Name(), "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return ChatResponse{}, &RetryExhaustedError{Attempts: r.maxAttempts, Last: lastErr}
}

// isTransient reports whether a provider error is worth retrying.
func isTransient(err error) bool {
	var le *ErrLLM
	if errors.As(err, &le) {
		return le.Status == 429 || le.Status == 503
	}
	return false
}
