package ensemble

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Retry policy for retryable LLM failures: exponential backoff starting at
// retryBaseDelay, doubling per attempt, plus uniform jitter. Applied inside
// the node's per-call timeout budget, never to non-retryable errors.
const (
	retryMaxAttempts = 3
	retryBaseDelay   = 500 * time.Millisecond
	retryFactor      = 2
	retryMaxJitter   = 250 * time.Millisecond
)

// backoffDelay returns the sleep before attempt n (0-based counting of
// completed attempts): base×factor^n plus jitter in [0, retryMaxJitter).
func backoffDelay(n int) time.Duration {
	d := retryBaseDelay
	for i := 0; i < n; i++ {
		d *= retryFactor
	}
	return d + time.Duration(rand.Int63n(int64(retryMaxJitter)))
}

// retryChat invokes fn up to retryMaxAttempts times, backing off between
// attempts. Only errors classified as retryable are retried; the last error
// is returned once attempts or the context budget are exhausted.
func retryChat(ctx context.Context, logger *slog.Logger, name string, fn func() (ChatResponse, error)) (ChatResponse, error) {
	var lastErr error
	for i := 0; i < retryMaxAttempts; i++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, err
		}
		ae := Classify(err)
		if !ae.Retryable {
			return ChatResponse{}, err
		}
		lastErr = err
		if i == retryMaxAttempts-1 {
			break
		}
		delay := backoffDelay(i)
		logger.Warn("retrying llm call",
			"node", name,
			"kind", string(ae.Kind),
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ChatResponse{}, lastErr
		}
	}
	logger.Error("llm call failed after retries", "node", name, "error", lastErr)
	return ChatResponse{}, lastErr
}
