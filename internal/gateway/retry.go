package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures the retry behavior for model API calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for Gemini API calls.
// Backoff doubles per attempt (1s, 2s, 4s) up to MaxInterval.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     8 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: This uses string matching because Genkit and the Gemini SDK do not
// expose typed/sentinel errors for transient failures. Re-evaluate if
// Genkit adds structured error types in a future version.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429", "resource exhausted"}, // rate limiting
	{"500", "502", "503", "504", "unavailable", "internal"},       // transient server errors
	{"connection reset", "timeout", "temporary", "deadline"},      // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, group := range retryablePatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// withRetry executes fn with exponential backoff retry.
// Non-retryable errors fail immediately; retryable errors are retried up to
// cfg.MaxRetries times. Exhaustion wraps the last error in ErrGateway.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := g.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				g.logger.Debug("call succeeded after retry",
					"op", op,
					"attempts", attempt+1,
					"elapsed", time.Since(start),
				)
			}
			return nil
		}

		lastErr = err

		// Non-retryable error - fail immediately
		if !retryableError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		// Last attempt - don't sleep
		if attempt == g.retry.MaxRetries {
			break
		}

		g.logger.Debug("retrying after error",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, g.retry.MaxInterval)
		}
	}

	return fmt.Errorf("%w: %s after %d retries (elapsed: %v): %w",
		ErrGateway, op, g.retry.MaxRetries, time.Since(start), lastErr)
}
