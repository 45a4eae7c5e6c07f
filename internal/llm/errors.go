package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrTruncatedStream is returned when the connection ends before the
// provider's end-of-stream marker.
var ErrTruncatedStream = fmt.Errorf("stream ended before completion: %w", io.ErrUnexpectedEOF)

// AuthError is returned for 401/403 responses. It is never retried.
type AuthError struct {
	Code int
	Body string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error (status %d): %s", e.Code, e.Body)
}

// StatusError is returned for any other non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Code, e.Body)
}

// APIError is an error object reported inside the stream itself.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "model error: " + e.Message
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

type rateLimitError struct {
	body string
}

func (e *rateLimitError) Error() string { return "rate limited" }

// retryWithBackoff retries fn while it reports a rate limit, waiting
// backoff(attempt) between tries.
func retryWithBackoff(ctx context.Context, maxRetries int, backoff func(int) time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var rl *rateLimitError
		if !errors.As(lastErr, &rl) {
			return lastErr
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
	}

	var rl *rateLimitError
	if errors.As(lastErr, &rl) {
		return &StatusError{Code: 429, Body: rl.body}
	}
	return lastErr
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
