package tasks

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/hero/pkg/schema"
)

// RetryPolicy controls how a failed job is retried.
type RetryPolicy struct {
	// MaxAttempts counts the first run. Zero or one means no retry.
	MaxAttempts int           `json:"max_attempts"`
	Backoff     string        `json:"backoff,omitempty"` // none, constant, linear, exponential
	Delay       time.Duration `json:"delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// nonRetryableCodes are pipeline errors that fail the same way every time.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeUnknownTask:           true,
	schema.ErrCodeUnknownAction:         true,
	schema.ErrCodeMissingParameter:      true,
	schema.ErrCodeValidation:            true,
	schema.ErrCodeMiddleware:            true,
	schema.ErrCodeBlockedConnectionType: true,
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation and typed pipeline errors such as validation failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the runner is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	if he, ok := schema.AsHeroError(err); ok && nonRetryableCodes[he.Code] {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "not found", "invalid"} {
		if strings.Contains(msg, p) {
			return false
		}
	}

	// Default: retryable, the policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Supports none, constant, linear, and exponential backoff with optional MaxDelay cap.
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	base := policy.Delay
	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant" or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// shouldRetry reports whether a job that failed with err on its attempts-th
// run gets another attempt.
func shouldRetry(policy *RetryPolicy, attempts int, err error) bool {
	if policy == nil || policy.MaxAttempts <= 1 {
		return false
	}
	return attempts < policy.MaxAttempts && IsRetryableError(err)
}
