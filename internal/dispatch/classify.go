package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crm_leadflow/platform/apperr"
	"crm_leadflow/platform/sanitize"
)

const (
	maxResponseBodyChars = 500
	maxResponseReadBytes = 64 << 10
)

// classifyStatus maps a destination status code to an error kind. 2xx is
// success; 408, 429 and 5xx are transient; every other code is terminal.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return apperr.Transient(fmt.Sprintf("destination responded with status %d", code))
	default:
		return apperr.Validation(fmt.Sprintf("destination rejected request with status %d", code))
	}
}

// classifyTransportError treats every failure to get a response as transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransient, "destination timed out", err)
	}
	return apperr.Wrap(apperr.KindTransient, "destination unreachable", err)
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
}

// Delay returns BaseDelay * 2^(attemptNo-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	shift := attemptNo - 1
	if shift > 30 {
		return p.MaxDelay
	}
	delay := p.BaseDelay << shift
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		return p.MaxDelay
	}
	return delay
}

// CanRetry reports whether another attempt is allowed after attemptNo.
func (p RetryPolicy) CanRetry(attemptNo int) bool {
	return attemptNo < p.MaxAttempts
}

func truncateBody(body, contentType string) string {
	return sanitize.Truncate(sanitize.ResponseBody(body, contentType), maxResponseBodyChars)
}
