package scheduler

import (
	"time"

	"github.com/corelock/jobrunner/internal/models"
)

// ShouldRetry reports whether a job should be retried given its retry
// spec and its post-increment attempt count (the count including the
// failed attempt that just occurred). Retry takes precedence over
// repeat for the current cycle per spec §4.3.
func ShouldRetry(retry *models.RetrySpec, attempts int) bool {
	if retry == nil {
		return false
	}
	return attempts < retry.MaxAttempts
}

// RetryDelay computes the delay before the next attempt. If DelayFunc
// is set it takes precedence over the fixed Delay duration.
func RetryDelay(retry *models.RetrySpec, attempts int) time.Duration {
	if retry == nil {
		return 0
	}
	if retry.DelayFunc != nil {
		return retry.DelayFunc(attempts)
	}
	return retry.Delay
}
