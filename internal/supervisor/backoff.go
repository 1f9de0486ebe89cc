package supervisor

import "time"

// RetryDelay computes the exponential backoff delay for a retry attempt.
// retryCount is 1-based: attempt 1 waits baseDelay, attempt 2 twice that,
// capped at maxDelay. The function is pure so the schedule can be asserted
// without wall-clock coupling.
func RetryDelay(baseDelay, maxDelay time.Duration, retryCount int) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if retryCount < 1 {
		retryCount = 1
	}

	delay := baseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
