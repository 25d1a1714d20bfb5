package pipeline

import (
	"time"

	"github.com/c360studio/provgraph/store"
)

// Verdict is what happens to a job after a failed attempt.
type Verdict int

const (
	// VerdictRetry re-enqueues the job with backoff.
	VerdictRetry Verdict = iota
	// VerdictFail moves the job to terminal FAILED.
	VerdictFail
	// VerdictCancel moves the job to terminal CANCELLED.
	VerdictCancel
)

// DecideRetry maps a failure to its verdict. It is a pure function of the
// error kind and the attempt count: transient errors retry until the
// attempt budget is spent, validation and data integrity errors never
// retry, cancellation always wins.
func DecideRetry(err error, attemptCount, maxAttempts int) Verdict {
	switch store.KindOf(err) {
	case store.KindCancelled:
		return VerdictCancel
	case store.KindValidation, store.KindDataIntegrity:
		return VerdictFail
	default:
		if attemptCount < maxAttempts {
			return VerdictRetry
		}
		return VerdictFail
	}
}

// RetryBackoff returns the delay before re-enqueueing after the given
// number of attempts: 2^attempts seconds, capped at 64s.
func RetryBackoff(attemptCount int) time.Duration {
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount > 6 {
		attemptCount = 6
	}
	return time.Duration(1<<attemptCount) * time.Second
}
