package statesync

import "time"

// resetAfterFailures is how many consecutive loop failures back off before
// the delay drops back to the base interval.
const resetAfterFailures = 3

// backoff computes base × 2^retry, capped at max.
type backoff struct {
	base    time.Duration
	max     time.Duration
	retries int
}

// Next returns the delay for the current failure and advances the counter.
func (b *backoff) Next() time.Duration {
	delay := b.base
	for i := 0; i < b.retries; i++ {
		delay *= 2
		if b.max > 0 && delay >= b.max {
			break
		}
	}
	if b.max > 0 && delay > b.max {
		delay = b.max
	}

	b.retries++
	if b.retries >= resetAfterFailures {
		b.retries = 0
	}
	return delay
}

// Reset clears the failure streak after a successful tick.
func (b *backoff) Reset() {
	b.retries = 0
}
