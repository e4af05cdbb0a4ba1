package conn

import "time"

// backoff walks a bounded, non-decreasing delay schedule. The attempt counter
// only resets on the reconnect-succeeded transition, so a flapping link keeps
// climbing toward the cap instead of hammering the authority.
type backoff struct {
	delays  []time.Duration
	attempt int
}

func newBackoff(delays []time.Duration) *backoff {
	return &backoff{delays: delays}
}

// Next returns the delay for the upcoming attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	i := b.attempt
	if i >= len(b.delays) {
		i = len(b.delays) - 1
	}
	b.attempt++
	return b.delays[i]
}

// Reset rewinds to the first delay. Called only when a reconnect succeeds.
func (b *backoff) Reset() { b.attempt = 0 }

// Attempt reports how many delays have been handed out since the last reset.
func (b *backoff) Attempt() int { return b.attempt }
