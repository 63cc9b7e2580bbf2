/**
 * @description
 * This file implements the business rate limit for stamp grants: one stamp per
 * card per sliding window, anchored at the previous grant rather than a
 * calendar-day boundary.
 *
 * The check here is advisory only; the store re-validates it inside the grant
 * critical section so a race between "check eligible" and "write the stamp"
 * cannot double-grant within one window.
 */

package app

import "time"

// DefaultStampWindow is the sliding window between grants for one card.
const DefaultStampWindow = 24 * time.Hour

// StampRateLimiter decides whether a card is eligible for a new stamp given
// the timestamp of its most recent grant. Pure; holds no state.
type StampRateLimiter struct {
	window time.Duration
}

// NewStampRateLimiter creates a limiter with the given window. A non-positive
// window falls back to the default.
func NewStampRateLimiter(window time.Duration) StampRateLimiter {
	if window <= 0 {
		window = DefaultStampWindow
	}
	return StampRateLimiter{window: window}
}

// Window returns the configured sliding window.
func (l StampRateLimiter) Window() time.Duration {
	return l.window
}

// Eligible reports whether a new stamp may be granted at `now`. A card that
// has never been stamped is always eligible.
func (l StampRateLimiter) Eligible(lastStampedAt *time.Time, now time.Time) bool {
	if lastStampedAt == nil {
		return true
	}
	return now.Sub(*lastStampedAt) >= l.window
}

// RetryAfter returns how long the caller must wait before the next grant can
// succeed. Zero when already eligible.
func (l StampRateLimiter) RetryAfter(lastStampedAt *time.Time, now time.Time) time.Duration {
	if lastStampedAt == nil {
		return 0
	}
	remaining := l.window - now.Sub(*lastStampedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
