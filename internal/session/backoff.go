package session

import "time"

// BackoffPolicy bounds realtime reconnect behavior.
//
// Whether realtime is abandoned for the rest of the session after
// MaxAttempts consecutive failures, or the counter resets on a later
// successful connect, is policy: the controller resets the attempt count
// every time a connection reaches Open, and gives up for good once
// MaxAttempts consecutive attempts fail.
type BackoffPolicy struct {
	// Base is the delay before the second attempt; it doubles per attempt.
	Base time.Duration
	// Cap bounds a single delay. Zero means no cap beyond MaxAttempts.
	Cap time.Duration
	// MaxAttempts is the number of consecutive failed connect attempts
	// after which realtime is abandoned.
	MaxAttempts int
}

// DefaultBackoff mirrors the documented defaults: 1s base, doubling,
// three attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}
}

// Delay returns the pause before connect attempt `attempt` (0-based).
// Attempt 0 is immediate. The function is pure so it can be tested
// without timers.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := p.Base
	if base <= 0 {
		base = time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt (0-based) is past the policy's cap.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempt >= max
}
