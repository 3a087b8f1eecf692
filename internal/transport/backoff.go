package transport

import "time"

// DefaultReconnectDelay is the fixed delay used when no strategy is given.
const DefaultReconnectDelay = 5 * time.Second

// Backoff decides how long to wait before reconnect attempt n (n starts at 1).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every attempt.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Next(int) time.Duration {
	if b.Delay <= 0 {
		return DefaultReconnectDelay
	}
	return b.Delay
}

// ExponentialBackoff doubles from Initial up to Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
