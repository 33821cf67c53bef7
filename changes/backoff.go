package changes

import (
	"math/rand"
	"time"
)

// BackoffStrategy decides how long to wait before reconnecting.
type BackoffStrategy interface {
	// NextDelay returns the delay before reconnection attempt number
	// attempt, counted from 0.
	NextDelay(attempt int) time.Duration

	// Reset is called after a successful connection.
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay. Jitter, between 0 and 1, subtracts a random fraction of the
// computed delay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoff returns the tracker's default reconnect policy.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
		if eb.MaxDelay > 0 && float64(eb.InitialDelay)*multiplier >= float64(eb.MaxDelay) {
			break
		}
	}

	result := time.Duration(float64(eb.InitialDelay) * multiplier)
	if eb.MaxDelay > 0 && result > eb.MaxDelay {
		result = eb.MaxDelay
	}

	if eb.Jitter > 0 && result > 0 {
		j := eb.Jitter
		if j > 1 {
			j = 1
		}
		result -= time.Duration(rand.Float64() * j * float64(result))
	}
	return result
}

// Reset is a no-op; the delay depends only on the attempt number.
func (eb *ExponentialBackoff) Reset() {}
