// Package policy holds the pure reconnect and connection-quality rules.
package policy

import (
	"math/rand/v2"
	"time"
)

const (
	baseDelay = 1000 * time.Millisecond
	maxDelay  = 30000 * time.Millisecond
	maxJitter = 1000 * time.Millisecond
)

// BackoffBase returns min(1000ms * 2^previousAttempts, 30000ms).
func BackoffBase(previousAttempts int) time.Duration {
	if previousAttempts < 0 {
		previousAttempts = 0
	}
	// 2^5 * 1s already exceeds the cap.
	if previousAttempts >= 5 {
		return maxDelay
	}
	d := baseDelay << previousAttempts
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// ReconnectDelay returns BackoffBase plus jitter in [0, 1000ms). jitter must
// return a value in [0, 1); nil uses math/rand/v2.
func ReconnectDelay(previousAttempts int, jitter func() float64) time.Duration {
	if jitter == nil {
		jitter = rand.Float64
	}
	j := jitter()
	if j < 0 || j >= 1 {
		j = 0
	}
	return BackoffBase(previousAttempts) + time.Duration(j*float64(maxJitter))
}
