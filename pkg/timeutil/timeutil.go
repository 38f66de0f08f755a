package timeutil

import (
	"math"
	"math/rand"
	"time"
)

// DurationPtr is a helper function to create a pointer to a time.Duration
func DurationPtr(d time.Duration) *time.Duration {
	return &d
}

// MaxDuration returns the largest duration in durations, or zero if the
// slice is empty. Does not mutate its input.
func MaxDuration(durations []time.Duration) time.Duration {
	var max time.Duration
	for i, d := range durations {
		if i == 0 || d > max {
			max = d
		}
	}
	return max
}

// ComputeJitter returns a uniformly distributed duration in [0, max). Returns
// 0 if max is zero or negative.
func ComputeJitter(max time.Duration, rng rand.Rand) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(max)))
}

// ExponentialBackoffDelay computes delay = initial * multiplier^(attempt-1),
// capped at maxDuration, plus a uniform random jitter in [0, jitter).
func ExponentialBackoffDelay(attempt int, jitter time.Duration, rng rand.Rand, backoffParam BackoffParam) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exponent := float64(attempt - 1)
	delay := float64(backoffParam.InitialDuration()) * math.Pow(backoffParam.Multiplier(), exponent)
	if maxDur := float64(backoffParam.MaxDuration()); maxDur > 0 && delay > maxDur {
		delay = maxDur
	}

	delay += float64(ComputeJitter(jitter, rng))

	return time.Duration(delay)
}

// Sleeper abstracts time.Sleep so callers can be tested without real waits.
type Sleeper interface {
	Sleep(d time.Duration)
}

// RealSleeper sleeps for real using time.Sleep.
type RealSleeper struct{}

// NewRealSleeper creates a Sleeper backed by time.Sleep.
func NewRealSleeper() RealSleeper {
	return RealSleeper{}
}

func (RealSleeper) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
