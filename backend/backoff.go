package backend

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffSchedule yields the delay before each retry:
// min(base × multiplier^(attempt-1), max), with no jitter so tests are
// deterministic.
type BackoffSchedule struct {
	bo *backoff.ExponentialBackOff
}

// NewBackoffSchedule builds a fresh schedule. One schedule serves one request;
// concurrent in-flight requests each get their own.
func NewBackoffSchedule(base time.Duration, multiplier float64, max time.Duration) *BackoffSchedule {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = multiplier
	bo.MaxInterval = max
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // The retry count bound lives in the executor, not here
	bo.Reset()
	return &BackoffSchedule{bo: bo}
}

// Next returns the delay to sleep before the next attempt.
func (s *BackoffSchedule) Next() time.Duration {
	return s.bo.NextBackOff()
}
