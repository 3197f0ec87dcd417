package backoff

import (
	"time"
)

type durationCounter struct {
	count                     int
	baseInterval, maxInterval time.Duration
	calcNext                  func(count int, baseDuration time.Duration) time.Duration
}

// next increments the count and returns the base interval multiplied by the count.
// If the result is greater than the maxDuration, maxDuration is returned.
func (dc *durationCounter) next() time.Duration {
	dc.count++
	interval := dc.calcNext(dc.count, dc.baseInterval)
	if interval > dc.maxInterval {
		return dc.maxInterval
	}
	return interval
}

func newMultiplicativeCounter(baseDuration, maxDuration time.Duration) *durationCounter {
	return &durationCounter{
		baseInterval: baseDuration,
		maxInterval:  maxDuration,
		calcNext: func(count int, baseInterval time.Duration) time.Duration {
			return baseInterval * time.Duration(count)
		},
	}
}
