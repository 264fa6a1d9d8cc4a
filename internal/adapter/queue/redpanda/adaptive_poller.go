package redpanda

import (
	"math"
	"sync"
	"time"
)

// adaptivePoller paces PollFetches. Empty polls stretch the interval toward
// maxInterval to cut idle broker load; any fetched record or failure resets
// pacing so bursts drain at the base interval.
type adaptivePoller struct {
	mu            sync.Mutex
	baseInterval  time.Duration
	maxInterval   time.Duration
	backoffFactor float64

	consecutiveEmpty   int
	consecutiveFailure int
}

func newAdaptivePoller(baseInterval time.Duration) *adaptivePoller {
	return &adaptivePoller{
		baseInterval:  baseInterval,
		maxInterval:   10 * time.Second,
		backoffFactor: 1.2,
	}
}

// NextInterval returns how long the fetcher should wait before polling again.
func (ap *adaptivePoller) NextInterval() time.Duration {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	steps := ap.consecutiveEmpty
	if ap.consecutiveFailure > steps {
		steps = ap.consecutiveFailure
	}
	if steps == 0 {
		return ap.baseInterval
	}
	interval := time.Duration(float64(ap.baseInterval) * math.Pow(ap.backoffFactor, float64(steps)))
	if interval > ap.maxInterval {
		return ap.maxInterval
	}
	return interval
}

// RecordRecords resets pacing after a poll that returned records.
func (ap *adaptivePoller) RecordRecords() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.consecutiveEmpty = 0
	ap.consecutiveFailure = 0
}

// RecordEmpty notes an error-free poll with nothing to do.
func (ap *adaptivePoller) RecordEmpty() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.consecutiveEmpty++
	ap.consecutiveFailure = 0
}

// RecordFailure notes a failed poll.
func (ap *adaptivePoller) RecordFailure() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.consecutiveFailure++
}
