package batch

import (
	"sync"
	"time"
)

// backpressure tuning
const (
	oomScaleFactor     = 0.75
	minScale           = 0.25
	recoveryScale      = 1.1
	maxRecoveredScale  = 0.95
	releaseScale       = 0.9
	cleanBatchesToGrow = 5
	statsHistorySize   = 20
)

// BatchStats is reported by the dispatch layer after a batch ran.
type BatchStats struct {
	BatchSize      int
	TokensIn       int
	TokensOut      int
	ProcessingTime time.Duration
	OOMEvents      int
}

func (s BatchStats) TokensPerSecond() float64 {
	if s.ProcessingTime <= 0 {
		return 0
	}
	return float64(s.TokensIn+s.TokensOut) / s.ProcessingTime.Seconds()
}

// Backpressure shrinks batches after out-of-memory events and grows them back after
// a run of clean batches.
type Backpressure struct {
	mu      sync.Mutex
	scale   float64
	active  bool
	clean   int
	history []BatchStats
}

func NewBackpressure() *Backpressure {
	return &Backpressure{scale: 1.0}
}

// Record updates the scale from one batch outcome.
func (b *Backpressure) Record(s BatchStats) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, s)
	if len(b.history) > statsHistorySize {
		b.history = b.history[len(b.history)-statsHistorySize:]
	}

	if s.OOMEvents > 0 {
		b.scale = max(minScale, b.scale*oomScaleFactor)
		b.active = true
		b.clean = 0
		return
	}
	b.clean++
	if b.active && b.clean >= cleanBatchesToGrow {
		b.scale = min(maxRecoveredScale, b.scale*recoveryScale)
		b.clean = 0
		if b.scale > releaseScale {
			b.active = false
		}
	}
}

func (b *Backpressure) Scale() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scale
}

func (b *Backpressure) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// History returns the retained stats, oldest first.
func (b *Backpressure) History() []BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BatchStats(nil), b.history...)
}

// Limit scales a max batch size while backpressure is active; never below one.
func (b *Backpressure) Limit(maxBatchSize int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || maxBatchSize <= 0 {
		return maxBatchSize
	}
	return max(1, int(float64(maxBatchSize)*b.scale))
}
