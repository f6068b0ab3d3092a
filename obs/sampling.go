package obs

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// SamplingPolicy implements the deterministic sampling rule of spec.md
// §4.8: errors and slow runs are always sampled, debug mode samples
// everything, and otherwise a run is sampled by hashing its RunID against
// the configured success rate so the decision is stable across retries
// and log lines for the same run.
type SamplingPolicy struct {
	// SuccessSampleRate is the fraction (0..1) of non-error, non-slow,
	// non-debug runs that get sampled.
	SuccessSampleRate float64
	// SlowThreshold marks a run as always-sampled once its duration
	// exceeds this value. Defaults to 5s per spec.
	SlowThreshold time.Duration
	// DebugMode, when true, samples every run unconditionally.
	DebugMode bool
}

// DefaultSamplingPolicy matches spec.md's stated default slow threshold.
func DefaultSamplingPolicy() SamplingPolicy {
	return SamplingPolicy{SuccessSampleRate: 1.0, SlowThreshold: 5 * time.Second}
}

// ShouldSample decides whether a run with the given outcome should be
// sampled for tracing/logging.
func (p SamplingPolicy) ShouldSample(runID string, isError bool, duration time.Duration) bool {
	if isError {
		return true
	}
	threshold := p.SlowThreshold
	if threshold == 0 {
		threshold = 5 * time.Second
	}
	if duration > threshold {
		return true
	}
	if p.DebugMode {
		return true
	}
	return hashFraction(runID) < p.SuccessSampleRate
}

// hashFraction maps runID deterministically onto [0, 1) via SHA-256,
// giving every run a stable, uniformly distributed sampling coin-flip.
func hashFraction(runID string) float64 {
	sum := sha256.Sum256([]byte(runID))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v>>11) / (1 << 53)
}
