package domain

import "time"

// BreakerState is the circuit breaker state machine described in §4.6.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker tracks consecutive failures for a key (per-node or
// per-pipeline, depending on configuration).
type CircuitBreaker struct {
	Key                string       `json:"key"`
	State              BreakerState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	OpenedAt           *time.Time   `json:"opened_at,omitempty"`
	NextProbeAt        *time.Time   `json:"next_probe_at,omitempty"`
	FailureThreshold   int          `json:"failure_threshold"`
	CooldownSeconds    int          `json:"cooldown_seconds"`
	HalfOpenProbeInUse bool         `json:"half_open_probe_in_use"`
	Version            int          `json:"version"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Admits reports whether a new attempt may be admitted under the breaker's
// key at time now, and the state the breaker should transition to when
// admitting a half-open probe.
func (b CircuitBreaker) Admits(now time.Time) (admit bool, next BreakerState) {
	switch b.State {
	case BreakerClosed:
		return true, BreakerClosed
	case BreakerOpen:
		if b.NextProbeAt != nil && !now.Before(*b.NextProbeAt) {
			return true, BreakerHalfOpen
		}
		return false, BreakerOpen
	case BreakerHalfOpen:
		if b.HalfOpenProbeInUse {
			return false, BreakerHalfOpen
		}
		return true, BreakerHalfOpen
	default:
		return true, BreakerClosed
	}
}

// OnSuccess returns the breaker state after a successful execution.
func (b CircuitBreaker) OnSuccess() CircuitBreaker {
	b.State = BreakerClosed
	b.ConsecutiveFailures = 0
	b.OpenedAt = nil
	b.NextProbeAt = nil
	b.HalfOpenProbeInUse = false
	return b
}

// OnFailure returns the breaker state after a failed execution at time now.
func (b CircuitBreaker) OnFailure(now time.Time) CircuitBreaker {
	b.HalfOpenProbeInUse = false
	b.ConsecutiveFailures++
	threshold := b.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if b.State == BreakerHalfOpen || b.ConsecutiveFailures >= threshold {
		b.State = BreakerOpen
		opened := now
		b.OpenedAt = &opened
		probe := now.Add(time.Duration(b.CooldownSeconds) * time.Second)
		b.NextProbeAt = &probe
	}
	return b
}
