// Package ratelimit implements the request governor shared by every call a
// run makes to a rate-sensitive channel. It enforces a minimum delay between
// requests and pauses all callers after the remote side signals throttling.
package ratelimit

import (
	"time"
)

// Thresholds for cool-off decisions.
const (
	// ThrottleThreshold is the number of consecutive throttled responses
	// after which the governor starts pausing callers.
	ThrottleThreshold = 1

	// CriticalThreshold is the number of consecutive throttled responses
	// after which the pause is pinned to the configured maximum.
	CriticalThreshold = 5
)

// State is a snapshot of the governor's cool-off state.
type State struct {
	// ConsecutiveThrottled counts throttled responses since the last success.
	ConsecutiveThrottled int `json:"consecutive_throttled"`

	// PausedUntil is when callers may resume, zero when not paused.
	PausedUntil time.Time `json:"paused_until"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`
}

// NeedsCriticalBlock returns true once throttling has persisted long enough
// that callers should wait for the maximum cool-off.
func (s *State) NeedsCriticalBlock() bool {
	return s.ConsecutiveThrottled >= CriticalThreshold
}

// NeedsThrottling returns true when callers should be slowed but not pinned
// to the maximum cool-off.
func (s *State) NeedsThrottling() bool {
	return s.ConsecutiveThrottled >= ThrottleThreshold && !s.NeedsCriticalBlock()
}

// IsHealthy reports whether no throttling is in effect.
func (s *State) IsHealthy() bool {
	return s.ConsecutiveThrottled < ThrottleThreshold
}

// TimeUntilResume returns how long callers must still wait.
// Returns 0 if the pause has already passed.
func (s *State) TimeUntilResume() time.Duration {
	d := time.Until(s.PausedUntil)
	if d < 0 {
		return 0
	}
	return d
}
