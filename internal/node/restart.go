package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RestartMode int

const (
	RestartNever RestartMode = iota
	RestartAlways
	RestartOnFailure
)

func (m RestartMode) String() string {
	switch m {
	case RestartAlways:
		return "always"
	case RestartOnFailure:
		return "on-failure"
	default:
		return "no"
	}
}

func (m RestartMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseRestartMode accepts the descriptor spellings. Empty means never.
func ParseRestartMode(s string) (RestartMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no", "never":
		return RestartNever, nil
	case "always", "on-exit":
		return RestartAlways, nil
	case "on-failure", "failure":
		return RestartOnFailure, nil
	}
	return RestartNever, fmt.Errorf("unknown restart mode %q", s)
}

// RestartPolicy decides whether a node comes back after its process ended
// and how long to wait first.
type RestartPolicy struct {
	Mode       RestartMode
	Delay      time.Duration // first restart delay
	MaxDelay   time.Duration // backoff ceiling
	MaxRetries int           // 0 = unbounded
	ResetAfter time.Duration // a run at least this long resets the backoff
}

// MinRestartDelay is the shortest wait before a restart. Smaller delays,
// zero included, are raised to it.
const MinRestartDelay = 100 * time.Millisecond

const (
	defaultRestartDelay    = time.Second
	defaultRestartMaxDelay = 30 * time.Second
	defaultResetAfter      = 10 * time.Second
)

func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Mode:       RestartNever,
		Delay:      defaultRestartDelay,
		MaxDelay:   defaultRestartMaxDelay,
		ResetAfter: defaultResetAfter,
	}
}

// ShouldRestart reports whether an exit with the given outcome is followed by
// a restart. Retry caps are enforced by the caller.
func (p RestartPolicy) ShouldRestart(success bool) bool {
	switch p.Mode {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !success
	}
	return false
}

// Exhausted reports whether attempts restarts already used up the budget.
func (p RestartPolicy) Exhausted(attempts int) bool {
	return p.MaxRetries > 0 && attempts >= p.MaxRetries
}

// NewBackOff returns the delay sequence for consecutive restarts: Delay,
// doubling up to MaxDelay, without jitter and without an elapsed-time limit.
// Both bounds are at least MinRestartDelay.
func (p RestartPolicy) NewBackOff() backoff.BackOff {
	initial := max(p.Delay, MinRestartDelay)
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max(p.MaxDelay, initial)),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}
