package policy

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Default thresholds. Score counts successes minus blocked outcomes;
// plain failures never move it.
const (
	DefaultBlockThreshold     = -2
	DefaultMaxNoWorkStreak    = 3
	DefaultPreventiveToggleAt = 50
)

// Snapshot is the slice of agent state the policy decides over.
type Snapshot struct {
	IPCheckFailed      bool
	NoWorkStreak       int
	Score              int
	SuccessSinceToggle int
}

// Policy decides when the session's exit IP must rotate.
type Policy struct {
	BlockThreshold     int
	MaxNoWorkStreak    int
	PreventiveToggleAt int
}

// New returns a policy with the default thresholds.
func New() *Policy {
	return &Policy{
		BlockThreshold:     DefaultBlockThreshold,
		MaxNoWorkStreak:    DefaultMaxNoWorkStreak,
		PreventiveToggleAt: DefaultPreventiveToggleAt,
	}
}

// Decide evaluates the snapshot in strict priority order, first match
// wins. Pure: no I/O, no clock, no mutation, so the same snapshot
// always yields the same decision.
func (p *Policy) Decide(s Snapshot) types.ToggleDecision {
	if s.IPCheckFailed {
		return types.ToggleDecision{
			ShouldToggle: true,
			Reason:       types.ToggleReasonIPCheckFailed,
			Priority:     1,
			Message:      "egress verification failed after setup",
		}
	}
	if s.Score <= p.BlockThreshold {
		return types.ToggleDecision{
			ShouldToggle: true,
			Reason:       types.ToggleReasonBlocked,
			Priority:     2,
			Message:      fmt.Sprintf("score %d at block threshold %d", s.Score, p.BlockThreshold),
		}
	}
	if s.NoWorkStreak >= p.MaxNoWorkStreak {
		return types.ToggleDecision{
			ShouldToggle: true,
			Reason:       types.ToggleReasonNoWorkStreak,
			Priority:     3,
			Message:      fmt.Sprintf("no work for %d consecutive cycles", s.NoWorkStreak),
		}
	}
	if s.SuccessSinceToggle >= p.PreventiveToggleAt {
		return types.ToggleDecision{
			ShouldToggle: true,
			Reason:       types.ToggleReasonPreventive,
			Priority:     4,
			Message:      fmt.Sprintf("%d successes since last rotation", s.SuccessSinceToggle),
		}
	}
	return types.ToggleDecision{}
}

// Manual builds the operator-requested decision. It never comes out of
// Decide; the agent arms it explicitly and consults it at the next
// cycle boundary.
func Manual(message string) types.ToggleDecision {
	if message == "" {
		message = "operator requested rotation"
	}
	return types.ToggleDecision{
		ShouldToggle: true,
		Reason:       types.ToggleReasonManual,
		Priority:     5,
		Message:      message,
	}
}
