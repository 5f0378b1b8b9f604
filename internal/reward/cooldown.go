package reward

import (
	"time"

	"mystery-box-service/internal/core/domain"
)

// DefaultTopCooldown applies when the deployment does not configure one.
const DefaultTopCooldown = 7 * 24 * time.Hour

// Outcome is the final state of one award decision.
type Outcome string

const (
	OutcomeTopAwarded    Outcome = "top_awarded"
	OutcomeDowngraded    Outcome = "downgraded"
	OutcomeNonTopAwarded Outcome = "non_top_awarded"
)

// CooldownPolicy suppresses repeat top-tier wins for one account inside a window.
type CooldownPolicy struct {
	Duration time.Duration
}

// NewCooldownPolicy falls back to DefaultTopCooldown for a non-positive duration.
func NewCooldownPolicy(d time.Duration) CooldownPolicy {
	if d <= 0 {
		d = DefaultTopCooldown
	}
	return CooldownPolicy{Duration: d}
}

// Active reports whether a top win at lastTopWinAt still blocks another at now.
func (p CooldownPolicy) Active(lastTopWinAt *time.Time, now time.Time) bool {
	if lastTopWinAt == nil {
		return false
	}
	return now.Sub(*lastTopWinAt) < p.Duration
}

// Apply maps a selected tier index to the tier index that is paid.
// With no non-top tier to fall back to, the top tier is paid (fail open).
func (p CooldownPolicy) Apply(table domain.RewardTable, selected int, lastTopWinAt *time.Time, now time.Time) (int, Outcome) {
	if !table.Tiers[selected].IsTop {
		return selected, OutcomeNonTopAwarded
	}
	if !p.Active(lastTopWinAt, now) {
		return selected, OutcomeTopAwarded
	}
	if idx := table.DowngradeIndex(); idx >= 0 {
		return idx, OutcomeDowngraded
	}
	return selected, OutcomeTopAwarded
}
