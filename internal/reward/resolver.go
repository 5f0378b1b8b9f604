package reward

import (
	"fmt"
	"time"

	"mystery-box-service/internal/core/domain"
)

// Award is the resolver's decision for one opening.
type Award struct {
	Tier          domain.RewardTier
	TierIndex     int
	AwardedPoints int64
	AwardedTop    bool
	Outcome       Outcome
	Draw          float64
	// Fallback is set when no cumulative bucket matched and the last tier was used.
	Fallback bool
}

// Downgraded reports whether a drawn top tier was replaced.
func (a Award) Downgraded() bool {
	return a.Outcome == OutcomeDowngraded
}

// Resolver turns a draw into an award. It has no side effects.
type Resolver struct {
	source RandomSource
	policy CooldownPolicy
}

func NewResolver(source RandomSource, policy CooldownPolicy) *Resolver {
	return &Resolver{source: source, policy: policy}
}

// Resolve draws once and applies cooldown and the guaranteed minimum.
func (r *Resolver) Resolve(table domain.RewardTable, lastTopWinAt *time.Time, now time.Time) (Award, error) {
	if len(table.Tiers) == 0 {
		return Award{}, fmt.Errorf("%w: table has no tiers", domain.ErrMalformedRewardTable)
	}

	draw, err := r.source.Float64()
	if err != nil {
		return Award{}, fmt.Errorf("draw reward: %w", err)
	}

	selected, fallback := Select(table, draw)
	final, outcome := r.policy.Apply(table, selected, lastTopWinAt, now)
	tier := table.Tiers[final]

	return Award{
		Tier:          tier,
		TierIndex:     final,
		AwardedPoints: max(tier.Points, table.GuaranteedMinPoints),
		AwardedTop:    outcome == OutcomeTopAwarded,
		Outcome:       outcome,
		Draw:          draw,
		Fallback:      fallback,
	}, nil
}

// Select walks tiers in declared order and returns the first whose cumulative
// probability reaches draw. When none does, the last tier is returned and
// fallback is true. Tiers without probability mass are never selected by the
// walk. table must have at least one tier.
func Select(table domain.RewardTable, draw float64) (index int, fallback bool) {
	var cumulative float64
	for i, tier := range table.Tiers {
		if tier.Probability <= 0 {
			continue
		}
		cumulative += tier.Probability
		if draw <= cumulative {
			return i, false
		}
	}
	return len(table.Tiers) - 1, true
}
