package domain

import (
	"fmt"
	"math"
)

// probabilityTolerance is how far a published table may drift from a total of 1.0.
const probabilityTolerance = 1e-6

// RewardTier is one row of a box's probability table.
type RewardTier struct {
	Name        string  `json:"name,omitempty" yaml:"name"`
	Points      int64   `json:"points" yaml:"points"`
	Probability float64 `json:"probability" yaml:"probability"`
	IsTop       bool    `json:"is_top" yaml:"is_top"`
}

// RewardTable is the ordered tier list of a box. Order is significant: it is
// the walk order of the cumulative draw.
type RewardTable struct {
	Tiers               []RewardTier `json:"tiers" yaml:"tiers"`
	GuaranteedMinPoints int64        `json:"guaranteed_min_points" yaml:"guaranteed_min_points"`
}

// Validate is the publication-time check. The resolver never calls it.
func (t RewardTable) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("%w: table has no tiers", ErrMalformedRewardTable)
	}
	if t.GuaranteedMinPoints < 0 {
		return fmt.Errorf("%w: guaranteed minimum is negative", ErrMalformedRewardTable)
	}

	var sum float64
	for i, tier := range t.Tiers {
		if tier.Points < 0 {
			return fmt.Errorf("%w: tier %d has negative points", ErrMalformedRewardTable, i)
		}
		if math.IsNaN(tier.Probability) || tier.Probability < 0 || tier.Probability > 1 {
			return fmt.Errorf("%w: tier %d probability %v outside [0,1]", ErrMalformedRewardTable, i, tier.Probability)
		}
		sum += tier.Probability
	}
	if math.Abs(sum-1) > probabilityTolerance {
		return fmt.Errorf("%w: probabilities sum to %v", ErrMalformedRewardTable, sum)
	}
	return nil
}

// DowngradeIndex returns the index of the highest-points non-top tier, or -1
// when every tier is top. Ties go to the earliest tier.
func (t RewardTable) DowngradeIndex() int {
	best := -1
	for i, tier := range t.Tiers {
		if tier.IsTop {
			continue
		}
		if best == -1 || tier.Points > t.Tiers[best].Points {
			best = i
		}
	}
	return best
}

// Box is a purchasable mystery box definition as published by the catalog.
type Box struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	PriceCoins int64       `json:"price_coins" yaml:"price_coins"`
	Active     bool        `json:"active" yaml:"active"`
	Table      RewardTable `json:"table" yaml:"table"`
}

// Purchasable reports whether the box may be sold right now.
func (b Box) Purchasable() bool {
	return b.Active && b.PriceCoins > 0
}

// Validate checks everything a box needs before it can be published.
func (b Box) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("box id is required")
	}
	if b.PriceCoins <= 0 {
		return fmt.Errorf("box %s: price must be positive", b.ID)
	}
	if err := b.Table.Validate(); err != nil {
		return fmt.Errorf("box %s: %w", b.ID, err)
	}
	return nil
}
