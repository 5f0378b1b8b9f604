package reward

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mystery-box-service/internal/core/domain"
)

func standardTable() domain.RewardTable {
	return domain.RewardTable{
		Tiers: []domain.RewardTier{
			{Points: 600, Probability: 0.55},
			{Points: 800, Probability: 0.25},
			{Points: 1000, Probability: 0.15},
			{Points: 3000, Probability: 0.04},
			{Points: 10000, Probability: 0.01, IsTop: true},
		},
		GuaranteedMinPoints: 600,
	}
}

func TestSelect_Boundaries(t *testing.T) {
	table := standardTable()

	cases := []struct {
		name string
		draw float64
		want int
	}{
		{"zero", 0, 0},
		{"first bucket", 0.10, 0},
		{"first bucket upper edge", 0.55, 0},
		{"second bucket", 0.56, 1},
		{"third bucket", 0.90, 2},
		{"fourth bucket", 0.97, 3},
		{"top bucket", 0.999, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, fallback := Select(table, tc.draw)
			assert.Equal(t, tc.want, got)
			assert.False(t, fallback)
		})
	}
}

func TestSelect_FallsBackToLastTierOnShortTable(t *testing.T) {
	table := domain.RewardTable{Tiers: []domain.RewardTier{
		{Points: 10, Probability: 0.3},
		{Points: 20, Probability: 0.3},
	}}

	got, fallback := Select(table, 0.9)

	assert.Equal(t, 1, got)
	assert.True(t, fallback)
}

func TestSelect_SkipsZeroMassTiers(t *testing.T) {
	table := domain.RewardTable{Tiers: []domain.RewardTier{
		{Points: 99, Probability: 0},
		{Points: 10, Probability: 1},
	}}

	got, _ := Select(table, 0)

	assert.Equal(t, 1, got)
}

func TestResolve_TopDrawWithoutCooldown(t *testing.T) {
	r := NewResolver(NewFixedSource(0.999), NewCooldownPolicy(DefaultTopCooldown))

	award, err := r.Resolve(standardTable(), nil, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 4, award.TierIndex)
	assert.Equal(t, int64(10000), award.AwardedPoints)
	assert.True(t, award.AwardedTop)
	assert.Equal(t, OutcomeTopAwarded, award.Outcome)
}

func TestResolve_TopDrawDuringCooldownIsDowngraded(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lastWin := now.Add(-24 * time.Hour)
	r := NewResolver(NewFixedSource(0.999), NewCooldownPolicy(7*24*time.Hour))

	award, err := r.Resolve(standardTable(), &lastWin, now)

	require.NoError(t, err)
	assert.Equal(t, 3, award.TierIndex)
	assert.Equal(t, int64(3000), award.AwardedPoints)
	assert.False(t, award.AwardedTop)
	assert.True(t, award.Downgraded())
}

func TestResolve_CooldownExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lastWin := now.Add(-7 * 24 * time.Hour)
	r := NewResolver(NewFixedSource(0.999), NewCooldownPolicy(7*24*time.Hour))

	award, err := r.Resolve(standardTable(), &lastWin, now)

	require.NoError(t, err)
	assert.True(t, award.AwardedTop)
}

func TestResolve_GuaranteedMinimumIsAFloor(t *testing.T) {
	table := domain.RewardTable{
		Tiers: []domain.RewardTier{
			{Points: 100, Probability: 0.5},
			{Points: 5000, Probability: 0.5},
		},
		GuaranteedMinPoints: 600,
	}
	r := NewResolver(NewFixedSource(0.2, 0.8), NewCooldownPolicy(0))

	low, err := r.Resolve(table, nil, time.Now())
	require.NoError(t, err)
	high, err := r.Resolve(table, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(600), low.AwardedPoints)
	assert.Equal(t, int64(5000), high.AwardedPoints)
}

func TestResolve_FirstTierScenario(t *testing.T) {
	r := NewResolver(NewFixedSource(0.10), NewCooldownPolicy(0))

	award, err := r.Resolve(standardTable(), nil, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 0, award.TierIndex)
	assert.Equal(t, int64(600), award.AwardedPoints)
}

func TestResolve_AllTopTableFailsOpen(t *testing.T) {
	now := time.Now()
	lastWin := now.Add(-time.Minute)
	table := domain.RewardTable{Tiers: []domain.RewardTier{
		{Points: 10000, Probability: 1, IsTop: true},
	}}
	r := NewResolver(NewFixedSource(0.5), NewCooldownPolicy(time.Hour))

	award, err := r.Resolve(table, &lastWin, now)

	require.NoError(t, err)
	assert.True(t, award.AwardedTop)
	assert.Equal(t, int64(10000), award.AwardedPoints)
}

func TestResolve_EmptyTable(t *testing.T) {
	r := NewResolver(NewFixedSource(0.5), NewCooldownPolicy(0))

	_, err := r.Resolve(domain.RewardTable{}, nil, time.Now())

	assert.ErrorIs(t, err, domain.ErrMalformedRewardTable)
}

func TestResolve_FloorHoldsForEveryDraw(t *testing.T) {
	table := standardTable()
	table.Tiers[0].Points = 0
	lastWin := time.Now()

	for i := 0; i < 1000; i++ {
		draw := float64(i) / 1000
		r := NewResolver(NewFixedSource(draw), NewCooldownPolicy(time.Hour))

		award, err := r.Resolve(table, &lastWin, time.Now())

		require.NoError(t, err)
		assert.GreaterOrEqual(t, award.AwardedPoints, table.GuaranteedMinPoints)
		assert.False(t, award.AwardedTop, "top tier paid during cooldown at draw %v", draw)
	}
}

func TestResolve_DistributionMatchesTable(t *testing.T) {
	const n = 200000
	table := standardTable()
	r := NewResolver(NewCryptoSource(), NewCooldownPolicy(0))

	counts := make([]int, len(table.Tiers))
	for i := 0; i < n; i++ {
		award, err := r.Resolve(table, nil, time.Now())
		require.NoError(t, err)
		counts[award.TierIndex]++
	}

	for i, tier := range table.Tiers {
		got := float64(counts[i]) / n
		// five standard deviations of a binomial proportion
		tolerance := 5 * math.Sqrt(tier.Probability*(1-tier.Probability)/n)
		assert.InDelta(t, tier.Probability, got, tolerance, "tier %d", i)
	}
}

func TestCryptoSource_Range(t *testing.T) {
	src := NewCryptoSource()
	for i := 0; i < 10000; i++ {
		v, err := src.Float64()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}
