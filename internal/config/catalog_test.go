package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mystery-box-service/internal/core/domain"
)

const goldCatalog = `
boxes:
  - id: gold
    name: Gold Box
    price_coins: 1000
    active: true
    table:
      guaranteed_min_points: 600
      tiers:
        - {name: common,  points: 600,   probability: 0.55}
        - {name: uncommon, points: 800,  probability: 0.25}
        - {name: rare,    points: 1000,  probability: 0.15}
        - {name: epic,    points: 3000,  probability: 0.04}
        - {name: jackpot, points: 10000, probability: 0.01, is_top: true}
accounts:
  - {id: acc-1, coins: 5000}
`

func TestParseCatalog(t *testing.T) {
	file, err := ParseCatalog([]byte(goldCatalog))

	require.NoError(t, err)
	require.Len(t, file.Boxes, 1)
	box := file.Boxes[0]
	assert.Equal(t, int64(1000), box.PriceCoins)
	assert.True(t, box.Purchasable())
	require.Len(t, box.Table.Tiers, 5)
	assert.True(t, box.Table.Tiers[4].IsTop)
	assert.Equal(t, int64(600), box.Table.GuaranteedMinPoints)
	assert.Equal(t, []SeedAccount{{ID: "acc-1", Coins: 5000}}, file.Accounts)
}

func TestParseCatalog_ReportsEveryProblem(t *testing.T) {
	_, err := ParseCatalog([]byte(`
boxes:
  - id: short
    price_coins: 10
    table:
      tiers: [{points: 1, probability: 0.5}]
  - id: free
    price_coins: 0
    table:
      tiers: [{points: 1, probability: 1}]
  - id: free
    price_coins: 5
    table:
      tiers: [{points: 1, probability: 1}]
accounts:
  - {id: "", coins: 1}
`))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedRewardTable)
	assert.ErrorContains(t, err, "box free: price must be positive")
	assert.ErrorContains(t, err, "defined twice")
	assert.ErrorContains(t, err, "seed account")
}

func TestLoadCatalog_ShippedExample(t *testing.T) {
	file, err := LoadCatalog("../../configs/boxes.yaml")

	require.NoError(t, err)
	assert.NotEmpty(t, file.Boxes)
	for _, box := range file.Boxes {
		assert.True(t, box.Purchasable(), box.ID)
	}
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog("does-not-exist.yaml")
	assert.ErrorContains(t, err, "error reading catalog file")
}
