package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mystery-box-service/internal/core/domain"
)

func TestParsePartitionOffset(t *testing.T) {
	testCases := []struct {
		name      string
		arg       string
		partition int32
		offset    int64
		wantErr   bool
	}{
		{name: "valid", arg: "2:123", partition: 2, offset: 123},
		{name: "zero", arg: "0:0"},
		{name: "missing colon", arg: "123", wantErr: true},
		{name: "bad partition", arg: "x:1", wantErr: true},
		{name: "bad offset", arg: "1:y", wantErr: true},
		{name: "negative offset", arg: "1:-5", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			partition, offset, err := parsePartitionOffset(tc.arg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.partition, partition)
			assert.Equal(t, tc.offset, offset)
		})
	}
}

func TestExpectedPoints(t *testing.T) {
	gold := domain.RewardTable{
		Tiers: []domain.RewardTier{
			{Points: 600, Probability: 0.55},
			{Points: 800, Probability: 0.25},
			{Points: 1000, Probability: 0.15},
			{Points: 3000, Probability: 0.04},
			{Points: 10000, Probability: 0.01, IsTop: true},
		},
		GuaranteedMinPoints: 600,
	}

	// 330 + 200 + 150 + 120 + 100
	assert.InDelta(t, 900.0, expectedPoints(gold), 1e-9)
	assert.InDelta(t, 0.01, topChance(gold), 1e-12)

	floored := domain.RewardTable{
		Tiers:               []domain.RewardTier{{Points: 0, Probability: 0.5}, {Points: 100, Probability: 0.5}},
		GuaranteedMinPoints: 50,
	}
	assert.InDelta(t, 75.0, expectedPoints(floored), 1e-9)
	assert.Zero(t, expectedPoints(domain.RewardTable{}))
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "boxes.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
boxes:
  - id: gold
    name: Gold Box
    price_coins: 1000
    active: true
    table:
      guaranteed_min_points: 600
      tiers:
        - {points: 600, probability: 0.99}
        - {points: 10000, probability: 0.01, is_top: true}
`), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
boxes:
  - id: gold
    price_coins: 1000
    table:
      tiers: [{points: 600, probability: 0.5}]
`), 0o600))

	t.Run("valid catalog", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newValidateCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{good})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "gold")
		assert.Contains(t, out.String(), "1 boxes, 0 seed accounts")
	})

	t.Run("malformed table", func(t *testing.T) {
		cmd := newValidateCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{bad})

		err := cmd.Execute()
		assert.ErrorIs(t, err, domain.ErrMalformedRewardTable)
	})
}
