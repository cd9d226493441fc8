package performance

import (
	"testing"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateCapsAtMaxMultiplier(t *testing.T) {
	hw := types.HardwareInventory{BenchmarkScore: 10000}
	rec := Evaluate(hw, 1000, 3)
	assert.Equal(t, 3.0, rec.PointsPerCore)
}

func TestEvaluateBelowCeiling(t *testing.T) {
	hw := types.HardwareInventory{BenchmarkScore: 1500}
	rec := Evaluate(hw, 1000, 3)
	assert.Equal(t, 1.5, rec.PointsPerCore)
}

func TestEvaluateZeroBaselineYieldsZero(t *testing.T) {
	hw := types.HardwareInventory{BenchmarkScore: 500}
	rec := Evaluate(hw, 0, 3)
	assert.Equal(t, 0.0, rec.PointsPerCore)
}

func TestClassifyTierPicksHighestQualifying(t *testing.T) {
	tiers := []types.TierDefinition{
		{Tier: types.TierGuaranteed, MinimumBenchmark: 900},
		{Tier: types.TierStandard, MinimumBenchmark: 600},
		{Tier: types.TierBalanced, MinimumBenchmark: 300},
		{Tier: types.TierBurstable, MinimumBenchmark: 0},
	}

	assert.Equal(t, types.TierGuaranteed, ClassifyTier(950, tiers))
	assert.Equal(t, types.TierStandard, ClassifyTier(650, tiers))
	assert.Equal(t, types.TierBalanced, ClassifyTier(400, tiers))
	assert.Equal(t, types.TierBurstable, ClassifyTier(10, tiers))
}

func TestClassifyTierEmptyTableYieldsEmpty(t *testing.T) {
	assert.Equal(t, types.QualityTier(""), ClassifyTier(500, nil))
}
