// Package performance grades a node's hardware against the cluster's
// baseline benchmark, producing the points-per-core figure the capacity
// calculator and scheduler both build on.
package performance

import (
	"github.com/decloud/orchestrator/pkg/types"
)

// Evaluate computes a node's PerformanceRecord from its advertised
// benchmark score, capped at baseline·maxMultiplier so a single
// exceptionally fast node can't dominate placement scoring.
func Evaluate(hw types.HardwareInventory, baseline, maxMultiplier float64) types.PerformanceRecord {
	capped := hw.BenchmarkScore
	ceiling := baseline * maxMultiplier
	if capped > ceiling {
		capped = ceiling
	}

	var pointsPerCore float64
	if baseline > 0 {
		pointsPerCore = capped / baseline
	}

	return types.PerformanceRecord{
		PointsPerCore: pointsPerCore,
	}
}

// ClassifyTier returns the highest quality tier a node's raw benchmark
// score qualifies for, given a descending-by-MinimumBenchmark tier table.
// A nil or empty table yields the empty string.
func ClassifyTier(benchmarkScore float64, tiers []types.TierDefinition) types.QualityTier {
	var best types.QualityTier
	bestMin := -1.0
	for _, t := range tiers {
		if benchmarkScore >= t.MinimumBenchmark && t.MinimumBenchmark > bestMin {
			best = t.Tier
			bestMin = t.MinimumBenchmark
		}
	}
	return best
}
