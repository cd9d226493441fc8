// Package capacity implements the Capacity Calculator: turning a node's
// hardware inventory and performance grading into the effective,
// overcommit-adjusted resource totals the scheduler's feasibility
// filter reasons about.
package capacity

import (
	"math"

	"github.com/decloud/orchestrator/pkg/types"
)

// Effective is a node's overcommit-adjusted capacity for one quality
// tier. Memory is never overcommitted regardless of tier.
type Effective struct {
	TotalPoints  int64
	TotalMemory  int64
	TotalStorage int64
}

// Compute derives effective capacity from a node's hardware inventory,
// its points-per-core grading, and the CPU/storage overcommit ratios of
// the tier a placement is being evaluated for.
func Compute(hw types.HardwareInventory, pointsPerCore float64, tier types.TierDefinition) Effective {
	totalPoints := int64(math.Floor(pointsPerCore * float64(hw.PhysicalCores) * tier.CPUOvercommitRatio))
	totalStorage := int64(math.Floor(float64(hw.TotalStorageBytes()) * tier.StorageOvercommitRatio))

	return Effective{
		TotalPoints:  totalPoints,
		TotalMemory:  hw.MemoryBytes,
		TotalStorage: totalStorage,
	}
}

// Remaining subtracts already-reserved resources from the effective
// totals, clamping at zero so a node that's been over-reserved (e.g. by
// a shrinking overcommit ratio after a config change) never reports
// negative availability.
func (e Effective) Remaining(reserved types.ResourceCounters) types.ResourceCounters {
	return types.ResourceCounters{
		ComputePoints: clampNonNegative(e.TotalPoints - reserved.ComputePoints),
		MemoryBytes:   clampNonNegative(e.TotalMemory - reserved.MemoryBytes),
		StorageBytes:  clampNonNegative(e.TotalStorage - reserved.StorageBytes),
	}
}

// UtilizationPercent returns the percentage of points already reserved,
// including a hypothetical additional reservation of extraPoints. Zero
// total capacity reports 100% utilized rather than dividing by zero.
func (e Effective) UtilizationPercent(reservedPoints, extraPoints int64) float64 {
	if e.TotalPoints <= 0 {
		return 100
	}
	return float64(reservedPoints+extraPoints) / float64(e.TotalPoints) * 100
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
