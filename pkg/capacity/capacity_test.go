package capacity

import (
	"testing"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func hw() types.HardwareInventory {
	return types.HardwareInventory{
		PhysicalCores: 8,
		MemoryBytes:   32 * 1024 * 1024 * 1024,
		StorageDevices: []types.StorageDevice{
			{Type: "nvme", SizeBytes: 1024 * 1024 * 1024 * 1024},
		},
	}
}

func TestComputeAppliesOvercommitRatios(t *testing.T) {
	tier := types.TierDefinition{CPUOvercommitRatio: 2.0, StorageOvercommitRatio: 1.5}
	eff := Compute(hw(), 1.25, tier)

	assert.Equal(t, int64(20), eff.TotalPoints) // floor(1.25 * 8 * 2.0) = 20
	assert.Equal(t, hw().MemoryBytes, eff.TotalMemory)
	assert.Equal(t, int64(float64(hw().TotalStorageBytes())*1.5), eff.TotalStorage)
}

func TestComputeMemoryNeverOvercommitted(t *testing.T) {
	tier := types.TierDefinition{CPUOvercommitRatio: 4.0, StorageOvercommitRatio: 4.0}
	eff := Compute(hw(), 1.0, tier)
	assert.Equal(t, hw().MemoryBytes, eff.TotalMemory)
}

func TestRemainingClampsAtZero(t *testing.T) {
	eff := Effective{TotalPoints: 10, TotalMemory: 100, TotalStorage: 100}
	remaining := eff.Remaining(types.ResourceCounters{ComputePoints: 50, MemoryBytes: 10, StorageBytes: 200})

	assert.Equal(t, int64(0), remaining.ComputePoints)
	assert.Equal(t, int64(90), remaining.MemoryBytes)
	assert.Equal(t, int64(0), remaining.StorageBytes)
}

func TestUtilizationPercentZeroCapacity(t *testing.T) {
	eff := Effective{}
	assert.Equal(t, 100.0, eff.UtilizationPercent(0, 1))
}

func TestUtilizationPercentIncludesExtra(t *testing.T) {
	eff := Effective{TotalPoints: 100}
	assert.InDelta(t, 60.0, eff.UtilizationPercent(40, 20), 0.0001)
}
