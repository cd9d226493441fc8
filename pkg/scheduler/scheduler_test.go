package scheduler

import (
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	dispatched []types.NodeCommand
	nodeIDs    []string
}

func (f *fakeDispatcher) Dispatch(nodeID string, cmd types.NodeCommand) error {
	f.nodeIDs = append(f.nodeIDs, nodeID)
	f.dispatched = append(f.dispatched, cmd)
	return nil
}

func testNode(id, region, zone string, cores int, memBytes, storageBytes int64, benchmark float64) *types.Node {
	return &types.Node{
		ID:     id,
		Region: region,
		Zone:   zone,
		Status: types.NodeOnline,
		Hardware: types.HardwareInventory{
			PhysicalCores:  cores,
			MemoryBytes:    memBytes,
			StorageDevices: []types.StorageDevice{{Type: "ssd", SizeBytes: storageBytes}},
			BenchmarkScore: benchmark,
		},
		TotalResources: types.ResourceCounters{
			MemoryBytes:  memBytes,
			StorageBytes: storageBytes,
		},
		Reputation: types.Reputation{TotalVmsHosted: 10, SuccessfulVmCompletions: 9, UptimePercent: 99},
		CreatedAt:  time.Now(),
	}
}

func testVM(id string, cores int, memBytes, diskBytes int64, tier types.QualityTier) *types.VirtualMachine {
	return &types.VirtualMachine{
		ID:     id,
		Status: types.VmPending,
		Spec: types.VmSpec{
			VCores:           cores,
			MemoryBytes:      memBytes,
			DiskBytes:        diskBytes,
			Tier:             tier,
			ComputePointCost: int64(cores),
		},
		CreatedAt: time.Now(),
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.JWTSigningKey = "test"
	cfg.MinFreeMemoryMb = 0
	return cfg
}

func TestScheduleRejectsNoFeasibleNode(t *testing.T) {
	store := storage.NewMemStore()
	node := testNode("node-1", "us-east", "us-east-1a", 1, 1024*1024*1024, 10*1024*1024*1024, 1000)
	require.NoError(t, store.CreateNode(node))

	vm := testVM("vm-1", 8, 64*1024*1024*1024, 500*1024*1024*1024, types.TierBalanced)
	require.NoError(t, store.CreateVm(vm))

	sched := NewScheduler(store, testConfig(), &fakeDispatcher{}, nil)
	require.NoError(t, sched.Schedule())

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmPending, got.Status)
	assert.Equal(t, waitingMessage, got.Message)
}

func TestSchedulePlacesOnFeasibleNode(t *testing.T) {
	store := storage.NewMemStore()
	node := testNode("node-1", "us-east", "us-east-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	require.NoError(t, store.CreateNode(node))

	vm := testVM("vm-1", 2, 4*1024*1024*1024, 20*1024*1024*1024, types.TierBalanced)
	require.NoError(t, store.CreateVm(vm))

	dispatcher := &fakeDispatcher{}
	sched := NewScheduler(store, testConfig(), dispatcher, nil)
	require.NoError(t, sched.Schedule())

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmScheduling, got.Status)
	assert.Equal(t, "node-1", got.NodeID)

	updatedNode, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updatedNode.ReservedResources.ComputePoints)

	require.Len(t, dispatcher.nodeIDs, 1)
	assert.Equal(t, "node-1", dispatcher.nodeIDs[0])
	assert.Equal(t, types.CommandCreateVm, dispatcher.dispatched[0].Type)
}

func TestSchedulePrefersLocalRegion(t *testing.T) {
	store := storage.NewMemStore()
	near := testNode("node-near", "eu-west", "eu-west-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	far := testNode("node-far", "us-east", "us-east-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	require.NoError(t, store.CreateNode(near))
	require.NoError(t, store.CreateNode(far))

	vm := testVM("vm-1", 2, 4*1024*1024*1024, 20*1024*1024*1024, types.TierBalanced)
	vm.Labels = map[string]string{regionHintLabel: "eu-west"}
	require.NoError(t, store.CreateVm(vm))

	sched := NewScheduler(store, testConfig(), &fakeDispatcher{}, nil)
	require.NoError(t, sched.Schedule())

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "node-near", got.NodeID)
}

func TestScheduleRejectsGPURequirementUnmet(t *testing.T) {
	store := storage.NewMemStore()
	node := testNode("node-1", "us-east", "us-east-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	require.NoError(t, store.CreateNode(node))

	vm := testVM("vm-1", 2, 4*1024*1024*1024, 20*1024*1024*1024, types.TierBalanced)
	vm.Spec.RequiresGPU = true
	require.NoError(t, store.CreateVm(vm))

	sched := NewScheduler(store, testConfig(), &fakeDispatcher{}, nil)
	require.NoError(t, sched.Schedule())

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, waitingMessage, got.Message)
}

func TestScheduleTieBreaksByNodeID(t *testing.T) {
	store := storage.NewMemStore()
	nodeB := testNode("node-b", "us-east", "us-east-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	nodeA := testNode("node-a", "us-east", "us-east-1a", 8, 64*1024*1024*1024, 1024*1024*1024*1024, 1000)
	require.NoError(t, store.CreateNode(nodeB))
	require.NoError(t, store.CreateNode(nodeA))

	vm := testVM("vm-1", 2, 4*1024*1024*1024, 20*1024*1024*1024, types.TierBalanced)
	require.NoError(t, store.CreateVm(vm))

	sched := NewScheduler(store, testConfig(), &fakeDispatcher{}, nil)
	require.NoError(t, sched.Schedule())

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.NodeID)
}
