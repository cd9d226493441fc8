package lifecycle

import (
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVM(id string, status types.VmStatus) *types.VirtualMachine {
	return &types.VirtualMachine{
		ID:        id,
		Status:    status,
		CreatedAt: time.Now(),
	}
}

type fakeIngress struct {
	registered   []string
	unregistered []string
	deleted      []string
}

func (f *fakeIngress) RegisterVm(vmID string, port int) error {
	f.registered = append(f.registered, vmID)
	return nil
}

func (f *fakeIngress) UnregisterVm(vmID string) error {
	f.unregistered = append(f.unregistered, vmID)
	return nil
}

func (f *fakeIngress) DeleteVm(vmID string) error {
	f.deleted = append(f.deleted, vmID)
	return nil
}

func TestTransitionMissingVmReturnsFalse(t *testing.T) {
	mgr := NewManager(storage.NewMemStore(), nil)
	assert.False(t, mgr.Transition("does-not-exist", types.VmRunning, TransitionContext{Trigger: TriggerManual}))
}

func TestTransitionNoOpSucceeds(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateVm(newTestVM("vm-1", types.VmRunning)))
	mgr := NewManager(store, nil)
	assert.True(t, mgr.Transition("vm-1", types.VmRunning, TransitionContext{Trigger: TriggerHeartbeat}))
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateVm(newTestVM("vm-1", types.VmPending)))
	mgr := NewManager(store, nil)

	assert.False(t, mgr.Transition("vm-1", types.VmRunning, TransitionContext{Trigger: TriggerManual}))

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmPending, got.Status)
}

func TestTransitionAllowsLegalMoveAndSetsDerivedFields(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateVm(newTestVM("vm-1", types.VmProvisioning)))
	mgr := NewManager(store, nil)

	assert.True(t, mgr.Transition("vm-1", types.VmRunning, TransitionContext{Trigger: TriggerCommandAck}))

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmRunning, got.Status)
	assert.Equal(t, types.PowerOn, got.PowerState)
	require.NotNil(t, got.StartedAt)
}

func TestTransitionDeletedIsTerminal(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateVm(newTestVM("vm-1", types.VmDeleted)))
	mgr := NewManager(store, nil)

	assert.False(t, mgr.Transition("vm-1", types.VmProvisioning, TransitionContext{Trigger: TriggerManual}))
}

func TestLeavingRunningUnregistersFromIngress(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateVm(newTestVM("vm-1", types.VmRunning)))
	mgr := NewManager(store, nil)
	ingress := &fakeIngress{}
	mgr.SetIngress(ingress)

	assert.True(t, mgr.Transition("vm-1", types.VmStopping, TransitionContext{Trigger: TriggerManual}))
	assert.Equal(t, []string{"vm-1"}, ingress.unregistered)
}

func TestEnteringDeletedReleasesReservedResourcesAndCreditsNode(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{
		ID:                "node-1",
		Status:            types.NodeOnline,
		ReservedResources: types.ResourceCounters{ComputePoints: 4, MemoryBytes: 8 << 30, StorageBytes: 100 << 30},
	}
	require.NoError(t, store.CreateNode(node))

	vm := newTestVM("vm-1", types.VmDeleting)
	vm.NodeID = "node-1"
	vm.Spec = types.VmSpec{ComputePointCost: 2, MemoryBytes: 4 << 30, DiskBytes: 20 << 30}
	require.NoError(t, store.CreateVm(vm))

	mgr := NewManager(store, nil)
	assert.True(t, mgr.Transition("vm-1", types.VmDeleted, TransitionContext{Trigger: TriggerManual}))

	updated, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.ReservedResources.ComputePoints)
	assert.Equal(t, int64(4<<30), updated.ReservedResources.MemoryBytes)
	assert.Equal(t, int64(80<<30), updated.ReservedResources.StorageBytes)
	assert.Equal(t, int64(1), updated.Reputation.SuccessfulVmCompletions)
}

func TestIsLegalTable(t *testing.T) {
	assert.True(t, isLegal(types.VmPending, types.VmScheduling))
	assert.True(t, isLegal(types.VmError, types.VmError))
	assert.False(t, isLegal(types.VmDeleted, types.VmPending))
	assert.False(t, isLegal(types.VmRunning, types.VmPending))
}
