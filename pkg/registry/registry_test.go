package registry

import (
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store := storage.NewMemStore()
	cfg := config.Default()
	cfg.JWTSigningKey = "test"
	lc := lifecycle.NewManager(store, nil)
	return NewRegistry(store, cfg, nil, lc), store
}

func TestRegisterMintsNewNodeAndToken(t *testing.T) {
	r, store := testRegistry(t)

	result, err := r.Register(RegisterInput{
		WalletAddress: "0xabc",
		Name:          "node-a",
		PublicIP:      "203.0.113.5",
		AgentPort:     9000,
		Resources: types.HardwareInventory{
			PhysicalCores:  4,
			MemoryBytes:    8 << 30,
			BenchmarkScore: 500,
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.NodeID)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, HeartbeatInterval, result.HeartbeatInterval)

	node, err := store.GetNode(result.NodeID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.Equal(t, types.NatNone, node.NatClass)
}

func TestRegisterExistingWalletUpdatesInPlace(t *testing.T) {
	r, store := testRegistry(t)

	first, err := r.Register(RegisterInput{WalletAddress: "0xabc", Name: "node-a", Resources: types.HardwareInventory{PhysicalCores: 2, MemoryBytes: 4 << 30}})
	require.NoError(t, err)

	second, err := r.Register(RegisterInput{WalletAddress: "0xabc", Name: "node-a-renamed", Resources: types.HardwareInventory{PhysicalCores: 2, MemoryBytes: 4 << 30}})
	require.NoError(t, err)

	assert.Equal(t, first.NodeID, second.NodeID)
	assert.NotEqual(t, first.Token, second.Token)

	node, err := store.GetNode(second.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "node-a-renamed", node.Name)
}

func TestValidateTokenAcceptsIssuedTokenAndRejectsRotated(t *testing.T) {
	r, _ := testRegistry(t)

	result, err := r.Register(RegisterInput{WalletAddress: "0xabc", Resources: types.HardwareInventory{PhysicalCores: 2, MemoryBytes: 4 << 30}})
	require.NoError(t, err)

	node, err := r.ValidateToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.NodeID, node.ID)

	second, err := r.Register(RegisterInput{WalletAddress: "0xabc", Resources: types.HardwareInventory{PhysicalCores: 2, MemoryBytes: 4 << 30}})
	require.NoError(t, err)
	_ = second

	_, err = r.ValidateToken(result.Token)
	assert.Error(t, err, "the old token must not validate once a new one has been issued")
}

func TestHeartbeatUnknownNodeReturnsNotOk(t *testing.T) {
	r, _ := testRegistry(t)
	result, err := r.Heartbeat(HeartbeatInput{NodeID: "does-not-exist"})
	require.NoError(t, err)
	assert.False(t, result.Ok)
}

func TestHeartbeatMarksMissingRunningVmAsError(t *testing.T) {
	r, store := testRegistry(t)
	reg, err := r.Register(RegisterInput{WalletAddress: "0xabc", Resources: types.HardwareInventory{PhysicalCores: 4, MemoryBytes: 8 << 30}})
	require.NoError(t, err)

	vm := &types.VirtualMachine{ID: uuid.NewString(), NodeID: reg.NodeID, Status: types.VmRunning, CreatedAt: time.Now()}
	require.NoError(t, store.CreateVm(vm))

	result, err := r.Heartbeat(HeartbeatInput{NodeID: reg.NodeID})
	require.NoError(t, err)
	assert.True(t, result.Ok)

	got, err := store.GetVm(vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VmError, got.Status)
}

func TestHeartbeatRejectsOrphanRecoveryWithoutTenant(t *testing.T) {
	r, store := testRegistry(t)
	reg, err := r.Register(RegisterInput{WalletAddress: "0xabc", Resources: types.HardwareInventory{PhysicalCores: 4, MemoryBytes: 8 << 30}})
	require.NoError(t, err)

	orphanID := uuid.NewString()
	result, err := r.Heartbeat(HeartbeatInput{
		NodeID: reg.NodeID,
		ActiveVms: []ReportedVm{
			{VmID: orphanID, Status: "running", VCores: 1, MemoryBytes: 1 << 30},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Ok)

	_, err = store.GetVm(orphanID)
	assert.Error(t, err, "orphan with no tenant hint must not be adopted")
}

func TestHeartbeatRecoversPlausibleOrphan(t *testing.T) {
	r, store := testRegistry(t)
	reg, err := r.Register(RegisterInput{WalletAddress: "0xabc", Resources: types.HardwareInventory{PhysicalCores: 4, MemoryBytes: 8 << 30}})
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(&types.User{ID: "user-1"}))

	orphanID := uuid.NewString()
	result, err := r.Heartbeat(HeartbeatInput{
		NodeID: reg.NodeID,
		ActiveVms: []ReportedVm{
			{VmID: orphanID, Status: "running", VCores: 1, MemoryBytes: 1 << 30, OwnerHint: "user-1"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Ok)

	recovered, err := store.GetVm(orphanID)
	require.NoError(t, err)
	assert.Equal(t, "true", recovered.Labels["recovered"])
}

func TestComputeObligationsEveryNodeGetsDht(t *testing.T) {
	node := &types.Node{NatClass: types.NatCgnat, Hardware: types.HardwareInventory{PhysicalCores: 1, MemoryBytes: 1 << 30}}
	obligations := computeObligations(node)
	require.Len(t, obligations, 1)
	assert.Equal(t, types.RoleDht, obligations[0].Role)
}

func TestComputeObligationsAddsRelayWhenReachableAndCapable(t *testing.T) {
	node := &types.Node{
		NatClass: types.NatNone,
		Hardware: types.HardwareInventory{PhysicalCores: 4, MemoryBytes: 8 << 30, BandwidthMbps: 100},
	}
	obligations := computeObligations(node)
	roles := map[types.ObligationRole]bool{}
	for _, o := range obligations {
		roles[o.Role] = true
	}
	assert.True(t, roles[types.RoleRelay])
}
