package mesh

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	dispatched []types.NodeCommand
}

func (f *fakeDispatcher) Dispatch(nodeID string, cmd types.NodeCommand) error {
	f.dispatched = append(f.dispatched, cmd)
	return nil
}

func testManager(store storage.Store, dispatcher Dispatcher) *Manager {
	cfg := config.Default()
	return NewManager(store, cfg, dispatcher, lifecycle.NewManager(store, nil), nil)
}

func TestAllocateSubnetPicksFirstFree(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.CreateNode(&types.Node{ID: "node-1", Relay: &types.RelayInfo{Subnet: 1}}))
	m := testManager(store, nil)

	subnet, err := m.allocateSubnet()
	require.NoError(t, err)
	assert.Equal(t, 2, subnet)
}

func TestDeployRelayPersistsRelayInfoAndDispatches(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{
		ID:             "node-1",
		Status:         types.NodeOnline,
		PublicIP:       "198.51.100.9",
		TotalResources: types.ResourceCounters{ComputePoints: 20},
	}
	require.NoError(t, store.CreateNode(node))

	dispatcher := &fakeDispatcher{}
	m := testManager(store, dispatcher)

	require.NoError(t, m.DeployRelay(node))

	updated, err := store.GetNode("node-1")
	require.NoError(t, err)
	require.NotNil(t, updated.Relay)
	assert.Equal(t, 1, updated.Relay.Subnet)
	assert.Equal(t, "10.20.1.254", updated.Relay.TunnelIP)
	assert.Equal(t, 200, updated.Relay.MaxCapacity)
	assert.Len(t, dispatcher.dispatched, 1)
	assert.Equal(t, types.CommandCreateVm, dispatcher.dispatched[0].Type)
}

func TestSelectRelayPrefersSameRegion(t *testing.T) {
	store := storage.NewMemStore()
	candidate := &types.Node{ID: "candidate", Region: "us-east"}

	far := &types.Node{
		ID: "relay-far", Status: types.NodeOnline, Region: "eu-west",
		Relay: &types.RelayInfo{Status: types.ObligationActive, MaxCapacity: 100, CurrentLoad: 10},
	}
	near := &types.Node{
		ID: "relay-near", Status: types.NodeOnline, Region: "us-east",
		Relay: &types.RelayInfo{Status: types.ObligationActive, MaxCapacity: 100, CurrentLoad: 10},
	}
	require.NoError(t, store.CreateNode(far))
	require.NoError(t, store.CreateNode(near))

	m := testManager(store, nil)
	best, err := m.selectRelay(candidate)
	require.NoError(t, err)
	assert.Equal(t, "relay-near", best.ID)
}

func TestSelectRelayExcludesFullRelays(t *testing.T) {
	store := storage.NewMemStore()
	candidate := &types.Node{ID: "candidate"}
	full := &types.Node{
		ID: "relay-full", Status: types.NodeOnline,
		Relay: &types.RelayInfo{Status: types.ObligationActive, MaxCapacity: 10, CurrentLoad: 10},
	}
	require.NoError(t, store.CreateNode(full))

	m := testManager(store, nil)
	_, err := m.selectRelay(candidate)
	assert.Error(t, err)
}

func TestCheckRelaySkipsDuringInitializationGrace(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{
		ID: "relay-1",
		Relay: &types.RelayInfo{
			Status:            types.ObligationInitializing,
			InitializingSince: time.Now(),
			TunnelIP:          "203.0.113.1",
		},
	}
	require.NoError(t, store.CreateNode(node))

	m := testManager(store, nil)
	m.checkRelay(node)

	updated, err := store.GetNode("relay-1")
	require.NoError(t, err)
	assert.Equal(t, types.ObligationInitializing, updated.Relay.Status)
}

func TestCheckRelayMarksActiveOnHealthyProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	store := storage.NewMemStore()
	node := &types.Node{
		ID: "relay-1",
		Relay: &types.RelayInfo{
			Status:   types.ObligationFailed,
			TunnelIP: u.Host,
		},
	}
	require.NoError(t, store.CreateNode(node))

	m := testManager(store, nil)
	m.checkRelay(node)

	updated, err := store.GetNode("relay-1")
	require.NoError(t, err)
	assert.Equal(t, types.ObligationActive, updated.Relay.Status)
}
