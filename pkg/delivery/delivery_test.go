package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchQueuesWhenPushDisabled(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1", PushEnabled: false, AgentPort: 9999}
	require.NoError(t, store.CreateNode(node))

	d := NewDelivery(store, lifecycle.NewManager(store, nil), nil)
	cmd := types.NodeCommand{ID: uuid.NewString(), Type: types.CommandStartVm, PayloadJSON: `{"vmId":"vm-1"}`}
	require.NoError(t, d.Dispatch("node-1", cmd))

	drained := d.Drain("node-1")
	require.Len(t, drained, 1)
	assert.Equal(t, cmd.ID, drained[0].ID)
}

func TestDispatchPushesWhenAgentReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1", PushEnabled: true, PublicIP: serverHost(server.URL), AgentPort: serverPort(server.URL)}
	require.NoError(t, store.CreateNode(node))

	d := NewDelivery(store, lifecycle.NewManager(store, nil), nil)
	cmd := types.NodeCommand{ID: uuid.NewString(), Type: types.CommandStartVm, PayloadJSON: `{"vmId":"vm-1"}`}
	require.NoError(t, d.Dispatch("node-1", cmd))

	assert.Empty(t, d.Drain("node-1"))

	updated, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ConsecutivePushSuccesses)
}

func TestDispatchDisablesPushAfterFiveFailures(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1", PushEnabled: true, PublicIP: "203.0.113.99", AgentPort: 1} // unreachable
	require.NoError(t, store.CreateNode(node))

	d := NewDelivery(store, lifecycle.NewManager(store, nil), nil)
	drained := 0
	for i := 0; i < maxConsecutiveFailures; i++ {
		cmd := types.NodeCommand{ID: uuid.NewString(), Type: types.CommandStartVm, PayloadJSON: `{"vmId":"vm-1"}`}
		require.NoError(t, d.Dispatch("node-1", cmd))
		// Drain as a heartbeat would: a non-empty queue makes the next
		// Dispatch queue without attempting a push.
		drained += len(d.Drain("node-1"))
	}

	updated, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.False(t, updated.PushEnabled)
	assert.Equal(t, maxConsecutiveFailures, drained)
}

func TestAckTranslatesSuccessIntoLifecycleTransition(t *testing.T) {
	store := storage.NewMemStore()
	node := &types.Node{ID: "node-1", PushEnabled: false}
	require.NoError(t, store.CreateNode(node))
	vm := &types.VirtualMachine{ID: "vm-1", Status: types.VmProvisioning, CreatedAt: time.Now()}
	require.NoError(t, store.CreateVm(vm))

	lc := lifecycle.NewManager(store, nil)
	d := NewDelivery(store, lc, nil)

	vmPayload, err := json.Marshal(vm)
	require.NoError(t, err)
	cmd := types.NodeCommand{ID: uuid.NewString(), Type: types.CommandCreateVm, PayloadJSON: string(vmPayload)}
	require.NoError(t, d.Dispatch("node-1", cmd))

	require.NoError(t, d.Ack(AckInput{NodeID: "node-1", CommandID: cmd.ID, Status: "success"}))

	got, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VmRunning, got.Status)
}

func TestAckUnknownCommandReturnsError(t *testing.T) {
	store := storage.NewMemStore()
	d := NewDelivery(store, lifecycle.NewManager(store, nil), nil)
	err := d.Ack(AckInput{NodeID: "node-1", CommandID: "missing", Status: "success"})
	assert.Error(t, err)
}

func serverHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func serverPort(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}
