// Package delivery is Command Delivery: it implements the push-then-queue
// policy the scheduler and lifecycle-driven commands rely on to reach a
// node, tracks per-node push health, and translates node acknowledgements
// back into lifecycle transitions.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// pushTimeout bounds a single command push attempt.
const pushTimeout = 3 * time.Second

// maxConsecutiveFailures disables push delivery for a node until its next
// successful heartbeat (handled by pkg/registry) or a manual re-enable.
const maxConsecutiveFailures = 5

// staleCommandTTL is how long a dispatched command may go unacknowledged
// before the cleanup loop expires it.
const staleCommandTTL = time.Hour

const staleCommandSweepInterval = 5 * time.Minute

// AckInput is a node's report of a command's outcome.
type AckInput struct {
	NodeID     string
	CommandID  string
	Status     string // "success" | "failure"
	ResultJSON string
}

// trackedCommand is what Delivery remembers about a command it has
// dispatched, so a later ack can be translated into the right lifecycle
// transition without the node needing to echo back more than a status.
type trackedCommand struct {
	NodeID     string
	VmID       string
	OnSuccess  types.VmStatus
	OnFailure  types.VmStatus
	EnqueuedAt time.Time
}

// Delivery implements scheduler.Dispatcher and registry.CommandDrainer.
type Delivery struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	broker    *events.Broker
	logger    zerolog.Logger
	client    *http.Client

	mu      sync.Mutex
	queues  map[string][]types.NodeCommand
	pending map[string]trackedCommand

	stopCh chan struct{}
}

// NewDelivery creates a command delivery component bound to the given
// store and lifecycle manager.
func NewDelivery(store storage.Store, lifecycleMgr *lifecycle.Manager, broker *events.Broker) *Delivery {
	return &Delivery{
		store:     store,
		lifecycle: lifecycleMgr,
		broker:    broker,
		logger:    log.WithComponent("delivery"),
		client:    &http.Client{Timeout: pushTimeout},
		queues:    make(map[string][]types.NodeCommand),
		pending:   make(map[string]trackedCommand),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the stale-command cleanup loop.
func (d *Delivery) Start() {
	go d.runStaleSweep()
}

// Stop halts the cleanup loop.
func (d *Delivery) Stop() {
	close(d.stopCh)
}

// Dispatch implements scheduler.Dispatcher: push-then-queue for one
// command destined at one node.
func (d *Delivery) Dispatch(nodeID string, cmd types.NodeCommand) error {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}
	d.track(nodeID, cmd)

	outcome := d.deliver(nodeID, cmd)
	metrics.CommandPushesTotal.WithLabelValues(outcome).Inc()
	return nil
}

// track records what a command's ack should do to the VM it targets. A
// command type with no VM-facing effect (e.g. certificate signing) is
// left untracked; Ack on an untracked command is a no-op.
func (d *Delivery) track(nodeID string, cmd types.NodeCommand) {
	vmID, onSuccess, onFailure, ok := outcomesFor(cmd)
	if !ok {
		return
	}
	d.mu.Lock()
	d.pending[cmd.ID] = trackedCommand{
		NodeID:     nodeID,
		VmID:       vmID,
		OnSuccess:  onSuccess,
		OnFailure:  onFailure,
		EnqueuedAt: cmd.EnqueuedAt,
	}
	d.mu.Unlock()
}

func outcomesFor(cmd types.NodeCommand) (vmID string, onSuccess, onFailure types.VmStatus, ok bool) {
	switch cmd.Type {
	case types.CommandCreateVm:
		var vm types.VirtualMachine
		if err := json.Unmarshal([]byte(cmd.PayloadJSON), &vm); err != nil {
			return "", "", "", false
		}
		return vm.ID, types.VmRunning, types.VmError, true
	case types.CommandStartVm:
		vmID, ok := vmIDFromPayload(cmd.PayloadJSON)
		return vmID, types.VmRunning, types.VmError, ok
	case types.CommandStopVm:
		vmID, ok := vmIDFromPayload(cmd.PayloadJSON)
		return vmID, types.VmStopped, types.VmError, ok
	case types.CommandDeleteVm:
		vmID, ok := vmIDFromPayload(cmd.PayloadJSON)
		return vmID, types.VmDeleted, types.VmError, ok
	default:
		return "", "", "", false
	}
}

func vmIDFromPayload(payload string) (string, bool) {
	var body struct {
		VmID string `json:"vmId"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil || body.VmID == "" {
		return "", false
	}
	return body.VmID, true
}

// deliver runs the push-then-queue algorithm and returns an outcome label
// for metrics: "queued", "pushed" or "push_failed".
func (d *Delivery) deliver(nodeID string, cmd types.NodeCommand) string {
	d.mu.Lock()
	if existing := d.queues[nodeID]; len(existing) > 0 {
		d.queues[nodeID] = append(existing, cmd)
		d.mu.Unlock()
		d.updateQueueDepthMetric()
		return "queued"
	}
	d.mu.Unlock()

	node, err := d.store.GetNode(nodeID)
	if err != nil {
		d.enqueue(nodeID, cmd)
		return "queued"
	}
	if !node.PushEnabled {
		d.enqueue(nodeID, cmd)
		return "queued"
	}

	if d.push(node, cmd) {
		d.recordPushOutcome(node, true)
		return "pushed"
	}
	d.recordPushOutcome(node, false)
	d.enqueue(nodeID, cmd)
	return "push_failed"
}

func (d *Delivery) push(node *types.Node, cmd types.NodeCommand) bool {
	host := node.TunnelOrPublicIP()
	if host == "" || node.AgentPort == 0 {
		return false
	}
	url := fmt.Sprintf("http://%s:%d/api/commands/receive", host, node.AgentPort)

	payload, err := json.Marshal(cmd)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (d *Delivery) recordPushOutcome(node *types.Node, success bool) {
	if success {
		node.ConsecutivePushFailures = 0
		node.ConsecutivePushSuccesses++
		node.LastCommandPushedAt = time.Now()
	} else {
		node.ConsecutivePushSuccesses = 0
		node.ConsecutivePushFailures++
		if node.ConsecutivePushFailures >= maxConsecutiveFailures {
			node.PushEnabled = false
			d.logger.Warn().Str("node_id", node.ID).Msg("push delivery disabled after repeated failures")
		}
	}
	if err := d.store.UpdateNode(node); err != nil {
		d.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to persist push outcome")
	}
}

func (d *Delivery) enqueue(nodeID string, cmd types.NodeCommand) {
	d.mu.Lock()
	d.queues[nodeID] = append(d.queues[nodeID], cmd)
	d.mu.Unlock()
	d.updateQueueDepthMetric()
}

// Drain implements registry.CommandDrainer: hand back and clear a node's
// pending queue so the next heartbeat response carries it.
func (d *Delivery) Drain(nodeID string) []types.NodeCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[nodeID]
	delete(d.queues, nodeID)
	d.updateQueueDepthMetricLocked()
	return q
}

func (d *Delivery) updateQueueDepthMetric() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateQueueDepthMetricLocked()
}

func (d *Delivery) updateQueueDepthMetricLocked() {
	total := 0
	for _, q := range d.queues {
		total += len(q)
	}
	metrics.CommandQueueDepth.Set(float64(total))
}

// Ack translates a node's reported command outcome into a lifecycle
// transition via TransitionContext.CommandAck/CommandFailed.
func (d *Delivery) Ack(input AckInput) error {
	d.mu.Lock()
	tc, ok := d.pending[input.CommandID]
	if ok {
		delete(d.pending, input.CommandID)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown or already-acked command %s", input.CommandID)
	}
	if d.lifecycle == nil {
		return nil
	}

	if input.Status == "success" {
		d.lifecycle.Transition(tc.VmID, tc.OnSuccess, lifecycle.TransitionContext{
			Trigger: lifecycle.TriggerCommandAck,
			Message: input.ResultJSON,
		})
		return nil
	}

	d.lifecycle.Transition(tc.VmID, tc.OnFailure, lifecycle.TransitionContext{
		Trigger: lifecycle.TriggerCommandFailed,
		Message: input.ResultJSON,
	})
	return nil
}

func (d *Delivery) runStaleSweep() {
	ticker := time.NewTicker(staleCommandSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweepStaleCommands()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Delivery) sweepStaleCommands() {
	now := time.Now()
	var expired []trackedCommand

	d.mu.Lock()
	for id, tc := range d.pending {
		if now.Sub(tc.EnqueuedAt) > staleCommandTTL {
			expired = append(expired, tc)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, tc := range expired {
		if d.lifecycle != nil && tc.OnFailure != "" {
			d.lifecycle.Transition(tc.VmID, tc.OnFailure, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerTimeout,
				Message: "command expired without acknowledgement",
			})
		}
		if d.broker != nil {
			d.broker.Publish(&events.Event{
				Type:    events.EventCommandExpired,
				Message: fmt.Sprintf("command for vm %s on node %s expired", tc.VmID, tc.NodeID),
				Metadata: map[string]string{"vm_id": tc.VmID, "node_id": tc.NodeID},
			})
		}
	}
}
