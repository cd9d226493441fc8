// Package registry is the Node Registry: it admits nodes, issues and
// rotates their bearer tokens, absorbs heartbeats, reconciles the
// orchestrator's view of a node's VMs against what the node itself
// reports, and marks nodes Offline (and their VMs Error) when heartbeats
// stop arriving.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/performance"
	"github.com/decloud/orchestrator/pkg/security"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeartbeatInterval is what Register tells a node to use between
// heartbeats.
const HeartbeatInterval = 15 * time.Second

// healthScanInterval is how often the offline sweep runs.
const healthScanInterval = 30 * time.Second

// tokenSweepInterval is how often expired node auth tokens are pruned.
const tokenSweepInterval = time.Hour

// rawTokenBytes is the amount of entropy behind an issued node token.
const rawTokenBytes = 32

// CommandDrainer hands back and clears a node's pending command queue.
// Command Delivery implements this; the registry only depends on the
// interface so Heartbeat can be exercised without a live delivery package.
type CommandDrainer interface {
	Drain(nodeID string) []types.NodeCommand
}

// RegisterInput is what a node presents at registration time.
type RegisterInput struct {
	WalletAddress   string
	Name            string
	PublicIP        string
	AgentPort       int
	Resources       types.HardwareInventory
	AgentVersion    string
	SupportedImages []string
	Region          string
	Zone            string
	MachineID       string
}

// RegisterResult is returned once, at registration time; Token is never
// persisted and never recoverable after this call returns.
type RegisterResult struct {
	NodeID            string
	Token             string
	HeartbeatInterval time.Duration
}

// ReportedVm is one VM entry in a node's heartbeat payload.
type ReportedVm struct {
	VmID        string
	Status      string // node's view: running|stopped|error|deleted
	PrivateIP   string
	VCores      int
	MemoryBytes int64
	CPUPercent  float64
	OwnerHint   string // tenant user id, supplied by the node for orphan recovery
}

// HeartbeatInput is a node's periodic report.
type HeartbeatInput struct {
	NodeID             string
	TokenHash          string
	Metrics            types.NodeHeartbeatMetrics
	AvailableResources types.ResourceCounters
	ActiveVms          []ReportedVm
}

// HeartbeatResult is handed back to the node.
type HeartbeatResult struct {
	Ok                  bool
	Commands            []types.NodeCommand
	TokenExpiringSoon   bool
}

// Registry is the Node Registry.
type Registry struct {
	store     storage.Store
	cfg       *config.Config
	broker    *events.Broker
	lifecycle *lifecycle.Manager
	commands  CommandDrainer
	logger    zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewRegistry creates a node registry bound to the given store, config,
// event broker and lifecycle manager.
func NewRegistry(store storage.Store, cfg *config.Config, broker *events.Broker, lifecycleMgr *lifecycle.Manager) *Registry {
	return &Registry{
		store:     store,
		cfg:       cfg,
		broker:    broker,
		lifecycle: lifecycleMgr,
		logger:    log.WithComponent("registry"),
		stopCh:    make(chan struct{}),
	}
}

// SetCommandDrainer wires the command delivery queue that Heartbeat drains
// pending commands from.
func (r *Registry) SetCommandDrainer(d CommandDrainer) {
	r.commands = d
}

// Start begins the health-scan and token-sweep loops.
func (r *Registry) Start() {
	go r.runHealthScan()
	go r.runTokenSweep()
}

// Stop halts both loops.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Register admits a node, rotating its wallet's existing record in place
// if one exists, and always mints a fresh bearer token.
func (r *Registry) Register(input RegisterInput) (*RegisterResult, error) {
	node, err := r.store.GetNodeByWallet(input.WalletAddress)
	isNew := false
	if err != nil {
		isNew = true
		node = &types.Node{
			ID:            uuid.NewString(),
			WalletAddress: input.WalletAddress,
			CreatedAt:     time.Now(),
			PushEnabled:   true,
		}
	}

	node.Name = input.Name
	node.PublicIP = input.PublicIP
	node.AgentPort = input.AgentPort
	node.AgentVersion = input.AgentVersion
	node.SupportedImages = input.SupportedImages
	node.Region = input.Region
	node.Zone = input.Zone
	node.MachineID = input.MachineID
	node.Hardware = input.Resources
	node.Status = types.NodeOnline
	node.LastHeartbeat = time.Now()

	if input.PublicIP != "" {
		node.NatClass = types.NatNone
	} else {
		node.NatClass = types.NatCgnat
	}

	perf := performance.Evaluate(input.Resources, r.cfg.BaselineBenchmark, r.cfg.MaxPerformanceMultiple)
	node.Performance = perf
	node.TotalResources = types.ResourceCounters{
		ComputePoints: int64(perf.PointsPerCore * float64(input.Resources.PhysicalCores)),
		MemoryBytes:   input.Resources.MemoryBytes,
		StorageBytes:  input.Resources.TotalStorageBytes(),
	}
	node.Obligations = computeObligations(node)

	if isNew {
		if err := r.store.CreateNode(node); err != nil {
			return nil, fmt.Errorf("create node: %w", err)
		}
	} else {
		if err := r.store.UpdateNode(node); err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
	}

	// Re-registration rotates the node's token: earlier tokens are revoked.
	if tokens, err := r.store.ListNodeAuthTokens(); err == nil {
		for _, t := range tokens {
			if t.NodeID == node.ID && !t.IsRevoked {
				t.IsRevoked = true
				_ = r.store.UpdateNodeAuthToken(t)
			}
		}
	}

	raw, err := security.GenerateRawToken(rawTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate node token: %w", err)
	}
	tokenRec := &types.NodeAuthToken{
		ID:        uuid.NewString(),
		NodeID:    node.ID,
		TokenHash: security.HashToken(raw),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(r.cfg.TokenLifetime),
	}
	if err := r.store.CreateNodeAuthToken(tokenRec); err != nil {
		return nil, fmt.Errorf("persist node token: %w", err)
	}

	metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Inc()
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventNodeRegistered,
			Message: fmt.Sprintf("node %s registered", node.ID),
			Metadata: map[string]string{
				"node_id": node.ID,
				"wallet":  node.WalletAddress,
			},
		})
	}
	r.logger.Info().Str("node_id", node.ID).Bool("new", isNew).Msg("node registered")

	return &RegisterResult{
		NodeID:            node.ID,
		Token:             raw,
		HeartbeatInterval: HeartbeatInterval,
	}, nil
}

// computeObligations derives a node's static system-VM role assignments
// from its advertised hardware, per the obligation engine's hardware
// rules. Every node carries Dht; Relay and BlockStore are conditional.
func computeObligations(node *types.Node) []types.SystemVmObligation {
	obligations := []types.SystemVmObligation{{Role: types.RoleDht, Status: types.ObligationPending}}

	hw := node.Hardware
	ramGiB := float64(hw.MemoryBytes) / (1 << 30)
	storageGiB := float64(hw.TotalStorageBytes()) / (1 << 30)

	if node.NatClass == types.NatNone && hw.PhysicalCores >= 2 && ramGiB >= 4 && hw.BandwidthMbps >= 50 {
		obligations = append(obligations, types.SystemVmObligation{Role: types.RoleRelay, Status: types.ObligationPending})
	}
	if storageGiB >= 100 && ramGiB >= 4 {
		obligations = append(obligations, types.SystemVmObligation{Role: types.RoleBlockStore, Status: types.ObligationPending})
	}
	return obligations
}

// ValidateToken hashes the presented token and constant-time compares it
// against the stored hash, rejecting revoked or expired tokens.
func (r *Registry) ValidateToken(raw string) (*types.Node, error) {
	hash := security.HashToken(raw)
	tokenRec, err := r.store.GetNodeAuthTokenByHash(hash)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindSecurityFailure, "unknown node token", err)
	}
	if !security.TokensMatch(raw, tokenRec.TokenHash) {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "token hash mismatch")
	}
	if tokenRec.IsRevoked {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "token revoked")
	}
	if time.Now().After(tokenRec.ExpiresAt) {
		return nil, orcherr.New(orcherr.KindSecurityFailure, "token expired")
	}

	tokenRec.LastUsedAt = time.Now()
	_ = r.store.UpdateNodeAuthToken(tokenRec)

	node, err := r.store.GetNode(tokenRec.NodeID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindSecurityFailure, "token refers to unknown node", err)
	}
	return node, nil
}

// Heartbeat absorbs a node's periodic report: marks it Online, persists
// its metrics, reconciles known VM state against what the node reports,
// attempts recovery of unknown-but-plausible VMs, and drains its pending
// command queue.
func (r *Registry) Heartbeat(input HeartbeatInput) (*HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, err := r.store.GetNode(input.NodeID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_node").Inc()
		return &HeartbeatResult{Ok: false}, nil
	}

	node.Status = types.NodeOnline
	node.LastHeartbeat = time.Now()
	input.Metrics.SampledAt = time.Now()
	node.LastMetrics = input.Metrics
	node.ConsecutivePushFailures = 0
	node.PushEnabled = true
	if err := r.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("persist heartbeat: %w", err)
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()

	r.reconcileVmState(node, input.ActiveVms)

	var commands []types.NodeCommand
	if r.commands != nil {
		commands = r.commands.Drain(node.ID)
	}

	warn := false
	if input.TokenHash != "" {
		if tokenRec, err := r.store.GetNodeAuthTokenByHash(input.TokenHash); err == nil {
			warn = time.Until(tokenRec.ExpiresAt) <= r.cfg.ExpirationWarningThreshold
		}
	}

	return &HeartbeatResult{Ok: true, Commands: commands, TokenExpiringSoon: warn}, nil
}

func (r *Registry) reconcileVmState(node *types.Node, reported []ReportedVm) {
	reportedByID := make(map[string]ReportedVm, len(reported))
	for _, rv := range reported {
		reportedByID[rv.VmID] = rv
	}

	known, err := r.store.ListVmsByNode(node.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("node_id", node.ID).Msg("list vms by node failed during reconciliation")
		return
	}

	for _, vm := range known {
		rv, ok := reportedByID[vm.ID]
		if !ok {
			if vm.Status == types.VmRunning || vm.Status == types.VmProvisioning {
				if r.lifecycle != nil {
					r.lifecycle.Transition(vm.ID, types.VmError, lifecycle.TransitionContext{
						Trigger: lifecycle.TriggerHeartbeat,
						Message: "VM missing from node",
					})
				}
			}
			continue
		}
		delete(reportedByID, vm.ID)

		changed := false
		if vm.Network.PrivateIP == "" && rv.PrivateIP != "" {
			vm.Network.PrivateIP = rv.PrivateIP
			changed = true
		}
		vm.Metrics = types.VmMetrics{
			CPUPercent:  rv.CPUPercent,
			MemoryBytes: rv.MemoryBytes,
			SampledAt:   time.Now(),
		}
		changed = true

		if changed {
			if err := r.store.UpdateVm(vm); err != nil {
				r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to persist vm reconciliation update")
			}
		}

		if vm.Status == types.VmProvisioning && rv.Status == "running" && r.lifecycle != nil {
			r.lifecycle.Transition(vm.ID, types.VmRunning, lifecycle.TransitionContext{Trigger: lifecycle.TriggerHeartbeat})
		}
	}

	for id, rv := range reportedByID {
		r.attemptRecovery(node, id, rv)
	}
}

// attemptRecovery tries to adopt a VM the node reports but the
// orchestrator has never heard of. Ambiguous remote truth is never
// blindly trusted: anything that doesn't check out is rejected, not
// adopted.
func (r *Registry) attemptRecovery(node *types.Node, vmID string, rv ReportedVm) {
	if _, err := uuid.Parse(vmID); err != nil {
		r.logger.Warn().Str("node_id", node.ID).Str("vm_id", vmID).Msg("rejecting orphan recovery: invalid vm id")
		return
	}
	if rv.OwnerHint == "" {
		r.logger.Warn().Str("node_id", node.ID).Str("vm_id", vmID).Msg("rejecting orphan recovery: unknown tenant")
		return
	}
	owner, err := r.store.GetUser(rv.OwnerHint)
	if err != nil || owner.Suspended {
		r.logger.Warn().Str("node_id", node.ID).Str("vm_id", vmID).Msg("rejecting orphan recovery: tenant unknown or suspended")
		return
	}
	if int64(rv.VCores) > int64(node.Hardware.PhysicalCores) || rv.MemoryBytes > node.Hardware.MemoryBytes {
		r.logger.Warn().Str("node_id", node.ID).Str("vm_id", vmID).Msg("rejecting orphan recovery: reported resources exceed node total")
		return
	}
	if rv.Status == "error" || rv.Status == "deleted" {
		r.logger.Warn().Str("node_id", node.ID).Str("vm_id", vmID).Str("reported_status", rv.Status).Msg("rejecting orphan recovery: terminal reported state")
		return
	}

	vm := &types.VirtualMachine{
		ID:     vmID,
		Name:   "recovered-" + vmID[:8],
		Owner:  owner.ID,
		NodeID: node.ID,
		Spec: types.VmSpec{
			VCores:      rv.VCores,
			MemoryBytes: rv.MemoryBytes,
		},
		Status:     types.VmRunning,
		PowerState: types.PowerOn,
		Network:    types.NetworkConfig{PrivateIP: rv.PrivateIP},
		Labels:     map[string]string{"recovered": "true"},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := r.store.CreateVm(vm); err != nil {
		r.logger.Error().Err(err).Str("vm_id", vmID).Msg("failed to persist recovered vm")
		return
	}

	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventVmRecovered,
			Message: fmt.Sprintf("vm %s recovered from node %s", vmID, node.ID),
			Metadata: map[string]string{"vm_id": vmID, "node_id": node.ID},
		})
	}
	r.logger.Info().Str("node_id", node.ID).Str("vm_id", vmID).Msg("orphan vm recovered")
}

func (r *Registry) runHealthScan() {
	ticker := time.NewTicker(healthScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.scanOfflineNodes()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) scanOfflineNodes() {
	nodes, err := r.store.ListNodes()
	if err != nil {
		r.logger.Error().Err(err).Msg("list nodes for health scan failed")
		return
	}

	for _, node := range nodes {
		if node.Status != types.NodeOnline {
			continue
		}
		if time.Since(node.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}

		node.Status = types.NodeOffline
		if err := r.store.UpdateNode(node); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("failed to mark node offline")
			continue
		}

		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:    events.EventNodeOffline,
				Message: fmt.Sprintf("node %s missed heartbeat deadline", node.ID),
				Metadata: map[string]string{"node_id": node.ID},
			})
		}
		r.logger.Warn().Str("node_id", node.ID).Msg("node marked offline")

		vms, err := r.store.ListVmsByNode(node.ID)
		if err != nil {
			continue
		}
		for _, vm := range vms {
			if vm.Status != types.VmRunning {
				continue
			}
			if r.lifecycle == nil {
				continue
			}
			if r.lifecycle.Transition(vm.ID, types.VmError, lifecycle.TransitionContext{
				Trigger: lifecycle.TriggerNodeOffline,
				Message: "Node offline",
			}) && r.broker != nil {
				r.broker.Publish(&events.Event{
					Type:    events.EventVmError,
					Message: fmt.Sprintf("vm %s errored: node %s offline", vm.ID, node.ID),
					Metadata: map[string]string{"vm_id": vm.ID, "node_id": node.ID},
				})
			}
		}
	}
}

func (r *Registry) runTokenSweep() {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepExpiredTokens()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepExpiredTokens() {
	tokens, err := r.store.ListNodeAuthTokens()
	if err != nil {
		r.logger.Error().Err(err).Msg("list node auth tokens for sweep failed")
		return
	}
	now := time.Now()
	for _, t := range tokens {
		if now.After(t.ExpiresAt) {
			if err := r.store.DeleteNodeAuthToken(t.ID); err != nil {
				r.logger.Error().Err(err).Str("token_id", t.ID).Msg("failed to delete expired node token")
			}
		}
	}
}
