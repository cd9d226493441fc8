// Package lifecycle owns VirtualMachine.Status transitions. The node
// registry's heartbeat reconciliation, command delivery's ack path and the
// API's stop/delete handlers call Manager.Transition instead of writing
// Status directly. The scheduler does not: it writes Scheduling (or
// Pending) onto the VM record itself, without the legality check, event or
// side effects of Manager.Transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Trigger names what caused a transition request, carried through to the
// emitted lifecycle event and useful for side effects that behave
// differently depending on whether a human or an automated signal drove
// the change.
type Trigger string

const (
	TriggerCommandAck   Trigger = "CommandAck"
	TriggerHeartbeat    Trigger = "Heartbeat"
	TriggerManual       Trigger = "Manual"
	TriggerTimeout      Trigger = "Timeout"
	TriggerNodeOffline  Trigger = "NodeOffline"
	TriggerCommandFailed Trigger = "CommandFailed"
)

// TransitionContext carries the cause of a transition request plus an
// optional human-readable message persisted onto the VM.
type TransitionContext struct {
	Trigger Trigger
	Message string
}

// legalTransitions is the state machine's adjacency list. Deleted has no
// entry: it is terminal, and an absent map key correctly yields "no legal
// destinations" from isLegal below.
var legalTransitions = map[types.VmStatus][]types.VmStatus{
	types.VmPending:      {types.VmScheduling, types.VmProvisioning, types.VmError, types.VmDeleting},
	types.VmScheduling:   {types.VmProvisioning, types.VmPending, types.VmError, types.VmDeleting},
	types.VmProvisioning: {types.VmRunning, types.VmError, types.VmDeleting},
	types.VmRunning:      {types.VmStopping, types.VmError, types.VmDeleting},
	types.VmStopping:     {types.VmStopped, types.VmRunning, types.VmError, types.VmDeleting},
	types.VmStopped:      {types.VmProvisioning, types.VmRunning, types.VmDeleting, types.VmError},
	types.VmError:        {types.VmProvisioning, types.VmRunning, types.VmStopped, types.VmDeleting, types.VmError},
	types.VmDeleting:     {types.VmDeleted, types.VmError},
}

func isLegal(from, to types.VmStatus) bool {
	for _, dest := range legalTransitions[from] {
		if dest == to {
			return true
		}
	}
	return false
}

// IngressRegistrar is the narrow slice of the Central Ingress Registry the
// lifecycle manager needs. Defined here rather than imported from
// pkg/ingress so the manager can be built and tested before that package
// exists, the same way pkg/scheduler depends only on its own Dispatcher.
type IngressRegistrar interface {
	RegisterVm(vmID string, port int) error
	UnregisterVm(vmID string) error
	DeleteVm(vmID string) error
}

// PrivateIPTimeout bounds how long Transition waits for a node to report a
// VM's private IP after it enters Running.
const PrivateIPTimeout = 30 * time.Second

const privateIPPollInterval = 500 * time.Millisecond

// directAccessPortRangeStart/End bound the pool the manager draws from
// when auto-allocating direct-access ports for a template's non-http/ws
// exposed ports.
const directAccessPortRangeStart = 20000
const directAccessPortRangeEnd = 29999

// Manager is the VM Lifecycle Manager. It owns the legal-transition table
// and dispatches side effects; ingress is optional (nil until pkg/ingress
// is wired by the orchestrator facade) so unit tests can exercise the
// transition table in isolation.
type Manager struct {
	store   storage.Store
	broker  *events.Broker
	ingress IngressRegistrar
	logger  zerolog.Logger

	ports *portAllocator
}

// NewManager creates a lifecycle manager bound to the given store and
// event broker. SetIngress wires the Central Ingress Registry once it is
// constructed.
func NewManager(store storage.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		logger: log.WithComponent("lifecycle"),
		ports:  newPortAllocator(),
	}
}

// SetIngress wires the ingress registrar used by the Entering/Leaving
// Running and Entering Stopped/Deleted side effects.
func (m *Manager) SetIngress(ingress IngressRegistrar) {
	m.ingress = ingress
}

// Transition is the entry point for changing a VM's Status. A no-op
// (old == new) returns true; it returns false (and only logs) on a missing
// VM or an illegal transition — callers never receive an error type to
// branch on because none of those outcomes warrant a retry.
func (m *Manager) Transition(vmID string, newStatus types.VmStatus, ctx TransitionContext) bool {
	vm, err := m.store.GetVm(vmID)
	if err != nil {
		m.logger.Warn().Str("vm_id", vmID).Err(err).Msg("transition on unknown vm")
		return false
	}

	old := vm.Status
	if old == newStatus {
		return true
	}

	if !isLegal(old, newStatus) {
		m.logger.Warn().Str("vm_id", vmID).Str("from", string(old)).Str("to", string(newStatus)).
			Str("trigger", string(ctx.Trigger)).Msg("rejected illegal lifecycle transition")
		return false
	}

	now := time.Now()
	vm.Status = newStatus
	vm.Message = ctx.Message
	vm.UpdatedAt = now

	switch newStatus {
	case types.VmRunning:
		vm.PowerState = types.PowerOn
		vm.StartedAt = &now
	case types.VmStopped:
		vm.PowerState = types.PowerOff
		vm.StoppedAt = &now
	case types.VmDeleted:
		vm.PowerState = types.PowerOff
		vm.StoppedAt = &now
	case types.VmProvisioning, types.VmScheduling:
		vm.PowerState = types.PowerPending
	}

	if err := m.store.UpdateVm(vm); err != nil {
		m.logger.Error().Str("vm_id", vmID).Err(err).Msg("failed to persist lifecycle transition")
		return false
	}

	metrics.LifecycleTransitionsTotal.WithLabelValues(string(old), string(newStatus)).Inc()

	for _, effect := range m.sideEffectsFor(vmID, old, newStatus) {
		m.runSideEffect(vmID, effect)
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventVmTransitioned,
			Message: fmt.Sprintf("vm %s: %s -> %s (%s)", vmID, old, newStatus, ctx.Trigger),
			Metadata: map[string]string{
				"vm_id":   vmID,
				"from":    string(old),
				"to":      string(newStatus),
				"trigger": string(ctx.Trigger),
			},
		})
	}

	m.logger.Info().Str("vm_id", vmID).Str("from", string(old)).Str("to", string(newStatus)).
		Str("trigger", string(ctx.Trigger)).Msg("vm lifecycle transition")
	return true
}

// runSideEffect isolates one side effect's failure from the others and
// from the status change that already committed.
func (m *Manager) runSideEffect(vmID string, effect func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("vm_id", vmID).Interface("panic", r).Msg("lifecycle side effect panicked")
		}
	}()
	if err := effect(); err != nil {
		m.logger.Error().Str("vm_id", vmID).Err(err).Msg("lifecycle side effect failed")
	}
}

var runningSources = map[types.VmStatus]bool{
	types.VmProvisioning: true,
	types.VmStopped:      true,
	types.VmError:        true,
	types.VmStopping:     true,
}

var leavingRunningDestinations = map[types.VmStatus]bool{
	types.VmStopping: true,
	types.VmError:    true,
	types.VmDeleting: true,
}

// sideEffectsFor returns the side-effect closures that apply to one
// (from, to) transition, each capturing vmID and reloading fresh state
// from the store so they can run independently of one another.
func (m *Manager) sideEffectsFor(vmID string, from, to types.VmStatus) []func() error {
	var effects []func() error

	if to == types.VmRunning && runningSources[from] {
		effects = append(effects, m.enteringRunningFor(vmID))
	}
	if from == types.VmRunning && leavingRunningDestinations[to] {
		effects = append(effects, m.leavingRunningFor(vmID))
	}
	if to == types.VmStopped {
		effects = append(effects, m.enteringStoppedFor(vmID))
	}
	if to == types.VmDeleted {
		effects = append(effects, m.enteringDeletedFor(vmID))
	}

	return effects
}

// enteringRunningFor polls for the node-reported private IP, then
// registers the VM with the Central Ingress Registry, allocates
// direct-access ports for non-http/ws exposed ports, and settles the
// template's one-shot fee exactly once.
func (m *Manager) enteringRunningFor(vmID string) func() error {
	return func() error {
		ipCtx, cancel := context.WithTimeout(context.Background(), PrivateIPTimeout)
		defer cancel()

		vm, err := m.waitForPrivateIP(ipCtx, vmID)
		if err != nil {
			return fmt.Errorf("entering running: %w", err)
		}
		if vm == nil {
			// node never reported a private IP within the window; not an
			// error condition worth surfacing, just nothing more to do.
			return nil
		}

		if m.ingress != nil {
			if err := m.ingress.RegisterVm(vm.ID, vm.Ingress.DefaultPort); err != nil {
				return fmt.Errorf("register with ingress: %w", err)
			}
		}

		if err := m.allocateDirectAccessPorts(vm); err != nil {
			return fmt.Errorf("allocate direct-access ports: %w", err)
		}

		if err := m.settleTemplateFee(vm); err != nil {
			return fmt.Errorf("settle template fee: %w", err)
		}
		return nil
	}
}

func (m *Manager) waitForPrivateIP(ctx context.Context, vmID string) (*types.VirtualMachine, error) {
	ticker := time.NewTicker(privateIPPollInterval)
	defer ticker.Stop()
	for {
		vm, err := m.store.GetVm(vmID)
		if err != nil {
			return nil, err
		}
		if vm.Network.PrivateIP != "" {
			return vm, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) allocateDirectAccessPorts(vm *types.VirtualMachine) error {
	if vm.Template == nil {
		return nil
	}
	tmpl, err := m.store.GetTemplate(vm.Template.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	changed := false
	for _, port := range tmpl.ExposedPorts {
		if port.Protocol == "http" || port.Protocol == "ws" {
			continue
		}
		label := directPortLabel(vm.NodeID, port.Port)
		if vm.Labels != nil {
			if _, exists := vm.Labels[label]; exists {
				continue
			}
		}
		allocated, ok := m.ports.allocate(vm.NodeID)
		if !ok {
			continue
		}
		vm.SetLabel(label, fmt.Sprintf("%d", allocated))
		changed = true
	}
	if changed {
		return m.store.UpdateVm(vm)
	}
	return nil
}

func directPortLabel(nodeID string, templatePort int) string {
	return fmt.Sprintf("directport:%s:%d", nodeID, templatePort)
}

func (m *Manager) settleTemplateFee(vm *types.VirtualMachine) error {
	if vm.Template == nil {
		return nil
	}
	settledLabel := "template_fee_settled:" + vm.Template.ID
	if vm.HasLabel(settledLabel, "true") {
		return nil
	}

	tmpl, err := m.store.GetTemplate(vm.Template.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if tmpl.OneShotFeeUsdc <= 0 {
		return nil
	}

	now := time.Now()
	rec := &types.UsageRecord{
		ID:          uuid.NewString(),
		UserID:      vm.Owner,
		VmID:        vm.ID,
		NodeID:      vm.NodeID,
		AmountUsdc:  tmpl.OneShotFeeUsdc,
		PeriodStart: now,
		PeriodEnd:   now,
	}
	if err := m.store.CreateUsageRecord(rec); err != nil {
		return err
	}
	metrics.UsageRecordsTotal.WithLabelValues("template_fee").Inc()

	vm.SetLabel(settledLabel, "true")
	return m.store.UpdateVm(vm)
}

func (m *Manager) leavingRunningFor(vmID string) func() error {
	return func() error {
		if m.ingress == nil {
			return nil
		}
		return m.ingress.UnregisterVm(vmID)
	}
}

func (m *Manager) enteringStoppedFor(vmID string) func() error {
	return func() error {
		if m.ingress == nil {
			return nil
		}
		return m.ingress.UnregisterVm(vmID)
	}
}

func (m *Manager) enteringDeletedFor(vmID string) func() error {
	return func() error {
		vm, err := m.store.GetVm(vmID)
		if err != nil {
			return err
		}

		if m.ingress != nil {
			if err := m.ingress.DeleteVm(vmID); err != nil {
				m.logger.Warn().Str("vm_id", vmID).Err(err).Msg("ingress delete on vm deletion failed")
			}
		}

		m.ports.releaseAll(vm.NodeID, vm.ID)

		if vm.NodeID == "" {
			return nil
		}
		node, err := m.store.GetNode(vm.NodeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		node.ReservedResources.ComputePoints = clampNonNegative(node.ReservedResources.ComputePoints - vm.Spec.ComputePointCost)
		node.ReservedResources.MemoryBytes = clampNonNegative(node.ReservedResources.MemoryBytes - vm.Spec.MemoryBytes)
		node.ReservedResources.StorageBytes = clampNonNegative(node.ReservedResources.StorageBytes - vm.Spec.DiskBytes)
		node.Reputation.SuccessfulVmCompletions++
		return m.store.UpdateNode(node)
	}
}

func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// portAllocator hands out direct-access ports from a fixed range, one
// pool per node, so two VMs on the same node never collide.
type portAllocator struct {
	mu        sync.Mutex
	perNode   map[string]map[int]bool // allocated ports
	nextFree  map[string]int
}

func newPortAllocator() *portAllocator {
	return &portAllocator{
		perNode:  make(map[string]map[int]bool),
		nextFree: make(map[string]int),
	}
}

func (p *portAllocator) allocate(nodeID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated, ok := p.perNode[nodeID]
	if !ok {
		allocated = make(map[int]bool)
		p.perNode[nodeID] = allocated
	}
	next, ok := p.nextFree[nodeID]
	if !ok {
		next = directAccessPortRangeStart
	}
	for port := next; port <= directAccessPortRangeEnd; port++ {
		if allocated[port] {
			continue
		}
		allocated[port] = true
		p.nextFree[nodeID] = port + 1
		return port, true
	}
	return 0, false
}

func (p *portAllocator) releaseAll(nodeID, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// direct-access ports are tracked per node, not per VM, so a full
	// release on delete would hand the VM's ports back to the pool; since
	// the allocator does not currently track which port belongs to which
	// VM, deletion leaves them retired for the lifetime of the process
	// rather than risk handing out a port still in use by the departing
	// VM's teardown.
	_ = nodeID
}
