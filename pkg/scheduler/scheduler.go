// Package scheduler implements the VM placement engine: a feasibility
// filter over each Online node's overcommit-adjusted capacity, followed
// by a weighted multi-factor score that picks a winner among the
// feasible set.
package scheduler

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/capacity"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/performance"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// waitingMessage is set on a VM that returns to Pending after a
// scheduling cycle finds no feasible node.
const waitingMessage = "Waiting for available resources"

// regionHintLabel is the VM label a caller sets to express a locality
// preference; the scheduler has no other channel for this hint since
// VmSpec itself carries no region/zone field.
const regionHintLabel = "regionHint"
const zoneHintLabel = "zoneHint"

// Dispatcher enqueues a command for delivery to a node. The command
// delivery package implements this; the scheduler only depends on the
// interface so it can be tested without a live push/queue path.
type Dispatcher interface {
	Dispatch(nodeID string, cmd types.NodeCommand) error
}

// Scheduler assigns Pending VMs to feasible, highest-scoring nodes.
type Scheduler struct {
	store      storage.Store
	cfg        *config.Config
	dispatcher Dispatcher
	broker     *events.Broker
	logger     zerolog.Logger
	mu         sync.Mutex
	stopCh     chan struct{}
}

// NewScheduler creates a scheduler bound to the given store, config and
// command dispatcher.
func NewScheduler(store storage.Store, cfg *config.Config, dispatcher Dispatcher, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:      store,
		cfg:        cfg,
		dispatcher: dispatcher,
		broker:     broker,
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the 5-second scheduling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Schedule(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Schedule runs one scheduling cycle: every Pending VM is placed or
// returned to Pending with a waiting message.
func (s *Scheduler) Schedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vms, err := s.store.ListVms()
	if err != nil {
		return fmt.Errorf("list vms: %w", err)
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}

	onlineNodes := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeOnline {
			onlineNodes = append(onlineNodes, n)
		}
	}

	for _, vm := range vms {
		if vm.Status != types.VmPending {
			continue
		}
		timer := metrics.NewTimer()
		if err := s.placeVM(vm, onlineNodes); err != nil {
			s.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("failed to place vm")
			metrics.PlacementsTotal.WithLabelValues("error").Inc()
			continue
		}
		timer.ObserveDuration(metrics.SchedulingLatency)
	}

	return nil
}

// placeVM runs the feasibility filter and scoring function for one VM
// against the given candidate nodes, reserving resources on the winner.
func (s *Scheduler) placeVM(vm *types.VirtualMachine, nodes []*types.Node) error {
	tier, ok := s.cfg.Tiers[vm.Spec.Tier]
	if !ok {
		return orcherr.New(orcherr.KindConfiguration, fmt.Sprintf("no tier definition for %q", vm.Spec.Tier))
	}

	type candidate struct {
		node      *types.Node
		eff       capacity.Effective
		remaining types.ResourceCounters
		score     float64
	}

	var feasible []candidate
	for _, node := range nodes {
		if node.Hardware.BenchmarkScore < tier.MinimumBenchmark {
			continue
		}

		perf := performance.Evaluate(node.Hardware, s.cfg.BaselineBenchmark, s.cfg.MaxPerformanceMultiple)
		eff := capacity.Compute(node.Hardware, perf.PointsPerCore, tier)

		if vm.Spec.RequiresGPU && len(node.Hardware.GPUs) == 0 {
			continue
		}

		remaining := eff.Remaining(node.ReservedResources)
		if remaining.ComputePoints < vm.Spec.ComputePointCost ||
			remaining.MemoryBytes < vm.Spec.MemoryBytes ||
			remaining.StorageBytes < vm.Spec.DiskBytes {
			continue
		}

		if remaining.MemoryBytes-vm.Spec.MemoryBytes < s.cfg.MinFreeMemoryMb*1024*1024 {
			continue
		}

		if eff.UtilizationPercent(node.ReservedResources.ComputePoints, vm.Spec.ComputePointCost) > s.cfg.MaxUtilizationPercent {
			continue
		}

		feasible = append(feasible, candidate{node: node, eff: eff, remaining: remaining})
	}

	if len(feasible) == 0 {
		vm.Status = types.VmPending
		vm.Message = waitingMessage
		metrics.PlacementsTotal.WithLabelValues("no_capacity").Inc()
		return s.store.UpdateVm(vm)
	}

	for i := range feasible {
		feasible[i].score = s.score(vm, feasible[i].node, feasible[i].eff, feasible[i].remaining)
	}

	sort.SliceStable(feasible, func(i, j int) bool {
		if feasible[i].score != feasible[j].score {
			return feasible[i].score > feasible[j].score
		}
		return feasible[i].node.ID < feasible[j].node.ID
	})

	winner := feasible[0]

	winner.node.ReservedResources.ComputePoints += vm.Spec.ComputePointCost
	winner.node.ReservedResources.MemoryBytes += vm.Spec.MemoryBytes
	winner.node.ReservedResources.StorageBytes += vm.Spec.DiskBytes
	if err := s.store.UpdateNode(winner.node); err != nil {
		return fmt.Errorf("reserve resources on node %s: %w", winner.node.ID, err)
	}

	vm.NodeID = winner.node.ID
	vm.Status = types.VmScheduling
	vm.Message = ""
	if err := s.store.UpdateVm(vm); err != nil {
		return fmt.Errorf("update vm after placement: %w", err)
	}

	if err := s.enqueueCreate(winner.node.ID, vm); err != nil {
		s.logger.Error().Err(err).Str("vm_id", vm.ID).Str("node_id", winner.node.ID).Msg("failed to dispatch create command")
	}

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventVmTransitioned,
			Message: fmt.Sprintf("vm %s placed on node %s", vm.ID, winner.node.ID),
			Metadata: map[string]string{
				"vm_id":   vm.ID,
				"node_id": winner.node.ID,
			},
		})
	}
	s.logger.Info().Str("vm_id", vm.ID).Str("node_id", winner.node.ID).Float64("score", winner.score).Msg("vm placed")
	return nil
}

func (s *Scheduler) enqueueCreate(nodeID string, vm *types.VirtualMachine) error {
	if s.dispatcher == nil {
		return nil
	}
	payload, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("marshal vm payload: %w", err)
	}
	return s.dispatcher.Dispatch(nodeID, types.NodeCommand{
		ID:          uuid.NewString(),
		Type:        types.CommandCreateVm,
		PayloadJSON: string(payload),
		EnqueuedAt:  time.Now(),
	})
}

// score computes the weighted multi-factor placement score for one
// feasible node.
func (s *Scheduler) score(vm *types.VirtualMachine, node *types.Node, eff capacity.Effective, remaining types.ResourceCounters) float64 {
	w := s.cfg.ScoringWeights

	capacityScore := fractionRemaining(remaining.ComputePoints-vm.Spec.ComputePointCost, eff.TotalPoints) +
		fractionRemaining(remaining.MemoryBytes-vm.Spec.MemoryBytes, eff.TotalMemory) +
		fractionRemaining(remaining.StorageBytes-vm.Spec.DiskBytes, eff.TotalStorage)
	capacityScore /= 3

	loadScore := 1 - eff.UtilizationPercent(node.ReservedResources.ComputePoints, 0)/100
	if loadScore < 0 {
		loadScore = 0
	}

	reputationScore := reputationOf(node.Reputation)
	localityScore := localityOf(vm, node)

	return w.Capacity*capacityScore + w.Load*loadScore + w.Reputation*reputationScore + w.Locality*localityScore
}

func fractionRemaining(remaining, total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(remaining) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// reputationOf is a monotonic function of a node's completion count and
// uptime percentage. A brand-new node (no history either way) scores
// neutrally rather than being penalized for lacking a track record.
func reputationOf(r types.Reputation) float64 {
	if r.TotalVmsHosted == 0 {
		return 0.5
	}
	completionScore := math.Min(float64(r.SuccessfulVmCompletions)/100, 1)
	uptimeScore := r.UptimePercent / 100
	return 0.5*completionScore + 0.5*uptimeScore
}

func localityOf(vm *types.VirtualMachine, node *types.Node) float64 {
	if vm.Labels != nil {
		if region, ok := vm.Labels[regionHintLabel]; ok && region != "" {
			if region == node.Region {
				return 1
			}
		}
		if zone, ok := vm.Labels[zoneHintLabel]; ok && zone != "" && zone == node.Zone {
			return 0.5
		}
	}
	return 0
}
