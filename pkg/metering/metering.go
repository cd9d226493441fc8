package metering

import (
	"math/rand"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	queueCapacity      = 1000
	producerInterval   = 5 * time.Minute
	minBillablePeriod  = time.Minute
	minBillableCostUsd = 0.01
	minInterBatchDelay = 2 * time.Second
	maxInterBatchDelay = 3 * time.Second // added to minInterBatchDelay, giving a 2-5s spacing
)

// Trigger names what caused a VM to be enqueued for billing.
type Trigger string

const (
	TriggerPeriodic      Trigger = "Periodic"
	TriggerVmStop        Trigger = "VmStop"
	TriggerManual        Trigger = "Manual"
	TriggerBalanceResume Trigger = "BalanceResume"
)

// billingEvent is one queued unit of metering work.
type billingEvent struct {
	VmID    string
	Trigger Trigger
}

// AttestationChecker reports a VM's liveness/correctness signal. The
// metering pipeline consults it before billing a period.
type AttestationChecker interface {
	// CheckLiveness returns whether the VM's attestation is currently
	// verified and whether it has asked to pause billing.
	CheckLiveness(vm *types.VirtualMachine) (verified bool, billingPaused bool)
}

// alwaysVerified is the default AttestationChecker: no external
// attestation agent is reachable from this control plane in-process, so
// every VM is treated as verified and never billing-paused. A real
// deployment wires in an HTTP-probing checker against the VM's
// attestation agent at {vmIp}:9999/health (the same endpoint the
// latency tracker already probes for public nodes).
type alwaysVerified struct{}

func (alwaysVerified) CheckLiveness(*types.VirtualMachine) (bool, bool) { return true, false }

// SettlementService records one billed usage interval and reports
// whether the user had sufficient balance to cover it.
type SettlementService interface {
	RecordUsage(userID, vmID, nodeID string, cost float64, periodStart, periodEnd time.Time, attestationVerified bool) (ok bool, err error)
}

// unlimitedBalance is the default SettlementService: the data model
// carries no balance/credit field on types.User, so there is nothing to
// decline against. Every call succeeds; a real deployment wires in a
// service backed by an on-chain or custodial balance.
type unlimitedBalance struct{}

func (unlimitedBalance) RecordUsage(string, string, string, float64, time.Time, time.Time, bool) (bool, error) {
	return true, nil
}

// ChainClient submits a batch of settled usage records on-chain and
// returns the transaction hash.
type ChainClient interface {
	SubmitBatch(batch *types.SettlementBatch, records []*types.UsageRecord) (txHash string, err error)
}

// localChain stands in for a real chain client: no on-chain RPC library
// is part of this stack, so it mints a locally-generated reference
// instead of broadcasting a transaction.
type localChain struct{}

func (localChain) SubmitBatch(*types.SettlementBatch, []*types.UsageRecord) (string, error) {
	return "local-" + uuid.NewString(), nil
}

// Pipeline is the Metering Pipeline: a bounded billing queue, a single
// consumer applying the skip/attestation/period/cost rules, and an
// hourly settlement driver.
type Pipeline struct {
	store       storage.Store
	cfg         *config.Config
	broker      *events.Broker
	attestation AttestationChecker
	settlement  SettlementService
	chain       ChainClient
	logger      zerolog.Logger

	queue  chan billingEvent
	stopCh chan struct{}
}

// NewPipeline creates a metering pipeline. Passing nil for attestation,
// settlement or chain falls back to the defaults documented above.
func NewPipeline(store storage.Store, cfg *config.Config, broker *events.Broker, attestation AttestationChecker, settlement SettlementService, chain ChainClient) *Pipeline {
	if attestation == nil {
		attestation = alwaysVerified{}
	}
	if settlement == nil {
		settlement = unlimitedBalance{}
	}
	if chain == nil {
		chain = localChain{}
	}
	return &Pipeline{
		store:       store,
		cfg:         cfg,
		broker:      broker,
		attestation: attestation,
		settlement:  settlement,
		chain:       chain,
		logger:      log.WithComponent("metering"),
		queue:       make(chan billingEvent, queueCapacity),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic producer, the stop-event producer (if a
// broker is wired), the consumer, and the settlement driver.
func (p *Pipeline) Start() {
	go p.runPeriodicProducer()
	if p.broker != nil {
		go p.runStopEventProducer()
	}
	go p.runConsumer()
	go p.runSettlementDriver()
}

// Stop halts every pipeline goroutine.
func (p *Pipeline) Stop() {
	close(p.stopCh)
}

// Enqueue blocks until the event is queued or the pipeline is stopped —
// the bounded queue's backpressure is deliberate: a slow consumer should
// stall producers rather than drop billing events.
func (p *Pipeline) Enqueue(vmID string, trigger Trigger) {
	select {
	case p.queue <- billingEvent{VmID: vmID, Trigger: trigger}:
	case <-p.stopCh:
	}
}

func (p *Pipeline) runPeriodicProducer() {
	ticker := time.NewTicker(producerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.enqueueAllRunning()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) enqueueAllRunning() {
	vms, err := p.store.ListVms()
	if err != nil {
		p.logger.Error().Err(err).Msg("list vms for periodic billing failed")
		return
	}
	for _, vm := range vms {
		if vm.Status != types.VmRunning || vm.IsSystemVm {
			continue
		}
		p.Enqueue(vm.ID, TriggerPeriodic)
	}
}

func (p *Pipeline) runStopEventProducer() {
	sub := p.broker.Subscribe()
	defer p.broker.Unsubscribe(sub)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if evt.Type != events.EventVmTransitioned {
				continue
			}
			vmID := evt.Metadata["vm_id"]
			if vmID == "" {
				continue
			}
			vm, err := p.store.GetVm(vmID)
			if err != nil {
				continue
			}
			if vm.Status == types.VmStopping || vm.Status == types.VmStopped {
				p.Enqueue(vmID, TriggerVmStop)
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pipeline) runConsumer() {
	for {
		select {
		case evt := <-p.queue:
			p.bill(evt)
			metrics.MeteringQueueDepth.Set(float64(len(p.queue)))
		case <-p.stopCh:
			return
		}
	}
}

// bill applies the skip/attestation/period/cost rules to one queued
// event, per spec.md's six-step billing rule.
func (p *Pipeline) bill(evt billingEvent) {
	vm, err := p.store.GetVm(evt.VmID)
	if err != nil {
		p.logger.Warn().Err(err).Str("vm_id", evt.VmID).Msg("billing: vm lookup failed")
		return
	}

	isStop := evt.Trigger == TriggerVmStop
	if vm.Status != types.VmRunning && !isStop {
		return
	}
	if vm.IsSystemVm {
		return
	}

	verified, billingPaused := p.attestation.CheckLiveness(vm)
	if billingPaused && !isStop {
		vm.Billing.Paused = true
		vm.Billing.PauseReason = "attestation failure"
		_ = p.store.UpdateVm(vm)
		p.logger.Info().Str("vm_id", vm.ID).Msg("billing skipped: attestation paused")
		return
	}

	periodStart := vm.Billing.LastBilledAt
	if periodStart.IsZero() {
		periodStart = vm.Billing.CurrentPeriodStart
	}
	if periodStart.IsZero() && vm.StartedAt != nil {
		periodStart = *vm.StartedAt
	}
	if periodStart.IsZero() {
		periodStart = time.Now()
	}

	now := time.Now()
	period := now.Sub(periodStart)
	if period < minBillablePeriod && !isStop {
		return
	}

	periodHours := period.Hours()
	cost := vm.Billing.HourlyRate * periodHours
	if cost < minBillableCostUsd {
		return
	}

	ok, err := p.settlement.RecordUsage(vm.Owner, vm.ID, vm.NodeID, cost, periodStart, now, verified)
	if err != nil {
		p.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("record usage failed")
		return
	}
	if !ok {
		vm.Billing.Paused = true
		vm.Billing.PauseReason = "insufficient balance"
		_ = p.store.UpdateVm(vm)
		p.logger.Warn().Str("vm_id", vm.ID).Msg("billing paused: insufficient balance")
		return
	}

	rec := &types.UsageRecord{
		ID:                  uuid.NewString(),
		UserID:              vm.Owner,
		VmID:                vm.ID,
		NodeID:              vm.NodeID,
		AmountUsdc:          cost,
		PeriodStart:         periodStart,
		PeriodEnd:           now,
		AttestationVerified: verified,
	}
	if err := p.store.CreateUsageRecord(rec); err != nil {
		p.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("persist usage record failed")
		return
	}
	metrics.UsageRecordsTotal.WithLabelValues("recorded").Inc()

	vm.Billing.LastBilledAt = now
	vm.Billing.CurrentPeriodStart = now
	vm.Billing.TotalBilled += cost
	vm.Billing.Paused = false
	vm.Billing.PauseReason = ""
	if err := p.store.UpdateVm(vm); err != nil {
		p.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("persist billing cursor failed")
	}
}

func (p *Pipeline) runSettlementDriver() {
	interval := p.cfg.SettlementInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runSettlement()
		case <-p.stopCh:
			return
		}
	}
}

// batchKey groups usage records by the (userWallet, nodeWallet) pair a
// settlement batch is submitted for.
type batchKey struct {
	userWallet string
	nodeWallet string
}

// runSettlement groups unsettled usage records by (userWallet,
// nodeWallet), drops groups below the minimum settlement amount, and
// submits each group in chunks of at most MaxSettlementsPerBatch with a
// 2-5s gap between chunks to avoid RPC throttling.
func (p *Pipeline) runSettlement() {
	records, err := p.store.ListUnsettledUsageRecords()
	if err != nil {
		p.logger.Error().Err(err).Msg("list unsettled usage records failed")
		return
	}

	grouped := make(map[batchKey][]*types.UsageRecord)
	for _, rec := range records {
		key := batchKey{userWallet: rec.UserID, nodeWallet: rec.NodeID}
		grouped[key] = append(grouped[key], rec)
	}

	chunkSize := p.cfg.MaxSettlementsPerBatch
	if chunkSize <= 0 {
		chunkSize = 10
	}

	first := true
	for key, recs := range grouped {
		total := sumUsdc(recs)
		if total < p.cfg.MinSettlementAmount {
			continue
		}
		for start := 0; start < len(recs); start += chunkSize {
			end := start + chunkSize
			if end > len(recs) {
				end = len(recs)
			}
			if !first {
				time.Sleep(interBatchSpacing())
			}
			first = false
			p.submitChunk(key, recs[start:end])
		}
	}
}

func sumUsdc(records []*types.UsageRecord) float64 {
	var total float64
	for _, r := range records {
		total += r.AmountUsdc
	}
	return total
}

func interBatchSpacing() time.Duration {
	return minInterBatchDelay + time.Duration(rand.Int63n(int64(maxInterBatchDelay)))
}

func (p *Pipeline) submitChunk(key batchKey, recs []*types.UsageRecord) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}

	batch := &types.SettlementBatch{
		ID:         uuid.NewString(),
		UserWallet: key.userWallet,
		NodeWallet: key.nodeWallet,
		RecordIDs:  ids,
		TotalUsdc:  sumUsdc(recs),
		Status:     types.SettlementPending,
		CreatedAt:  time.Now(),
	}
	if err := p.store.CreateSettlementBatch(batch); err != nil {
		p.logger.Error().Err(err).Msg("persist settlement batch failed")
		return
	}
	metrics.SettlementBatchSize.Observe(float64(len(recs)))

	txHash, err := p.chain.SubmitBatch(batch, recs)
	if err != nil {
		batch.Status = types.SettlementFailed
		_ = p.store.UpdateSettlementBatch(batch)
		p.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("settlement chunk submission failed")
		return
	}

	now := time.Now()
	batch.Status = types.SettlementSent
	batch.TxHash = txHash
	batch.SettledAt = &now
	if err := p.store.UpdateSettlementBatch(batch); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("persist settled batch failed")
		return
	}
	if err := p.store.MarkUsageRecordsSettled(ids, batch.ID); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("mark usage records settled failed")
		return
	}

	p.logger.Info().Str("batch_id", batch.ID).Str("tx_hash", txHash).Int("count", len(recs)).Msg("settlement batch submitted")
}
