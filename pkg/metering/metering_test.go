package metering

import (
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettlement struct {
	ok       bool
	recorded int
}

func (f *fakeSettlement) RecordUsage(string, string, string, float64, time.Time, time.Time, bool) (bool, error) {
	f.recorded++
	return f.ok, nil
}

type fakeChain struct {
	submitted int
}

func (f *fakeChain) SubmitBatch(*types.SettlementBatch, []*types.UsageRecord) (string, error) {
	f.submitted++
	return "tx-test", nil
}

func testPipeline(store storage.Store, settlement SettlementService, chain ChainClient) *Pipeline {
	return NewPipeline(store, config.Default(), nil, nil, settlement, chain)
}

func runningVm(id string, startedAgo time.Duration) *types.VirtualMachine {
	start := time.Now().Add(-startedAgo)
	return &types.VirtualMachine{
		ID:     id,
		Owner:  "owner-1",
		NodeID: "node-1",
		Status: types.VmRunning,
		Billing: types.BillingInfo{
			HourlyRate:         1.0,
			CurrentPeriodStart: start,
		},
		StartedAt: &start,
	}
}

func TestBillSkipsNonRunningVmWithoutStopTrigger(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 2*time.Hour)
	vm.Status = types.VmPending
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	assert.Equal(t, 0, settlement.recorded)
}

func TestBillSkipsSystemVm(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 2*time.Hour)
	vm.IsSystemVm = true
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	assert.Equal(t, 0, settlement.recorded)
}

func TestBillSkipsPeriodUnderOneMinute(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 10*time.Second)
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	assert.Equal(t, 0, settlement.recorded)
}

func TestBillSkipsCostBelowMinimum(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 2*time.Minute)
	vm.Billing.HourlyRate = 0.0001
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	assert.Equal(t, 0, settlement.recorded)
}

func TestBillRecordsUsageAndAdvancesCursor(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 2*time.Hour)
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	assert.Equal(t, 1, settlement.recorded)
	updated, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.False(t, updated.Billing.Paused)
	assert.Greater(t, updated.Billing.TotalBilled, 0.0)

	recs, err := store.ListUnsettledUsageRecords()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "vm-1", recs[0].VmID)
}

func TestBillPausesOnInsufficientBalance(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 2*time.Hour)
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: false}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerPeriodic})

	updated, err := store.GetVm("vm-1")
	require.NoError(t, err)
	assert.True(t, updated.Billing.Paused)
	assert.Equal(t, "insufficient balance", updated.Billing.PauseReason)
}

func TestBillsStoppedVmOnVmStopTriggerBelowMinimumPeriod(t *testing.T) {
	store := storage.NewMemStore()
	vm := runningVm("vm-1", 10*time.Second)
	vm.Status = types.VmStopped
	vm.Billing.HourlyRate = 10.0 // 10s at 10/h is ~0.028, above the 0.01 cost floor
	require.NoError(t, store.CreateVm(vm))

	settlement := &fakeSettlement{ok: true}
	p := testPipeline(store, settlement, &fakeChain{})
	p.bill(billingEvent{VmID: "vm-1", Trigger: TriggerVmStop})

	assert.Equal(t, 1, settlement.recorded)
}

func TestRunSettlementChunksAndSubmitsUnsettledRecords(t *testing.T) {
	store := storage.NewMemStore()
	for i := 0; i < 3; i++ {
		rec := &types.UsageRecord{
			ID:          "rec-" + string(rune('a'+i)),
			UserID:      "owner-1",
			VmID:        "vm-1",
			NodeID:      "node-1",
			AmountUsdc:  2.0,
			PeriodStart: time.Now().Add(-time.Hour),
			PeriodEnd:   time.Now(),
		}
		require.NoError(t, store.CreateUsageRecord(rec))
	}

	chain := &fakeChain{}
	cfg := config.Default()
	cfg.MinSettlementAmount = 0.5
	cfg.MaxSettlementsPerBatch = 10
	p := NewPipeline(store, cfg, nil, nil, &fakeSettlement{ok: true}, chain)
	p.runSettlement()

	assert.Equal(t, 1, chain.submitted)
	batches, err := store.ListSettlementBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, types.SettlementSent, batches[0].Status)

	recs, err := store.ListUnsettledUsageRecords()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunSettlementSkipsGroupBelowMinimum(t *testing.T) {
	store := storage.NewMemStore()
	rec := &types.UsageRecord{
		ID:          "rec-small",
		UserID:      "owner-1",
		VmID:        "vm-1",
		NodeID:      "node-1",
		AmountUsdc:  0.1,
		PeriodStart: time.Now().Add(-time.Hour),
		PeriodEnd:   time.Now(),
	}
	require.NoError(t, store.CreateUsageRecord(rec))

	chain := &fakeChain{}
	cfg := config.Default()
	cfg.MinSettlementAmount = 1.0
	p := NewPipeline(store, cfg, nil, nil, &fakeSettlement{ok: true}, chain)
	p.runSettlement()

	assert.Equal(t, 0, chain.submitted)
}
