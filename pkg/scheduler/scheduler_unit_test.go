package scheduler

import (
	"testing"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestFractionRemainingClampsToUnitInterval(t *testing.T) {
	assert.Equal(t, 0.5, fractionRemaining(50, 100))
	assert.Equal(t, 0.0, fractionRemaining(-10, 100))
	assert.Equal(t, 1.0, fractionRemaining(150, 100))
	assert.Equal(t, 0.0, fractionRemaining(10, 0))
}

func TestReputationOfNewNodeIsNeutral(t *testing.T) {
	assert.Equal(t, 0.5, reputationOf(types.Reputation{}))
}

func TestReputationOfRewardsCompletionsAndUptime(t *testing.T) {
	perfect := reputationOf(types.Reputation{TotalVmsHosted: 200, SuccessfulVmCompletions: 200, UptimePercent: 100})
	assert.Equal(t, 1.0, perfect)

	poor := reputationOf(types.Reputation{TotalVmsHosted: 100, SuccessfulVmCompletions: 10, UptimePercent: 50})
	assert.Less(t, poor, perfect)
}

func TestLocalityOfRegionHintMatch(t *testing.T) {
	vm := &types.VirtualMachine{Labels: map[string]string{regionHintLabel: "eu-west"}}
	node := &types.Node{Region: "eu-west", Zone: "eu-west-1a"}
	assert.Equal(t, 1.0, localityOf(vm, node))
}

func TestLocalityOfZoneHintMatch(t *testing.T) {
	vm := &types.VirtualMachine{Labels: map[string]string{zoneHintLabel: "eu-west-1a"}}
	node := &types.Node{Region: "eu-west", Zone: "eu-west-1a"}
	assert.Equal(t, 0.5, localityOf(vm, node))
}

func TestLocalityOfNoHintIsZero(t *testing.T) {
	vm := &types.VirtualMachine{}
	node := &types.Node{Region: "eu-west", Zone: "eu-west-1a"}
	assert.Equal(t, 0.0, localityOf(vm, node))
}
