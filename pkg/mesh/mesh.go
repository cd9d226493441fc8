package mesh

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/cloudinit"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	relayListenPort    = 51820
	relayAdminPort     = 8080
	firstSubnet        = 1
	lastSubnet         = 254
	maxCgnatPerRelay   = 252
	relayHealthTimeout = 10 * time.Second
	relayAddPeerPath   = "/api/relay/add-peer"
	relayWireguardPath = "/api/relay/wireguard"
	relayHealthPath    = "/health"
)

// Dispatcher enqueues a command for delivery to a node. Mesh only needs
// the narrow signature command delivery already implements.
type Dispatcher interface {
	Dispatch(nodeID string, cmd types.NodeCommand) error
}

// Manager owns WireGuard key generation, relay subnet allocation, CGNAT
// enrollment, and relay health monitoring/failover.
type Manager struct {
	store      storage.Store
	cfg        *config.Config
	dispatcher Dispatcher
	lifecycle  *lifecycle.Manager
	broker     *events.Broker
	httpClient *http.Client
	logger     zerolog.Logger

	mu sync.Mutex

	stopCh chan struct{}
}

// NewManager creates a mesh manager bound to the given collaborators.
func NewManager(store storage.Store, cfg *config.Config, dispatcher Dispatcher, lc *lifecycle.Manager, broker *events.Broker) *Manager {
	return &Manager{
		store:      store,
		cfg:        cfg,
		dispatcher: dispatcher,
		lifecycle:  lc,
		broker:     broker,
		httpClient: &http.Client{Timeout: relayHealthTimeout},
		logger:     log.WithComponent("mesh"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the relay health-check loop.
func (m *Manager) Start() {
	go m.runHealthLoop()
}

// Stop halts the relay health-check loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) runHealthLoop() {
	ticker := time.NewTicker(m.cfg.RelayHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAllRelays()
		case <-m.stopCh:
			return
		}
	}
}

// allocateSubnet returns the first /24 within 10.20.0.0/16 not already
// claimed by another relay.
func (m *Manager) allocateSubnet() (int, error) {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return 0, fmt.Errorf("list nodes for subnet allocation: %w", err)
	}
	used := make(map[int]bool)
	for _, n := range nodes {
		if n.Relay != nil {
			used[n.Relay.Subnet] = true
		}
	}
	for s := firstSubnet; s <= lastSubnet; s++ {
		if !used[s] {
			return s, nil
		}
	}
	return 0, orcherr.New(orcherr.KindCapacityExhausted, "no free /24 subnet within 10.20.0.0/16")
}

// relayMaxCapacity tiers a relay's advertised CGNAT capacity by the
// hosting node's compute points: more headroom on the node, more tunnels
// the relay VM is expected to carry.
func relayMaxCapacity(computePoints int64) int {
	switch {
	case computePoints >= 16:
		return 200
	case computePoints >= 8:
		return 100
	default:
		return 50
	}
}

// DeployRelay allocates a subnet, generates a WireGuard keypair, renders
// the relay's cloud-init payload and submits it to node directly
// (bypassing the scheduler: the node is already fixed by the obligation,
// not chosen by placement scoring).
func (m *Manager) DeployRelay(node *types.Node) error {
	m.mu.Lock()
	subnet, err := m.allocateSubnet()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate relay wireguard key: %w", err)
	}
	publicKey := privateKey.PublicKey()
	tunnelIP := fmt.Sprintf("10.20.%d.254", subnet)

	userData, err := cloudinit.Render(types.RoleRelay, cloudinit.Params{
		NodeID:              node.ID,
		Region:              node.Region,
		TunnelIP:            tunnelIP,
		WireGuardPrivateKey: privateKey.String(),
		RelaySubnet:         subnet,
	})
	if err != nil {
		return fmt.Errorf("render relay cloud-init: %w", err)
	}

	vm := &types.VirtualMachine{
		ID:         uuid.NewString(),
		Name:       fmt.Sprintf("relay-%s", node.ID),
		Owner:      "system",
		NodeID:     node.ID,
		Status:     types.VmPending,
		IsSystemVm: true,
		SystemRole: types.RoleRelay,
		Spec: types.VmSpec{
			VCores:            1,
			MemoryBytes:       512 << 20,
			DiskBytes:         2 << 30,
			Tier:              types.TierGuaranteed,
			ComputePointCost:  1,
			CloudInitUserData: userData,
		},
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateVm(vm); err != nil {
		return fmt.Errorf("persist relay vm: %w", err)
	}

	if ok := m.lifecycle.Transition(vm.ID, types.VmProvisioning, lifecycle.TransitionContext{Trigger: lifecycle.TriggerManual, Message: "relay obligation deployment"}); !ok {
		return orcherr.New(orcherr.KindInvalidTransition, "relay vm could not enter provisioning")
	}

	if m.dispatcher != nil {
		payload, err := json.Marshal(vm)
		if err != nil {
			return fmt.Errorf("marshal relay vm payload: %w", err)
		}
		if err := m.dispatcher.Dispatch(node.ID, types.NodeCommand{
			ID:          uuid.NewString(),
			Type:        types.CommandCreateVm,
			PayloadJSON: string(payload),
			EnqueuedAt:  time.Now(),
		}); err != nil {
			return fmt.Errorf("dispatch relay create command: %w", err)
		}
	}

	node.Relay = &types.RelayInfo{
		RelayVmID:         vm.ID,
		PublicKey:         publicKey.String(),
		PrivateKey:        privateKey.String(),
		TunnelIP:          tunnelIP,
		Subnet:            subnet,
		MaxCapacity:       relayMaxCapacity(node.TotalResources.ComputePoints),
		Status:            types.ObligationInitializing,
		InitializingSince: time.Now(),
	}
	if node.PublicIP != "" {
		node.Relay.WireGuardEndpoint = fmt.Sprintf("%s:%d", node.PublicIP, relayListenPort)
	}
	setObligationStatus(node, types.RoleRelay, types.ObligationInitializing, vm.ID)
	if err := m.store.UpdateNode(node); err != nil {
		return fmt.Errorf("persist node relay info: %w", err)
	}

	metrics.RelaysTotal.WithLabelValues(string(types.ObligationInitializing)).Inc()
	m.logger.Info().Str("node_id", node.ID).Int("subnet", subnet).Msg("relay deployment submitted")
	return nil
}

func setObligationStatus(node *types.Node, role types.ObligationRole, status types.ObligationStatus, vmID string) {
	for i := range node.Obligations {
		if node.Obligations[i].Role == role {
			node.Obligations[i].Status = status
			if vmID != "" {
				node.Obligations[i].VmID = vmID
			}
			return
		}
	}
}

// relayScore ranks a candidate relay for CGNAT enrollment: region/zone
// match, spare headroom, and current load all favor a relay.
func relayScore(relay *types.Node, candidate *types.Node) float64 {
	score := 100.0
	if relay.Region == candidate.Region {
		score += 50
	}
	if relay.Zone == candidate.Zone {
		score += 25
	}
	load := float64(relay.Relay.CurrentLoad)
	capacity := float64(relay.Relay.MaxCapacity)
	if capacity > 0 {
		score += (1 - load/capacity) * 30
	}
	headroom := capacity - load
	if headroom < 0 {
		headroom = 0
	}
	bonus := headroom / 5
	if bonus > 20 {
		bonus = 20
	}
	score += bonus
	return score
}

// selectRelay picks the best Online, Active, non-full relay for candidate.
func (m *Manager) selectRelay(candidate *types.Node) (*types.Node, error) {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return nil, err
	}
	var best *types.Node
	var bestScore float64
	for _, n := range nodes {
		if n.Status != types.NodeOnline || n.Relay == nil {
			continue
		}
		if n.Relay.Status != types.ObligationActive {
			continue
		}
		if n.Relay.CurrentLoad >= n.Relay.MaxCapacity {
			continue
		}
		s := relayScore(n, candidate)
		if best == nil || s > bestScore {
			best = n
			bestScore = s
		}
	}
	if best == nil {
		return nil, orcherr.New(orcherr.KindCapacityExhausted, "no relay available for cgnat enrollment")
	}
	return best, nil
}

// nextCgnatHost returns the next free host (2..253) within a relay's
// /24, assigned sequentially by current enrollment count.
func nextCgnatHost(relay *types.Node) (int, error) {
	taken := len(relay.Relay.ConnectedNodeIDs)
	if taken >= maxCgnatPerRelay {
		return 0, orcherr.New(orcherr.KindCapacityExhausted, "relay subnet has no free cgnat host")
	}
	return 2 + taken, nil
}

// EnrollCgnat assigns node (which has no public IP) a relay, allocates
// a tunnel IP within that relay's subnet, generates a WireGuard keypair
// and registers the peer with the relay's admin API.
func (m *Manager) EnrollCgnat(node *types.Node) error {
	relay, err := m.selectRelay(node)
	if err != nil {
		return err
	}

	host, err := nextCgnatHost(relay)
	if err != nil {
		return err
	}
	tunnelIP := fmt.Sprintf("10.20.%d.%d", relay.Relay.Subnet, host)

	privateKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate cgnat wireguard key: %w", err)
	}
	publicKey := privateKey.PublicKey()

	wgConfig := fmt.Sprintf(
		"[Interface]\nPrivateKey = %s\nAddress = %s/32\n\n[Peer]\nPublicKey = %s\nEndpoint = %s\nAllowedIPs = 10.20.0.0/16\nPersistentKeepalive = 25\n",
		privateKey.String(), tunnelIP, relay.Relay.PublicKey, relay.Relay.WireGuardEndpoint,
	)

	if err := m.addPeerToRelay(relay, publicKey.String(), tunnelIP); err != nil {
		return fmt.Errorf("register peer with relay: %w", err)
	}

	node.Cgnat = &types.CgnatInfo{
		AssignedRelayNodeID: relay.ID,
		TunnelIP:            tunnelIP,
		PrivateKey:          privateKey.String(),
		PublicKey:           publicKey.String(),
		WireGuardConfig:     wgConfig,
		TunnelStatus:        "pending",
	}
	if err := m.store.UpdateNode(node); err != nil {
		return fmt.Errorf("persist node cgnat info: %w", err)
	}

	relay.Relay.CurrentLoad++
	relay.Relay.ConnectedNodeIDs = append(relay.Relay.ConnectedNodeIDs, node.ID)
	if err := m.store.UpdateNode(relay); err != nil {
		return fmt.Errorf("persist relay load: %w", err)
	}

	m.logger.Info().Str("node_id", node.ID).Str("relay_id", relay.ID).Str("tunnel_ip", tunnelIP).Msg("node enrolled behind relay")
	return nil
}

// VerifyRelayReady authenticates a relay VM's "/api/relay/ready"
// callback: the HMAC-SHA256 of "nodeId:relayVmId" keyed by the relay's
// own WireGuard private key must match providedMAC (hex-encoded). On
// success it flips the relay obligation Active.
func (m *Manager) VerifyRelayReady(nodeID, relayVmID, providedMAC string) error {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("verify relay ready: %w", err)
	}
	if node.Relay == nil || node.Relay.PrivateKey == "" {
		return orcherr.New(orcherr.KindSecurityFailure, "node has no relay key on record")
	}
	if node.Relay.RelayVmID != relayVmID {
		return orcherr.New(orcherr.KindSecurityFailure, "relay vm id does not match node's relay obligation")
	}

	mac := hmac.New(sha256.New, []byte(node.Relay.PrivateKey))
	mac.Write([]byte(nodeID + ":" + relayVmID))
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(providedMAC)
	if err != nil || !hmac.Equal(expected, provided) {
		return orcherr.New(orcherr.KindSecurityFailure, "relay ready callback hmac mismatch")
	}

	node.Relay.Status = types.ObligationActive
	setObligationStatus(node, types.RoleRelay, types.ObligationActive, relayVmID)
	if err := m.store.UpdateNode(node); err != nil {
		return fmt.Errorf("persist relay ready state: %w", err)
	}
	metrics.RelaysTotal.WithLabelValues(string(types.ObligationActive)).Inc()
	m.logger.Info().Str("node_id", nodeID).Str("relay_vm_id", relayVmID).Msg("relay obligation active")
	return nil
}

type addPeerRequest struct {
	PublicKey           string `json:"publicKey"`
	TunnelIP            string `json:"tunnelIp"`
	AllowedIPs          string `json:"allowedIps"`
	PersistentKeepalive int    `json:"persistentKeepalive"`
	Description         string `json:"description"`
}

func (m *Manager) addPeerToRelay(relay *types.Node, publicKey, tunnelIP string) error {
	body, err := json.Marshal(addPeerRequest{
		PublicKey:           publicKey,
		TunnelIP:            tunnelIP,
		AllowedIPs:          "10.20.0.0/16",
		PersistentKeepalive: 25,
		Description:         "cgnat enrollment",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d%s", relay.Relay.TunnelIP, relayAdminPort, relayAddPeerPath)
	ctx, cancel := context.WithTimeout(context.Background(), relayHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return orcherr.New(orcherr.KindConfiguration, fmt.Sprintf("relay add-peer returned status %d", resp.StatusCode))
	}
	return nil
}

// checkAllRelays runs one health-check pass over every node hosting a
// relay obligation.
func (m *Manager) checkAllRelays() {
	nodes, err := m.store.ListNodes()
	if err != nil {
		m.logger.Error().Err(err).Msg("list nodes for relay health check failed")
		return
	}
	for _, n := range nodes {
		if n.Relay == nil {
			continue
		}
		m.checkRelay(n)
	}
}

func (m *Manager) checkRelay(node *types.Node) {
	relay := node.Relay
	if relay.Status == types.ObligationInitializing && time.Since(relay.InitializingSince) < m.cfg.RelayInitializationTimeout {
		return
	}

	healthy := m.probeRelayHealth(relay.TunnelIP)
	relay.LastHealthCheck = time.Now()

	switch {
	case healthy && relay.Status != types.ObligationActive:
		relay.Status = types.ObligationActive
		metrics.RelayHealthChecksTotal.WithLabelValues("recovered").Inc()
	case healthy:
		metrics.RelayHealthChecksTotal.WithLabelValues("healthy").Inc()
	case relay.Status == types.ObligationActive:
		relay.Status = types.ObligationInitializing // degraded: treated as not-yet-Active until it recovers
		metrics.RelayHealthChecksTotal.WithLabelValues("degraded").Inc()
	default:
		relay.Status = types.ObligationFailed
		metrics.RelayHealthChecksTotal.WithLabelValues("offline").Inc()
		m.failoverRelay(node)
	}

	metrics.RelaysTotal.WithLabelValues(string(relay.Status)).Inc()
	if err := m.store.UpdateNode(node); err != nil {
		m.logger.Error().Err(err).Str("node_id", node.ID).Msg("persist relay health state failed")
	}
}

func (m *Manager) probeRelayHealth(tunnelIP string) bool {
	url := fmt.Sprintf("http://%s%s", tunnelIP, relayHealthPath)
	ctx, cancel := context.WithTimeout(context.Background(), relayHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// failoverRelay reassigns every node enrolled behind a newly-Offline
// relay to a new one, abandoning enrollment only when no alternative
// relay exists.
func (m *Manager) failoverRelay(offlineRelay *types.Node) {
	for _, nodeID := range offlineRelay.Relay.ConnectedNodeIDs {
		node, err := m.store.GetNode(nodeID)
		if err != nil {
			continue
		}
		node.Cgnat = nil
		if err := m.EnrollCgnat(node); err != nil {
			m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("relay failover: no alternative relay available")
			continue
		}
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				Type:    events.EventRelayFailover,
				Message: fmt.Sprintf("node %s failed over from offline relay %s", nodeID, offlineRelay.ID),
				Metadata: map[string]string{
					"node_id":      nodeID,
					"old_relay_id": offlineRelay.ID,
				},
			})
		}
	}
	offlineRelay.Relay.ConnectedNodeIDs = nil
	offlineRelay.Relay.CurrentLoad = 0
	_ = m.store.UpdateNode(offlineRelay)
}
