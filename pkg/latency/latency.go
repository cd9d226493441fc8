package latency

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	trackInterval     = 30 * time.Second
	calibrationSample = 5
	calibrationGap    = time.Second
	emaAlpha          = 0.3
	rollingWindow     = 10
	probeTimeout      = 5 * time.Second
	icmpTimeout       = 2 * time.Second
	agentHealthPath   = "/api/node/health"
	vmAttestPort      = 9999
	vmAttestPath      = "/health"
	fallbackAgentPort = 7946
)

// Tracker is the Latency Tracker: it measures VM round-trip time by
// probing the VM's own attestation agent when reachable, falling back to
// the hosting node's agent, and maintains baseline/EMA/rolling stats.
type Tracker struct {
	store      storage.Store
	cfg        *config.Config
	httpClient *http.Client
	logger     zerolog.Logger
	stopCh     chan struct{}
}

// NewTracker creates a latency tracker.
func NewTracker(store storage.Store, cfg *config.Config) *Tracker {
	return &Tracker{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: probeTimeout},
		logger:     log.WithComponent("latency"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic tracking loop.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the tracking loop.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

func (t *Tracker) run() {
	ticker := time.NewTicker(trackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.trackAll()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) trackAll() {
	vms, err := t.store.ListVms()
	if err != nil {
		t.logger.Error().Err(err).Msg("list vms for latency tracking failed")
		return
	}
	for _, vm := range vms {
		if vm.Status != types.VmRunning {
			continue
		}
		if err := t.MeasureRtt(vm.ID); err != nil {
			t.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("rtt measurement failed")
		}
	}
}

// probeTarget picks the address and protocol the tracker should dial for
// a VM: the VM's attestation agent at {vmIp}:9999/health when a public
// VM IP is known, otherwise the hosting node's agent over HTTP.
func (t *Tracker) probeTarget(vm *types.VirtualMachine, node *types.Node) (url string, useICMP bool, icmpHost string) {
	if vm.Network.PublicIP != "" && node.NatClass == types.NatNone {
		return fmt.Sprintf("http://%s:%d%s", vm.Network.PublicIP, vmAttestPort, vmAttestPath), false, vm.Network.PublicIP
	}
	host := node.TunnelOrPublicIP()
	port := node.AgentPort
	if port == 0 {
		port = fallbackAgentPort
	}
	return fmt.Sprintf("http://%s:%d%s", host, port, agentHealthPath), false, host
}

// MeasureRtt probes a VM once, folding the sample into its rolling
// baseline/EMA/min/max/stdev state.
func (t *Tracker) MeasureRtt(vmID string) error {
	vm, err := t.store.GetVm(vmID)
	if err != nil {
		return fmt.Errorf("get vm: %w", err)
	}
	node, err := t.store.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("get node: %w", err)
	}

	sampleMs, err := t.probeOnce(vm, node)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	nm := &vm.NetworkMetrics
	if nm.BaselineRttMs == 0 {
		if err := t.calibrate(vm, node, nm); err != nil {
			t.logger.Warn().Err(err).Str("vm_id", vmID).Msg("baseline calibration failed, using first sample")
			nm.BaselineRttMs = sampleMs
		}
	}

	foldSample(nm, sampleMs)
	metrics.VmRttMs.Observe(sampleMs)

	return t.store.UpdateVm(vm)
}

// calibrate takes calibrationSample probes 1s apart and sets the median
// as the VM's baseline RTT.
func (t *Tracker) calibrate(vm *types.VirtualMachine, node *types.Node, nm *types.NetworkMetrics) error {
	samples := make([]float64, 0, calibrationSample)
	for i := 0; i < calibrationSample; i++ {
		ms, err := t.probeOnce(vm, node)
		if err != nil {
			return err
		}
		samples = append(samples, ms)
		if i < calibrationSample-1 {
			time.Sleep(calibrationGap)
		}
	}
	sort.Float64s(samples)
	nm.BaselineRttMs = samples[len(samples)/2]
	return nil
}

func (t *Tracker) probeOnce(vm *types.VirtualMachine, node *types.Node) (float64, error) {
	url, useICMP, icmpHost := t.probeTarget(vm, node)
	if !useICMP {
		ms, err := t.probeHTTP(url)
		if err == nil {
			return ms, nil
		}
		t.logger.Debug().Err(err).Str("url", url).Msg("http rtt probe failed, falling back to icmp")
	}
	return t.probeICMP(icmpHost)
}

func (t *Tracker) probeHTTP(url string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return float64(elapsed.Microseconds()) / 1000.0, nil
}

// probeICMP sends a single ICMP echo and times the reply. Used when the
// HTTP health endpoint is unreachable — a VM can be alive at the network
// layer while its attestation agent is down.
func (t *Tracker) probeICMP(host string) (float64, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(time.Now().UnixNano() & 0xffff), Seq: 1, Data: []byte("orchestrator-rtt")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal icmp echo: %w", err)
	}

	dst, err := resolveIP(host)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("send icmp echo: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(icmpTimeout)); err != nil {
		return 0, err
	}
	rb := make([]byte, 1500)
	n, _, err := conn.ReadFrom(rb)
	if err != nil {
		return 0, fmt.Errorf("read icmp reply: %w", err)
	}
	elapsed := time.Since(start)

	if _, err := icmp.ParseMessage(1, rb[:n]); err != nil {
		return 0, fmt.Errorf("parse icmp reply: %w", err)
	}
	return float64(elapsed.Microseconds()) / 1000.0, nil
}

func resolveIP(host string) (*net.IPAddr, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	return addr, nil
}

// foldSample applies the EMA and rolling-window update to a new sample.
func foldSample(nm *types.NetworkMetrics, sampleMs float64) {
	if nm.CurrentRttMs == 0 {
		nm.CurrentRttMs = sampleMs
	} else {
		nm.CurrentRttMs = emaAlpha*sampleMs + (1-emaAlpha)*nm.CurrentRttMs
	}

	nm.Samples = append(nm.Samples, sampleMs)
	if len(nm.Samples) > rollingWindow {
		nm.Samples = nm.Samples[len(nm.Samples)-rollingWindow:]
	}

	nm.MinRttMs, nm.MaxRttMs = nm.Samples[0], nm.Samples[0]
	var sum float64
	for _, s := range nm.Samples {
		if s < nm.MinRttMs {
			nm.MinRttMs = s
		}
		if s > nm.MaxRttMs {
			nm.MaxRttMs = s
		}
		sum += s
	}
	mean := sum / float64(len(nm.Samples))
	var variance float64
	for _, s := range nm.Samples {
		variance += (s - mean) * (s - mean)
	}
	nm.StdevRttMs = math.Sqrt(variance / float64(len(nm.Samples)))
	nm.LastMeasured = time.Now()
}
