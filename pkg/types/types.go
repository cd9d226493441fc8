// Package types defines the data model shared by every control-plane
// component: nodes, virtual machines, routes, usage records and the
// mesh/relay bookkeeping that ties CGNAT nodes into the overlay network.
package types

import "time"

// NodeStatus is the liveness state the registry assigns to a node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "Online"
	NodeOffline  NodeStatus = "Offline"
	NodeDegraded NodeStatus = "Degraded"
)

// NatClass describes a node's reachability from the public Internet.
type NatClass string

const (
	NatNone           NatClass = "None" // node has a routable public IP
	NatCgnat          NatClass = "Cgnat"
	NatUnknown        NatClass = "Unknown"
	NatFullCone       NatClass = "FullCone"
	NatRestrictedCone NatClass = "RestrictedCone"
	NatPortRestricted NatClass = "PortRestricted"
	NatSymmetric      NatClass = "Symmetric"
)

// ObligationRole is a system-VM role a node may be required to host.
type ObligationRole string

const (
	RoleDht        ObligationRole = "Dht"
	RoleRelay      ObligationRole = "Relay"
	RoleBlockStore ObligationRole = "BlockStore"
	RoleIngress    ObligationRole = "Ingress"
)

// ObligationStatus tracks deployment progress of a system-VM obligation.
type ObligationStatus string

const (
	ObligationPending      ObligationStatus = "Pending"
	ObligationInitializing ObligationStatus = "Initializing"
	ObligationActive       ObligationStatus = "Active"
	ObligationFailed       ObligationStatus = "Failed"
)

// SystemVmObligation is one role a node has been assigned to host.
type SystemVmObligation struct {
	Role      ObligationRole   `json:"role"`
	Status    ObligationStatus `json:"status"`
	AuthToken string           `json:"authToken"`
	VmID      string           `json:"vmId,omitempty"`
}

// StorageDevice describes one block device advertised by a node.
type StorageDevice struct {
	Type      string `json:"type"` // ssd|hdd|nvme
	SizeBytes int64  `json:"sizeBytes"`
}

// HardwareInventory is what a node advertises at registration time.
type HardwareInventory struct {
	PhysicalCores  int             `json:"physicalCores"`
	MemoryBytes    int64           `json:"memoryBytes"`
	StorageDevices []StorageDevice `json:"storageDevices"`
	BandwidthMbps  int             `json:"bandwidthMbps"`
	GPUs           []string        `json:"gpus"`
	CPUModel       string          `json:"cpuModel"`
	BenchmarkScore float64         `json:"benchmarkScore"`
}

// TotalStorageBytes sums every advertised storage device.
func (h HardwareInventory) TotalStorageBytes() int64 {
	var total int64
	for _, d := range h.StorageDevices {
		total += d.SizeBytes
	}
	return total
}

// ResourceCounters tracks a node's capacity in the three units the
// scheduler reasons about: compute points, memory bytes, storage bytes.
type ResourceCounters struct {
	ComputePoints int64 `json:"computePoints"`
	MemoryBytes   int64 `json:"memoryBytes"`
	StorageBytes  int64 `json:"storageBytes"`
}

// PerformanceRecord is the Performance Evaluator's cached grading of a node.
type PerformanceRecord struct {
	PointsPerCore float64   `json:"pointsPerCore"`
	Tier          string    `json:"tier"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// DhtInfo records a node's DHT peer identity once its DHT VM has booted.
type DhtInfo struct {
	PeerID      string    `json:"peerId"`
	AdvertiseIP string    `json:"advertiseIp"`
	ReadyAt     time.Time `json:"readyAt"`
}

// RelayInfo is the bookkeeping for a node hosting a Relay system VM.
type RelayInfo struct {
	RelayVmID         string           `json:"relayVmId"`
	WireGuardEndpoint string           `json:"wireGuardEndpoint"`
	PublicKey         string           `json:"publicKey"`
	PrivateKey        string           `json:"privateKey"`
	TunnelIP          string           `json:"tunnelIp"`
	Subnet            int              `json:"subnet"` // 1..254, within 10.20.0.0/16
	MaxCapacity       int              `json:"maxCapacity"`
	CurrentLoad       int              `json:"currentLoad"`
	ConnectedNodeIDs  []string         `json:"connectedNodeIds"`
	Status            ObligationStatus `json:"status"`
	LastHealthCheck   time.Time        `json:"lastHealthCheck"`
	InitializingSince time.Time        `json:"initializingSince"`
}

// CgnatInfo is the bookkeeping for a node enrolled behind a relay.
type CgnatInfo struct {
	AssignedRelayNodeID string    `json:"assignedRelayNodeId"`
	TunnelIP            string    `json:"tunnelIp"`
	PrivateKey          string    `json:"privateKey"`
	PublicKey           string    `json:"publicKey"`
	WireGuardConfig     string    `json:"wireGuardConfig"`
	TunnelStatus        string    `json:"tunnelStatus"`
	LastHandshake       time.Time `json:"lastHandshake"`
}

// NodeHeartbeatMetrics is the latest self-reported utilization sample
// carried in a node's heartbeat.
type NodeHeartbeatMetrics struct {
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryUsedBytes int64     `json:"memoryUsedBytes"`
	LoadAverage     float64   `json:"loadAverage"`
	SampledAt       time.Time `json:"sampledAt"`
}

// Reputation tracks a node's hosting track record, consumed by the scheduler.
type Reputation struct {
	TotalVmsHosted          int64   `json:"totalVmsHosted"`
	SuccessfulVmCompletions int64   `json:"successfulVmCompletions"`
	UptimePercent           float64 `json:"uptimePercent"`
}

// Node is a registered worker host.
type Node struct {
	ID              string   `json:"id"`
	WalletAddress   string   `json:"walletAddress"`
	Name            string   `json:"name"`
	Region          string   `json:"region"`
	Zone            string   `json:"zone"`
	Status          NodeStatus `json:"status"`
	PublicIP        string   `json:"publicIp"`
	AgentPort       int      `json:"agentPort"`
	NatClass        NatClass `json:"natClass"`
	AgentVersion    string   `json:"agentVersion"`
	SupportedImages []string `json:"supportedImages"`
	// MachineID is the node's self-reported /etc/machine-id, used as the
	// HMAC key for its DHT VM's ready callback.
	MachineID string `json:"machineId,omitempty"`

	Hardware HardwareInventory `json:"hardware"`

	TotalResources    ResourceCounters `json:"totalResources"`
	ReservedResources ResourceCounters `json:"reservedResources"`

	Performance PerformanceRecord `json:"performance"`

	Obligations []SystemVmObligation `json:"obligations"`
	Dht         *DhtInfo              `json:"dht,omitempty"`
	Relay       *RelayInfo            `json:"relay,omitempty"`
	Cgnat       *CgnatInfo            `json:"cgnat,omitempty"`

	Reputation Reputation `json:"reputation"`

	LastHeartbeat time.Time            `json:"lastHeartbeat"`
	LastMetrics   NodeHeartbeatMetrics `json:"lastMetrics"`

	PushEnabled              bool      `json:"pushEnabled"`
	ConsecutivePushSuccesses int       `json:"consecutivePushSuccesses"`
	ConsecutivePushFailures  int       `json:"consecutivePushFailures"`
	LastCommandPushedAt      time.Time `json:"lastCommandPushedAt"`

	CreatedAt time.Time `json:"createdAt"`
}

// AvailableResources returns the unreserved portion of total resources.
func (n *Node) AvailableResources() ResourceCounters {
	return ResourceCounters{
		ComputePoints: n.TotalResources.ComputePoints - n.ReservedResources.ComputePoints,
		MemoryBytes:   n.TotalResources.MemoryBytes - n.ReservedResources.MemoryBytes,
		StorageBytes:  n.TotalResources.StorageBytes - n.ReservedResources.StorageBytes,
	}
}

// TunnelOrPublicIP returns the address other components should dial: the
// WireGuard tunnel IP when the node is behind CGNAT, else its public IP.
func (n *Node) TunnelOrPublicIP() string {
	if n.Cgnat != nil && n.Cgnat.TunnelIP != "" {
		return n.Cgnat.TunnelIP
	}
	return n.PublicIP
}

// QualityTier names one of the four VM service levels.
type QualityTier string

const (
	TierGuaranteed QualityTier = "Guaranteed"
	TierStandard   QualityTier = "Standard"
	TierBalanced   QualityTier = "Balanced"
	TierBurstable  QualityTier = "Burstable"
)

// TierDefinition is the pricing/overcommit profile for one quality tier.
type TierDefinition struct {
	Tier                   QualityTier `json:"tier" yaml:"tier"`
	MinimumBenchmark       float64     `json:"minimumBenchmark" yaml:"minimumBenchmark"`
	CPUOvercommitRatio     float64     `json:"cpuOvercommitRatio" yaml:"cpuOvercommitRatio"`
	StorageOvercommitRatio float64     `json:"storageOvercommitRatio" yaml:"storageOvercommitRatio"`
	PriceMultiplier        float64     `json:"priceMultiplier" yaml:"priceMultiplier"`
}

// VmStatus is the VM Lifecycle Manager's state-machine state.
type VmStatus string

const (
	VmPending      VmStatus = "Pending"
	VmScheduling   VmStatus = "Scheduling"
	VmProvisioning VmStatus = "Provisioning"
	VmRunning      VmStatus = "Running"
	VmStopping     VmStatus = "Stopping"
	VmStopped      VmStatus = "Stopped"
	VmError        VmStatus = "Error"
	VmDeleting     VmStatus = "Deleting"
	VmDeleted      VmStatus = "Deleted"
)

// PowerState mirrors the guest's observed power state.
type PowerState string

const (
	PowerOff     PowerState = "Off"
	PowerOn      PowerState = "On"
	PowerPending PowerState = "Pending"
)

// VmSpec is immutable once a VM is created.
type VmSpec struct {
	VCores           int         `json:"vCores"`
	MemoryBytes      int64       `json:"memoryBytes"`
	DiskBytes        int64       `json:"diskBytes"`
	Tier             QualityTier `json:"tier"`
	RequiresGPU      bool        `json:"requiresGpu"`
	BandwidthTier    string      `json:"bandwidthTier"`
	TemplateID       string      `json:"templateId,omitempty"`
	ComputePointCost int64       `json:"computePointCost"`
	ExposedPorts     []PortSpec  `json:"exposedPorts,omitempty"`

	// CloudInitUserData is the rendered cloud-init payload for system
	// VMs (Dht, Relay); empty for ordinary tenant VMs, which boot from
	// their template's own image.
	CloudInitUserData string `json:"cloudInitUserData,omitempty"`
}

// PortSpec is one port a template declares it wants exposed.
type PortSpec struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // tcp|udp|http|ws
}

// NetworkConfig is a VM's network identity.
type NetworkConfig struct {
	PrivateIP string `json:"privateIp,omitempty"`
	PublicIP  string `json:"publicIp,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// IngressConfig tracks a VM's exposure through the central ingress.
type IngressConfig struct {
	DefaultSubdomainEnabled bool     `json:"defaultSubdomainEnabled"`
	DefaultPort             int      `json:"defaultPort"`
	CustomDomains           []string `json:"customDomains,omitempty"`
}

// BillingInfo is the metering pipeline's per-VM billing cursor.
type BillingInfo struct {
	HourlyRate         float64   `json:"hourlyRate"`
	LastBilledAt       time.Time `json:"lastBilledAt"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	TotalBilled        float64   `json:"totalBilled"`
	Paused             bool      `json:"paused"`
	PauseReason        string    `json:"pauseReason,omitempty"`
}

// NetworkMetrics is the latency tracker's per-VM RTT state.
type NetworkMetrics struct {
	BaselineRttMs float64   `json:"baselineRttMs"`
	CurrentRttMs  float64   `json:"currentRttMs"`
	MinRttMs      float64   `json:"minRttMs"`
	MaxRttMs      float64   `json:"maxRttMs"`
	StdevRttMs    float64   `json:"stdevRttMs"`
	Samples       []float64 `json:"-"`
	LastMeasured  time.Time `json:"lastMeasured"`
}

// VmMetrics is the latest resource-usage snapshot reported by a node.
type VmMetrics struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryBytes int64     `json:"memoryBytes"`
	DiskBytes   int64     `json:"diskBytes"`
	SampledAt   time.Time `json:"sampledAt"`
}

// TemplateRef names the template (if any) a VM was created from.
type TemplateRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VirtualMachine is a tenant's guest VM.
type VirtualMachine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Owner  string `json:"owner"` // wallet-derived user id
	NodeID string `json:"nodeId,omitempty"`

	Spec VmSpec `json:"spec"`

	Status     VmStatus   `json:"status"`
	Message    string     `json:"message,omitempty"`
	PowerState PowerState `json:"powerState"`

	Network NetworkConfig `json:"network"`
	Ingress IngressConfig `json:"ingress"`
	Billing BillingInfo   `json:"billing"`

	Metrics        VmMetrics      `json:"metrics"`
	NetworkMetrics NetworkMetrics `json:"networkMetrics"`

	Template *TemplateRef `json:"template,omitempty"`

	// IsSystemVm marks DHT/Relay/BlockStore/Ingress VMs: excluded from
	// general-purpose billing and user-facing listings.
	IsSystemVm bool           `json:"isSystemVm"`
	SystemRole ObligationRole `json:"systemRole,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// HasLabel reports whether the VM carries the given label key/value.
func (vm *VirtualMachine) HasLabel(key, value string) bool {
	if vm.Labels == nil {
		return false
	}
	return vm.Labels[key] == value
}

// SetLabel assigns a label, creating the map if necessary.
func (vm *VirtualMachine) SetLabel(key, value string) {
	if vm.Labels == nil {
		vm.Labels = make(map[string]string)
	}
	vm.Labels[key] = value
}

// RouteStatus is the lifecycle state of an ingress route.
type RouteStatus string

const (
	RouteActive     RouteStatus = "Active"
	RoutePaused     RouteStatus = "Paused"
	RoutePendingDns RouteStatus = "PendingDns"
	RouteError      RouteStatus = "Error"
)

// Route is a default *.baseDomain subdomain route for one VM.
type Route struct {
	ID         string      `json:"id"`
	VmID       string      `json:"vmId"`
	Subdomain  string      `json:"subdomain"`
	TargetHost string      `json:"targetHost"`
	TargetPort int         `json:"targetPort"`
	Status     RouteStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// CustomDomain is a tenant-supplied domain pointed at one VM.
type CustomDomain struct {
	ID         string      `json:"id"`
	VmID       string      `json:"vmId"`
	Domain     string      `json:"domain"` // always stored lower-cased
	TargetPort int         `json:"targetPort"`
	Status     RouteStatus `json:"status"`
	VerifiedAt *time.Time  `json:"verifiedAt,omitempty"`
}

// CommandType enumerates the commands the orchestrator can push to a node.
type CommandType string

const (
	CommandCreateVm        CommandType = "CreateVm"
	CommandStartVm         CommandType = "StartVm"
	CommandStopVm          CommandType = "StopVm"
	CommandDeleteVm        CommandType = "DeleteVm"
	CommandSignCertificate CommandType = "SignCertificate"
)

// NodeCommand is one entry in a node's pending-command queue.
type NodeCommand struct {
	ID          string      `json:"id"`
	Type        CommandType `json:"type"`
	PayloadJSON string      `json:"payloadJson"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
}

// UsageRecord is one billable interval recorded by the metering pipeline.
type UsageRecord struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	VmID                string    `json:"vmId"`
	NodeID              string    `json:"nodeId"` // receiving wallet
	AmountUsdc          float64   `json:"amountUsdc"`
	PeriodStart         time.Time `json:"periodStart"`
	PeriodEnd           time.Time `json:"periodEnd"`
	AttestationVerified bool      `json:"attestationVerified"`
	Settled             bool      `json:"settled"`
	SettlementTxHash    string    `json:"settlementTxHash,omitempty"`
}

// SettlementStatus is the lifecycle state of a settlement batch.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "Pending"
	SettlementSent    SettlementStatus = "Sent"
	SettlementFailed  SettlementStatus = "Failed"
)

// SettlementBatch groups usage records for one on-chain settlement tx.
type SettlementBatch struct {
	ID         string           `json:"id"`
	UserWallet string           `json:"userWallet"`
	NodeWallet string           `json:"nodeWallet"`
	RecordIDs  []string         `json:"recordIds"`
	TotalUsdc  float64          `json:"totalUsdc"`
	Status     SettlementStatus `json:"status"`
	TxHash     string           `json:"txHash,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	SettledAt  *time.Time       `json:"settledAt,omitempty"`
}

// NodeAuthToken is a hashed bearer credential issued to a node at
// registration time. The raw token is never persisted.
type NodeAuthToken struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"nodeId"`
	TokenHash  string    `json:"tokenHash"` // hex SHA-256
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	IsRevoked  bool      `json:"isRevoked"`
}

// User is a tenant identified by their wallet address.
type User struct {
	ID        string    `json:"id"` // checksum-normalized wallet address
	CreatedAt time.Time `json:"createdAt"`
	Suspended bool      `json:"suspended"`
}

// RefreshToken is an opaque, long-lived credential issued alongside a
// user's JWT access token so the user-facing API can mint new access
// tokens without re-running wallet-signature login.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TokenHash string    `json:"tokenHash"` // hex SHA-256 of the raw opaque token
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// ApiKey is a long-lived bearer credential alternative to wallet-signature
// login, prefixed "dc_" for display and lookup; only its SHA-256 hash is
// persisted.
type ApiKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Prefix     string    `json:"prefix"` // first 8 chars after "dc_", used for lookup
	KeyHash    string    `json:"keyHash"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	Revoked    bool      `json:"revoked"`
}

// Template is a reusable VM image + default spec + declared ports.
type Template struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CategoryID     string     `json:"categoryId,omitempty"`
	ExposedPorts   []PortSpec `json:"exposedPorts"`
	OneShotFeeUsdc float64    `json:"oneShotFeeUsdc"`
}

// TemplateCategory groups templates for marketplace browsing.
type TemplateCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
