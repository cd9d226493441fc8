// Package config loads the orchestrator's configuration: defaults, then an
// optional YAML file, then ORCH_*-prefixed environment variables. CLI flags
// are not overlaid onto Config; cmd/orchestrator reads its own flags
// (config path, log level, log format) directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// ScoringWeights are the scheduler's multi-factor placement weights.
type ScoringWeights struct {
	Capacity   float64 `yaml:"capacity"`
	Load       float64 `yaml:"load"`
	Reputation float64 `yaml:"reputation"`
	Locality   float64 `yaml:"locality"`
}

// Config is the orchestrator's complete runtime configuration.
type Config struct {
	// Ambient
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`
	LogLevel   string `yaml:"logLevel"`
	LogFormat  string `yaml:"logFormat"`

	JWTSigningKey   string        `yaml:"jwtSigningKey"`
	JWTAccessTTL    time.Duration `yaml:"jwtAccessTtl"`
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTtl"`

	DeploymentSeed string `yaml:"deploymentSeed"`

	// Ingress
	BaseDomain            string `yaml:"baseDomain"`
	MaxCustomDomainsPerVm int    `yaml:"maxCustomDomainsPerVm"`

	// Node registry / lifecycle
	AutoRegisterOnStart bool          `yaml:"autoRegisterOnStart"`
	AutoRemoveOnStop    bool          `yaml:"autoRemoveOnStop"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeatTimeout"`

	// Mesh
	RelayHealthInterval        time.Duration `yaml:"relayHealthInterval"`
	RelayInitializationTimeout time.Duration `yaml:"relayInitializationTimeout"`

	// Metering / settlement
	SettlementInterval     time.Duration `yaml:"settlementInterval"`
	MinSettlementAmount    float64       `yaml:"minSettlementAmount"`
	MaxSettlementsPerBatch int           `yaml:"maxSettlementsPerBatch"`

	// Node auth tokens
	TokenLifetime              time.Duration `yaml:"tokenLifetime"`
	ExpirationWarningThreshold time.Duration `yaml:"expirationWarningThreshold"`

	// Scheduler
	BaselineBenchmark      float64                                `yaml:"baselineBenchmark"`
	MaxPerformanceMultiple float64                                `yaml:"maxPerformanceMultiplier"`
	MaxUtilizationPercent  float64                                `yaml:"maxUtilizationPercent"`
	MinFreeMemoryMb        int64                                  `yaml:"minFreeMemoryMb"`
	BaselineOvercommit     float64                                `yaml:"baselineOvercommit"`
	ScoringWeights         ScoringWeights                         `yaml:"scoringWeights"`
	Tiers                  map[types.QualityTier]types.TierDefinition `yaml:"tiers"`
}

// Default returns the configuration's baseline values, applied before any
// YAML file or environment override.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8443",
		DataDir:         "./data",
		LogLevel:        "info",
		LogFormat:       "json",
		JWTAccessTTL:    time.Hour,
		RefreshTokenTTL: 7 * 24 * time.Hour,

		BaseDomain:            "vms.example.com",
		MaxCustomDomainsPerVm: 5,

		AutoRegisterOnStart: true,
		AutoRemoveOnStop:    false,
		HeartbeatTimeout:    2 * time.Minute,

		RelayHealthInterval:        60 * time.Second,
		RelayInitializationTimeout: 10 * time.Minute,

		SettlementInterval:     time.Hour,
		MinSettlementAmount:    1.0,
		MaxSettlementsPerBatch: 10,

		TokenLifetime:              90 * 24 * time.Hour,
		ExpirationWarningThreshold: 7 * 24 * time.Hour,

		BaselineBenchmark:      1000,
		MaxPerformanceMultiple: 3,
		MaxUtilizationPercent:  90,
		MinFreeMemoryMb:        512,
		BaselineOvercommit:     1.0,
		ScoringWeights: ScoringWeights{
			Capacity:   0.40,
			Load:       0.25,
			Reputation: 0.20,
			Locality:   0.15,
		},
		Tiers: map[types.QualityTier]types.TierDefinition{
			types.TierGuaranteed: {Tier: types.TierGuaranteed, MinimumBenchmark: 900, CPUOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 2.0},
			types.TierStandard:   {Tier: types.TierStandard, MinimumBenchmark: 600, CPUOvercommitRatio: 1.5, StorageOvercommitRatio: 1.2, PriceMultiplier: 1.3},
			types.TierBalanced:   {Tier: types.TierBalanced, MinimumBenchmark: 300, CPUOvercommitRatio: 2.0, StorageOvercommitRatio: 1.5, PriceMultiplier: 1.0},
			types.TierBurstable:  {Tier: types.TierBurstable, MinimumBenchmark: 0, CPUOvercommitRatio: 4.0, StorageOvercommitRatio: 2.0, PriceMultiplier: 0.6},
		},
	}
}

// LoadFile overlays YAML file contents onto cfg.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays ORCH_*-prefixed environment variables onto cfg. Only
// the ambient/secret knobs an operator is likely to set outside a config
// file are covered; everything else flows through the YAML file or CLI
// flags.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("ORCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ORCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ORCH_JWT_SIGNING_KEY"); v != "" {
		cfg.JWTSigningKey = v
	}
	if v := os.Getenv("ORCH_DEPLOYMENT_SEED"); v != "" {
		cfg.DeploymentSeed = v
	}
	if v := os.Getenv("ORCH_BASE_DOMAIN"); v != "" {
		cfg.BaseDomain = v
	}
	if v := os.Getenv("ORCH_MAX_UTILIZATION_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxUtilizationPercent = f
		}
	}
}

// Validate rejects configurations that would make the orchestrator
// misbehave in ways worth failing fast on at startup.
func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("baseDomain must not be empty")
	}
	if c.JWTSigningKey == "" {
		return fmt.Errorf("jwtSigningKey must not be empty")
	}
	w := c.ScoringWeights
	sum := w.Capacity + w.Load + w.Reputation + w.Locality
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("scoringWeights must sum to 1.0, got %.3f", sum)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one quality tier must be configured")
	}
	return nil
}
