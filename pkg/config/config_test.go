package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.JWTSigningKey = "test-signing-key"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadScoringWeights(t *testing.T) {
	cfg := Default()
	cfg.JWTSigningKey = "test-signing-key"
	cfg.ScoringWeights.Capacity = 0.9
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoringWeights")
}

func TestValidateRejectsMissingBaseDomain(t *testing.T) {
	cfg := Default()
	cfg.JWTSigningKey = "k"
	cfg.BaseDomain = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadFileOverlaysYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	contents := "baseDomain: vms.internal.test\nmaxCustomDomainsPerVm: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg := Default()
	require.NoError(t, LoadFile(cfg, path))

	assert.Equal(t, "vms.internal.test", cfg.BaseDomain)
	assert.Equal(t, 10, cfg.MaxCustomDomainsPerVm)
	// Untouched defaults survive the overlay.
	assert.Equal(t, ":8443", cfg.ListenAddr)
}

func TestLoadFileEmptyPathIsNoop(t *testing.T) {
	cfg := Default()
	require.NoError(t, LoadFile(cfg, ""))
	assert.Equal(t, Default().BaseDomain, cfg.BaseDomain)
}

func TestApplyEnvOverridesAmbientKnobs(t *testing.T) {
	t.Setenv("ORCH_LISTEN_ADDR", ":9000")
	t.Setenv("ORCH_BASE_DOMAIN", "vms.env.test")
	t.Setenv("ORCH_MAX_UTILIZATION_PERCENT", "85.5")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "vms.env.test", cfg.BaseDomain)
	assert.Equal(t, 85.5, cfg.MaxUtilizationPercent)
}
