package config

import (
	"CoverLedger/internal/chain"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// devViper is the zero-config local setup.
func devViper() *viper.Viper {
	v := New()
	v.Set("dev", true)
	return v
}

func TestLoad_DefaultsNeedAnAdmin(t *testing.T) {
	_, err := Load(New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evm.admin")

	cfg, err := Decode(New(), "")
	require.NoError(t, err)
	assert.True(t, cfg.Server.RequireSignatures)
	assert.Empty(t, cfg.EVM.Admin)
}

func TestLoad_DevDefaults(t *testing.T) {
	cfg, err := Load(devViper(), "")
	require.NoError(t, err)

	assert.Equal(t, []chain.Chain{chain.ChainEVM}, cfg.EnabledChains())
	assert.Equal(t, 10*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, int64(10_000), cfg.Snapshot.Interval)
	assert.Equal(t, devAdmin, cfg.Keeper(chain.ChainEVM))

	core := cfg.CoreConfig()
	assert.Equal(t, int64(500), core.FeeRateBps)
	assert.Equal(t, cfg.Idempotency.LRUCapacity, core.IdempotencyCapacity)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coverd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains: [evm, solana]
evm:
  admin: "0x00000000000000000000000000000000000000aA"
engine:
  fee_rate_bps: 250
  sweep_interval: 30s
solana:
  program_id: Cover1111111111111111111111111111111111111
  admin: 11111111111111111111111111111111
  keeper: 11111111111111111111111111111112
server:
  write_rate: 5
`), 0o600))

	t.Setenv("COVER_ENGINE_FEE_RATE_BPS", "300")
	t.Setenv("COVER_EVM_ORACLES", "0x00000000000000000000000000000000000000b0,0x00000000000000000000000000000000000000b1")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(300), cfg.Engine.FeeRateBps)
	assert.Equal(t, 30*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 5.0, cfg.Server.WriteRate)
	assert.Len(t, cfg.EVM.Oracles, 2)
	assert.Equal(t, []chain.Chain{chain.ChainEVM, chain.ChainSolana}, cfg.EnabledChains())
	assert.Equal(t, "11111111111111111111111111111112", cfg.Keeper(chain.ChainSolana))
	assert.Equal(t, int64(defaultSolanaGenesis), cfg.Solana.GenesisUnix)
	assert.True(t, cfg.Server.RequireSignatures)
}

func TestValidate(t *testing.T) {
	base, err := Decode(New(), "")
	require.NoError(t, err)
	base.EVM.Admin = "0x00000000000000000000000000000000000000aA"
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"dev admin outside dev": func(c *Config) { c.EVM.Admin = devAdmin },
		"dev admin lower case":  func(c *Config) { c.EVM.Admin = strings.ToLower(devAdmin) },
		"unsigned outside dev":  func(c *Config) { c.Server.RequireSignatures = false },
		"solana genesis unset": func(c *Config) {
			c.Chains = []string{"solana"}
			c.Solana.ProgramID = "p"
			c.Solana.Admin = "a"
			c.Solana.GenesisUnix = 0
		},
		"no chains":         func(c *Config) { c.Chains = nil },
		"unknown chain":     func(c *Config) { c.Chains = []string{"cosmos"} },
		"duplicate chain":   func(c *Config) { c.Chains = []string{"evm", "EVM"} },
		"solana unset":      func(c *Config) { c.Chains = []string{"solana"} },
		"evm admin unset":   func(c *Config) { c.EVM.Admin = "" },
		"inverted coverage": func(c *Config) { c.Engine.MaxCoverage = c.Engine.MinCoverage - 1 },
		"zero period":       func(c *Config) { c.Engine.MinPeriod = 0 },
		"fee above 100%":    func(c *Config) { c.Engine.FeeRateBps = 10_001 },
		"confidence > 100":  func(c *Config) { c.Engine.ConfidenceFloor = 101 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_DevRelaxesGuards(t *testing.T) {
	cfg, err := Load(devViper(), "")
	require.NoError(t, err)
	cfg.Server.RequireSignatures = false
	assert.NoError(t, cfg.Validate())

	cfg.Dev = false
	assert.Error(t, cfg.Validate())
}

func TestConfig_YAMLDurations(t *testing.T) {
	cfg, err := Load(devViper(), "")
	require.NoError(t, err)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "flush_timeout: 10ms")
	assert.Contains(t, string(out), "sweep_interval: 1m0s")
}
