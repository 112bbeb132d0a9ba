package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"CoverLedger/internal/chain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(func() { _ = ConfigureLogging(LogOptions{}) })

	var buf bytes.Buffer
	require.NoError(t, ConfigureLogging(LogOptions{Level: "WARN", Output: &buf}))

	log := ChainLogger("sweeper", chain.ChainSolana)
	log.Info().Msg("dropped")
	log.Warn().Int("expired", 3).Msg("upkeep")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), buf.String())
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "sweeper", line["component"])
	assert.Equal(t, "solana", line["chain"])
	assert.Equal(t, float64(3), line["expired"])
	assert.Contains(t, line, "time")

	buf.Reset()
	require.NoError(t, ConfigureLogging(LogOptions{Format: "console", Output: &buf}))
	coverd := NewLogger("coverd")
	coverd.Info().Msg("starting")
	assert.Contains(t, buf.String(), "starting")
	assert.NotContains(t, buf.String(), "{")

	assert.Error(t, ConfigureLogging(LogOptions{Level: "loud"}))
	assert.Error(t, ConfigureLogging(LogOptions{Format: "xml"}))
}
