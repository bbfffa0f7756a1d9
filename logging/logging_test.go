package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/config"
	"github.com/warp/meter-ledger/logging"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"info":    zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	} {
		assert.Equal(t, want, logging.ParseLevel(in), in)
	}
}

func TestNewWithWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter(config.LogConfig{Level: "info"}, &buf)

	log.Debug().Msg("hidden")
	log.Info().Int64("panel_id", 3).Msg("panel created")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"meterledger"`)
	assert.Contains(t, out, `"panel_id":3`)
	assert.Contains(t, out, `"message":"panel created"`)
}

func TestNewWithWriter_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")
	var console bytes.Buffer
	log := logging.NewWithWriter(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, &console)

	log.Debug().Msg("to both sinks")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both sinks")
	assert.Contains(t, console.String(), "to both sinks")
}
