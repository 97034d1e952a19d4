package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, levelFromString(in).Level(), in)
	}
}

func TestNewEmitsJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "dispatch-test", "warn")

	logger.Info("dropped")
	logger.Warn("sweep_skipped", "reason", "busy")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sweep_skipped", rec["msg"])
	assert.Equal(t, "dispatch-test", rec["service"])
	assert.Equal(t, "busy", rec["reason"])
	assert.Contains(t, rec, "source")
}
