package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, Options{Service: "governator"}))
	logger.Info("session opened", "access_token", "abc123", "address", "0xAbC", "user_id", "u-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["access_token"])
	require.Equal(t, "0xAbC", line["address"])
	require.Equal(t, "u-1", line["user_id"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "session opened", line["message"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("signature", "0xdead").Value.String())
	require.Equal(t, "", MaskField("signature", "").Value.String())
	require.Equal(t, "guild", MaskField("reason", "guild").Value.String())
}
