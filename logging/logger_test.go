package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel(" error "))
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(LogLevelWarn, &buf)
	logger.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC) }

	logger.Debug("hidden %d", 1)
	logger.Info("hidden %d", 2)
	logger.Warn("stage %s stalled", "1<0")
	logger.Error("    execution %s failed", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "09:30:00.000 [WARN ] stage 1<0 stalled", lines[0])
	assert.Equal(t, "09:30:00.000 [ERROR]     execution abc failed", lines[1])
}

func TestSlogLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger("info", "JSON", &buf)

	logger.Debug("not written")
	logger.Info("started stage %s", "deploy")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "started stage deploy", record["msg"])
}

func TestSlogLoggerText(t *testing.T) {
	var buf bytes.Buffer
	NewSlogLogger("debug", "text", &buf).Debug("tick %d", 3)
	assert.Contains(t, buf.String(), `level=DEBUG msg="tick 3"`)
}

func TestOrDefault(t *testing.T) {
	assert.NotNil(t, OrDefault(nil))

	var buf bytes.Buffer
	custom := NewConsoleLogger(LogLevelInfo, &buf)
	assert.Same(t, custom, OrDefault(custom))

	NewDefaultLogger().Error("dropped")
}
