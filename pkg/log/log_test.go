package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/WillPangZi/tinyproxy/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger, err := NewLogger(config.LoggingOptions{})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLoggerJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")

	logger, err := NewLogger(config.LoggingOptions{
		Level:   "debug",
		Handler: "json",
		Output:  path,
	})
	require.NoError(t, err)

	logger.Debug("hello", "k", "v")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingOptions{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerInvalidHandler(t *testing.T) {
	_, err := NewLogger(config.LoggingOptions{Handler: "xml"})
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	logger := slog.Default().With("test", true)

	ctx := NewContext(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	// absent logger falls back to the default
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
