package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/duel/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "console"}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "trace", Format: "json"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "xml"}
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestSession_TagsRoomAndPlayer(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Session(zap.New(core), "room", "r-1", "p-1")
	l.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "room", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "r-1", ctx["room_id"])
	assert.Equal(t, "p-1", ctx["player_id"])
}

func TestSession_OmitsEmptyIdentifiers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Session(zap.New(core), "relay", "", "").Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ContextMap())
}

func TestSession_NilLoggerIsNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Session(nil, "action", "r", "p").Info("dropped")
	})
}
