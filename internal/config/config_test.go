package config

import (
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	assert := assert.New(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(":8080", cfg.Relay.Addr)
	assert.Equal("./data/relay.db", cfg.Relay.DatabasePath)
	assert.Equal("ws://localhost:8080/ws", cfg.Agent.RelayURL)
	assert.NotEmpty(cfg.Agent.DeviceID)
	assert.Equal(30*time.Second, cfg.Timeouts.Call)
	assert.Equal(10*time.Second, cfg.Timeouts.ConfirmCallee)
	assert.Equal(time.Hour, cfg.LiveKit.TokenTTL)
	assert.Equal(zerolog.InfoLevel, cfg.Log.Level)
	assert.Equal([]string{"stun:stun.l.google.com:19302"}, cfg.Media.ICEServers)
}

func TestLoadFromEnv(t *testing.T) {
	assert := assert.New(t)
	t.Setenv("AGENT_USER_ID", "alice")
	t.Setenv("AGENT_DEVICE_ID", "laptop")
	t.Setenv("RING_TIMEOUT", "45")
	t.Setenv("MEDIA_ICE_SERVERS", "stun:a:3478, turn:b:3478 ,")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RELAY_DATABASE_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(cfg.Relay.DatabasePath)
	assert.Equal([]string{"stun:a:3478", "turn:b:3478"}, cfg.Media.ICEServers)
	assert.Equal(zerolog.DebugLevel, cfg.Log.Level)

	svc := cfg.CallService()
	assert.Equal(domain.UserID("alice"), svc.UserID)
	assert.Equal(domain.DeviceID("laptop"), svc.DeviceID)
	assert.Equal(45*time.Second, svc.RingTimeout)
	assert.Equal(30*time.Second, svc.CallTimeout)
}

func TestLoadRejectsBadTimeouts(t *testing.T) {
	for _, v := range []string{"0", "-3", "soon"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("CALL_TIMEOUT", v)
			_, err := Load()
			assert.ErrorContains(t, err, "CALL_TIMEOUT")
		})
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	_, err := Load()
	assert.Error(t, err)
}
