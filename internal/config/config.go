package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	Relay    RelayConfig
	Agent    AgentConfig
	Media    MediaConfig
	LiveKit  LiveKitConfig
	Timeouts TimeoutConfig
	Log      LogConfig
}

type RelayConfig struct {
	Addr         string
	DatabasePath string // empty keeps history in process memory
}

type AgentConfig struct {
	Addr     string
	RelayURL string
	UserID   domain.UserID
	DeviceID domain.DeviceID
}

type MediaConfig struct {
	Endpoint   string // SFU offer endpoint, one path segment per channel is appended
	ICEServers []string
}

type LiveKitConfig struct {
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// TimeoutConfig holds the signaling timeouts. They are counted by a one
// second tick, so they are whole seconds.
type TimeoutConfig struct {
	Call          time.Duration
	Ring          time.Duration
	InviteSignal  time.Duration
	ConfirmRing   time.Duration
	ConfirmCallee time.Duration
}

type LogConfig struct {
	Level zerolog.Level
}

// Load builds the configuration from the environment, reading a .env file
// first when there is one.
func Load() (*Config, error) {
	_ = godotenv.Load()

	timeouts := TimeoutConfig{}
	for _, t := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"CALL_TIMEOUT", "30", &timeouts.Call},
		{"RING_TIMEOUT", "30", &timeouts.Ring},
		{"INVITE_SIGNAL_TIMEOUT", "10", &timeouts.InviteSignal},
		{"CONFIRM_RING_TIMEOUT", "10", &timeouts.ConfirmRing},
		{"CONFIRM_CALLEE_TIMEOUT", "10", &timeouts.ConfirmCallee},
	} {
		d, err := getSeconds(t.key, t.fallback)
		if err != nil {
			return nil, err
		}
		*t.dst = d
	}

	ttl, err := getSeconds("LIVEKIT_TOKEN_TTL", "3600")
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	device := domain.DeviceID(getEnv("AGENT_DEVICE_ID", ""))
	if device == "" {
		device = domain.NewDeviceID()
	}

	cfg := &Config{
		Relay: RelayConfig{
			Addr:         getEnv("RELAY_ADDR", ":8080"),
			DatabasePath: getEnv("RELAY_DATABASE_PATH", "./data/relay.db"),
		},
		Agent: AgentConfig{
			Addr:     getEnv("AGENT_ADDR", ":8081"),
			RelayURL: getEnv("AGENT_RELAY_URL", "ws://localhost:8080/ws"),
			UserID:   domain.UserID(getEnv("AGENT_USER_ID", "")),
			DeviceID: device,
		},
		Media: MediaConfig{
			Endpoint:   getEnv("MEDIA_ENDPOINT", ""),
			ICEServers: splitList(getEnv("MEDIA_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		},
		LiveKit: LiveKitConfig{
			APIKey:    getEnv("LIVEKIT_API_KEY", ""),
			APISecret: getEnv("LIVEKIT_API_SECRET", ""),
			TokenTTL:  ttl,
		},
		Timeouts: timeouts,
		Log:      LogConfig{Level: level},
	}

	return cfg, nil
}

// CallService returns the call service configuration of the agent.
func (c *Config) CallService() service.Config {
	return service.Config{
		UserID:               c.Agent.UserID,
		DeviceID:             c.Agent.DeviceID,
		CallTimeout:          c.Timeouts.Call,
		RingTimeout:          c.Timeouts.Ring,
		InviteSignalTimeout:  c.Timeouts.InviteSignal,
		ConfirmRingTimeout:   c.Timeouts.ConfirmRing,
		ConfirmCalleeTimeout: c.Timeouts.ConfirmCallee,
	}
}

func getSeconds(key, fallback string) (time.Duration, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
