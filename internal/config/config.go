package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// Session capacity per room; 0 means unlimited.
	SessionCapacity int `mapstructure:"session_capacity"`

	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`

	Client ClientConfig `mapstructure:"client"`
}

// ClientConfig tunes the mesh client: relay endpoint, NAT traversal,
// capture constraints and the state-machine timing knobs.
type ClientConfig struct {
	RelayURL   string   `mapstructure:"relay_url"`
	ICEServers []string `mapstructure:"ice_servers"`

	Audio AudioConfig `mapstructure:"audio"`

	// SpeakingThreshold is the normalized level above which speech is
	// assumed; activation/stop delays implement the hysteresis.
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	ActivationDelay   time.Duration `mapstructure:"activation_delay"`
	StopDelay         time.Duration `mapstructure:"stop_delay"`

	// NegotiationTimeout bounds how long a link may sit without an
	// answer; DisconnectGrace is the window before disconnected links
	// are declared failed.
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DisconnectGrace    time.Duration `mapstructure:"disconnect_grace"`

	// SendQueue bounds envelopes buffered while the relay is down.
	SendQueue int `mapstructure:"send_queue"`
}

type AudioConfig struct {
	SampleRate       int  `mapstructure:"sample_rate"`
	Channels         int  `mapstructure:"channels"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("session_capacity", 16)
	v.SetDefault("join_rate_limit", 10)
	v.SetDefault("join_rate_interval", "1m")

	v.SetDefault("client.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.audio.sample_rate", 48000)
	v.SetDefault("client.audio.channels", 1)
	v.SetDefault("client.audio.echo_cancellation", true)
	v.SetDefault("client.audio.noise_suppression", true)
	v.SetDefault("client.speaking_threshold", 0.1)
	v.SetDefault("client.activation_delay", "100ms")
	v.SetDefault("client.stop_delay", "500ms")
	v.SetDefault("client.negotiation_timeout", "20s")
	v.SetDefault("client.disconnect_grace", "10s")
	v.SetDefault("client.send_queue", 64)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
