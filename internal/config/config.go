package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console | json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTAlg    string `mapstructure:"jwt_alg"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

type GatewayConfig struct {
	MaxConnsPerUser int           `mapstructure:"max_conns_per_user"`
	EvictOldest     bool          `mapstructure:"evict_oldest"`
	SendQueue       int           `mapstructure:"send_queue"`
	FanoutWorkers   int           `mapstructure:"fanout_workers"`
	FanoutQueue     int           `mapstructure:"fanout_queue"`
	TypingLimit     int           `mapstructure:"typing_limit"`
	TypingInterval  time.Duration `mapstructure:"typing_interval"`
}

type PresenceConfig struct {
	RedisURL  string        `mapstructure:"redis_url"`
	GatewayID string        `mapstructure:"gateway_id"` // defaults to the hostname
	TTL       time.Duration `mapstructure:"ttl"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type ClientConfig struct {
	URL                  string        `mapstructure:"url"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	Secret     string        `mapstructure:"secret"`

	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Presence PresenceConfig `mapstructure:"presence"`
	Client   ClientConfig   `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_alg", "HS256")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:pulse.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")

	v.SetDefault("gateway.max_conns_per_user", 5)
	v.SetDefault("gateway.evict_oldest", true)
	v.SetDefault("gateway.send_queue", 256)
	v.SetDefault("gateway.fanout_workers", 8)
	v.SetDefault("gateway.fanout_queue", 1024)
	v.SetDefault("gateway.typing_limit", 5)
	v.SetDefault("gateway.typing_interval", "1s")

	v.SetDefault("presence.redis_url", "")
	v.SetDefault("presence.gateway_id", "")
	v.SetDefault("presence.ttl", "90s")
	v.SetDefault("presence.heartbeat", "30s")

	v.SetDefault("client.url", "ws://localhost:8080/api/ws")
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.base_backoff", "1s")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
// PULSE_* environment variables override both (PULSE_GATEWAY_SEND_QUEUE).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s\n", cfg.Mode, cfg.Port, cfg.Store.Driver)
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Gateway.SendQueue <= 0 {
		return fmt.Errorf("gateway.send_queue must be positive, got %d", c.Gateway.SendQueue)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("ping_period must be positive")
	}
	if c.Presence.RedisURL != "" && c.Presence.Heartbeat >= c.Presence.TTL {
		return fmt.Errorf("presence.heartbeat (%s) must be shorter than presence.ttl (%s)", c.Presence.Heartbeat, c.Presence.TTL)
	}
	return nil
}
