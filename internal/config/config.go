package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/terminal-bench/paywatch/internal/transport"
)

// Config is the full service configuration, loaded from an optional YAML
// file plus PAYWATCH_* environment overrides.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	Servers []ServerConfig `mapstructure:"servers"`

	Pool    PoolConfig    `mapstructure:"pool"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Vault   VaultConfig   `mapstructure:"vault"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	AuthTTL time.Duration `mapstructure:"auth_ttl"`
	JWTKey  string        `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	UseTLS bool   `mapstructure:"tls"`
}

type PoolConfig struct {
	MinSessions       int           `mapstructure:"min_sessions"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	SuperviseInterval time.Duration `mapstructure:"supervise_interval"`
}

type PolicyConfig struct {
	Tolerance              string        `mapstructure:"tolerance"`
	Quorum                 int           `mapstructure:"quorum"`
	MinConfirmations       int           `mapstructure:"min_confirmations"`
	HighValueThreshold     string        `mapstructure:"high_value_threshold"`
	HighValueConfirmations int           `mapstructure:"high_value_confirmations"`
	ExpiryWindow           time.Duration `mapstructure:"expiry_window"`
}

type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// Load reads configuration from path (empty means defaults plus env only).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("pool.min_sessions", 2)
	v.SetDefault("pool.probe_timeout", 5*time.Second)
	v.SetDefault("pool.call_timeout", 10*time.Second)
	v.SetDefault("pool.backoff_base", 2*time.Second)
	v.SetDefault("pool.backoff_max", 2*time.Minute)
	v.SetDefault("pool.supervise_interval", 15*time.Second)
	v.SetDefault("policy.tolerance", "0.005")
	v.SetDefault("policy.quorum", 2)
	v.SetDefault("policy.min_confirmations", 1)
	v.SetDefault("policy.high_value_threshold", "1")
	v.SetDefault("policy.high_value_confirmations", 6)
	v.SetDefault("policy.expiry_window", time.Hour)
	v.SetDefault("auth_ttl", 24*time.Hour)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("nats.url", "")

	v.SetEnvPrefix("PAYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Vault.Passphrase == "" {
		return nil, fmt.Errorf("vault.passphrase is required")
	}
	if cfg.JWTKey == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one indexer server is required")
	}

	return &cfg, nil
}

// ServerDescriptors converts configured servers to transport descriptors.
func (c *Config) ServerDescriptors() []transport.ServerDescriptor {
	out := make([]transport.ServerDescriptor, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, transport.ServerDescriptor{
			Host:   s.Host,
			Port:   s.Port,
			UseTLS: s.UseTLS,
		})
	}
	return out
}
