package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/sekia-ai/relay/internal/secrets"
	"github.com/sekia-ai/relay/pkg/bridge"
	"github.com/sekia-ai/relay/pkg/coordination"
	"github.com/sekia-ai/relay/pkg/mediator"
	"github.com/sekia-ai/relay/pkg/registry"
	"github.com/sekia-ai/relay/pkg/sockpath"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	NATS         NATSConfig           `mapstructure:"nats"`
	Coordination coordination.Options `mapstructure:"coordination"`
	Adapter      AdapterConfig        `mapstructure:"adapter"`
	Bridge       BridgeConfig         `mapstructure:"bridge"`
	Mediator     MediatorConfig       `mapstructure:"mediator"`
	Registry     RegistryConfig       `mapstructure:"registry"`
	Security     SecurityConfig       `mapstructure:"security"`
}

// ServerConfig holds socket settings.
type ServerConfig struct {
	Socket string `mapstructure:"socket"`
}

// NATSConfig holds embedded NATS settings.
type NATSConfig struct {
	DataDir string `mapstructure:"data_dir"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Token   string `mapstructure:"token"`
	// TransferMaxAge bounds retention of the transfer stream.
	TransferMaxAge time.Duration `mapstructure:"transfer_max_age"`
}

// AdapterConfig configures the format adapter. Role option fields override
// the shared [coordination] section; a negative timeout or retry_delay
// turns it off.
type AdapterConfig struct {
	coordination.Options `mapstructure:",squash"`

	Enabled bool     `mapstructure:"enabled"`
	ID      string   `mapstructure:"id"`
	Formats []string `mapstructure:"formats"`
	// Transform is the path of an optional Lua script defining transform(p).
	Transform string `mapstructure:"transform"`
	// WatchTransform reloads the script when its file changes.
	WatchTransform bool `mapstructure:"watch_transform"`
}

// BridgeConfig configures the bridge and its systems.
type BridgeConfig struct {
	bridge.Options `mapstructure:",squash"`

	Enabled bool                    `mapstructure:"enabled"`
	ID      string                  `mapstructure:"id"`
	Systems []bridge.SystemEndpoint `mapstructure:"systems"`
}

// MediatorConfig configures the NATS mediator.
type MediatorConfig struct {
	mediator.Options `mapstructure:",squash"`

	Enabled bool   `mapstructure:"enabled"`
	ID      string `mapstructure:"id"`
}

// RegistryConfig configures the agent catalogue.
type RegistryConfig struct {
	registry.Options `mapstructure:",squash"`

	Enabled    bool          `mapstructure:"enabled"`
	ID         string        `mapstructure:"id"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	PruneAfter time.Duration `mapstructure:"prune_after"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	MessageSecret string `mapstructure:"message_secret"`
}

// LoadConfig reads configuration from file, env, and flags. ENC[...] values
// are decrypted with the resolved age identity.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.socket", sockpath.DefaultSocketPath())

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("nats.data_dir", filepath.Join(homeDir, ".local", "share", "relay", "nats"))
	v.SetDefault("nats.transfer_max_age", 7*24*time.Hour)

	v.SetDefault("coordination.timeout", 30*time.Second)
	v.SetDefault("coordination.max_retries", 3)
	v.SetDefault("coordination.retry_delay", time.Second)
	v.SetDefault("coordination.parallelism", 1)

	v.SetDefault("adapter.enabled", true)
	v.SetDefault("adapter.id", "relay-adapter")
	v.SetDefault("adapter.watch_transform", true)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.id", "relay-bridge")
	v.SetDefault("mediator.enabled", true)
	v.SetDefault("mediator.id", "relay-mediator")
	v.SetDefault("mediator.queue_size", 100)
	v.SetDefault("mediator.heartbeat_interval", 30*time.Second)
	v.SetDefault("registry.enabled", true)
	v.SetDefault("registry.id", "relay-registry")
	v.SetDefault("registry.auto_refresh", true)
	v.SetDefault("registry.refresh_interval", 30*time.Second)
	v.SetDefault("registry.stale_after", 90*time.Second)
	v.SetDefault("registry.prune_after", 5*time.Minute)

	v.SetConfigType("toml")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath("/etc/relay")
		v.AddConfigPath("$HOME/.config/relay")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	v.BindEnv("nats.token", "RELAY_NATS_TOKEN")
	v.BindEnv("security.message_secret", "RELAY_MESSAGE_SECRET")

	// Config file is optional, but an explicit one must be readable.
	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		return Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
	}

	if err := secrets.Apply(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// roleOptions merges the shared coordination options with a role section.
func (c Config) roleOptions(role coordination.Options) coordination.Options {
	return coordination.DefaultOptions().Merge(c.Coordination).Merge(role)
}
