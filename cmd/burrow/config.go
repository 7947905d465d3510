package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/tunnel"
)

// Config is the full agent configuration. Values come from the config
// file, then BURROW_* environment variables (a .env file is loaded
// first if present); environment wins over the file.
type Config struct {
	AgentID   string `mapstructure:"agent_id"`
	Slot      int    `mapstructure:"slot"`
	DataDir   string `mapstructure:"data_dir"`
	StatusDir string `mapstructure:"status_dir"`

	Hub      HubConfig      `mapstructure:"hub"`
	Session  SessionConfig  `mapstructure:"session"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Listen   ListenConfig   `mapstructure:"listen"`
	Log      LogConfig      `mapstructure:"log"`
}

// HubConfig points the agent at its control-plane hub.
type HubConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig tunes the connect state machine.
type SessionConfig struct {
	MaxConnectAttempts int           `mapstructure:"max_connect_attempts"`
	SettleWait         time.Duration `mapstructure:"settle_wait"`
	IPCheckTimeout     time.Duration `mapstructure:"ip_check_timeout"`
	ReconnectPause     time.Duration `mapstructure:"reconnect_pause"`
}

// AgentConfig tunes the batch loop.
type AgentConfig struct {
	MaxThreads               int           `mapstructure:"max_threads"`
	StaggerInterval          time.Duration `mapstructure:"stagger_interval"`
	NoWorkDelay              time.Duration `mapstructure:"no_work_delay"`
	NoWorkCooldown           time.Duration `mapstructure:"no_work_cooldown"`
	ReconnectDelay           time.Duration `mapstructure:"reconnect_delay"`
	BlockedReconnectAttempts int           `mapstructure:"blocked_reconnect_attempts"`
	BlockedReconnectDelay    time.Duration `mapstructure:"blocked_reconnect_delay"`
	PreCheckTimeout          time.Duration `mapstructure:"pre_check_timeout"`
}

// ExecutorConfig describes the task executor subprocess.
type ExecutorConfig struct {
	Path            string        `mapstructure:"path"`
	Args            []string      `mapstructure:"args"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ProfileDir      string        `mapstructure:"profile_dir"`
	BlockIndicators []string      `mapstructure:"block_indicators"`
}

// PolicyConfig sets the toggle thresholds.
type PolicyConfig struct {
	BlockThreshold     int `mapstructure:"block_threshold"`
	MaxNoWorkStreak    int `mapstructure:"max_no_work_streak"`
	PreventiveToggleAt int `mapstructure:"preventive_toggle_at"`
}

// TunnelConfig overrides namespace plumbing defaults.
type TunnelConfig struct {
	IPCheckURL string   `mapstructure:"ip_check_url"`
	DNS        []string `mapstructure:"dns"`
}

// ListenConfig enables the local ops listener. Empty address disables
// it; the agent never requires an open port.
type ListenConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// setDefaults is the single source of configuration defaults. Every
// key must be registered here: viper only maps BURROW_* environment
// variables onto keys it already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent_id", "")
	v.SetDefault("slot", 0)
	v.SetDefault("data_dir", "./burrow-data")
	v.SetDefault("status_dir", "./burrow-status")

	v.SetDefault("hub.url", "http://localhost:8080")
	v.SetDefault("hub.api_key", "")
	v.SetDefault("hub.timeout", "10s")

	v.SetDefault("session.max_connect_attempts", 3)
	v.SetDefault("session.settle_wait", "3s")
	v.SetDefault("session.ip_check_timeout", "5s")
	v.SetDefault("session.reconnect_pause", "2s")

	v.SetDefault("agent.max_threads", 4)
	v.SetDefault("agent.stagger_interval", "2s")
	v.SetDefault("agent.no_work_delay", "10s")
	v.SetDefault("agent.no_work_cooldown", "30s")
	v.SetDefault("agent.reconnect_delay", "10s")
	v.SetDefault("agent.blocked_reconnect_attempts", 5)
	v.SetDefault("agent.blocked_reconnect_delay", "10s")
	v.SetDefault("agent.pre_check_timeout", "5s")

	v.SetDefault("executor.path", "")
	v.SetDefault("executor.args", []string{})
	v.SetDefault("executor.timeout", "180s")
	v.SetDefault("executor.profile_dir", "")
	v.SetDefault("executor.block_indicators", []string{})

	v.SetDefault("policy.block_threshold", -2)
	v.SetDefault("policy.max_no_work_streak", 3)
	v.SetDefault("policy.preventive_toggle_at", 50)

	v.SetDefault("tunnel.ip_check_url", tunnel.DefaultIPCheckURL)
	v.SetDefault("tunnel.dns", tunnel.DefaultDNS)

	v.SetDefault("listen.address", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// loadConfig reads the config file at path, or searches for
// burrow.yaml in . and /etc/burrow when path is empty. A missing file
// is fine (env-only operation); a malformed one is not.
func loadConfig(path string) (*Config, error) {
	// Local .env first so its values are visible as real env vars.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("burrow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/burrow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

const configHeader = `# burrow agent configuration.
#
# Every key can be overridden by a BURROW_* environment variable with
# dots replaced by underscores: hub.api_key -> BURROW_HUB_API_KEY.
# A .env file next to the binary is loaded before the environment is
# read. Durations use Go syntax ("10s", "3m").
#
# executor.path is the only required field without a usable default:
# it names the task executor binary launched for each allocation.

`

// renderDefaultConfig produces a starter burrow.yaml from the same
// defaults loadConfig applies, so the written file and an absent file
// behave identically. Marshaling the settings map (not the Config
// struct) keeps durations in their "10s" form.
func renderDefaultConfig() ([]byte, error) {
	v := viper.New()
	setDefaults(v)

	body, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, err
	}
	return append([]byte(configHeader), body...), nil
}
