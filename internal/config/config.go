// Package config loads the bridge configuration from a YAML file, an
// optional .env file and ASTRTOWN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	InviteAutoAccept = "auto_accept"
	InviteLLMJudge   = "llm_judge"
)

type Config struct {
	Gateway    Gateway    `yaml:"gateway"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Reflection Reflection `yaml:"reflection"`
	LLM        LLM        `yaml:"llm"`
	Tools      Tools      `yaml:"tools"`
	Storage    Storage    `yaml:"storage"`
	Log        Log        `yaml:"log"`
	Persona    Persona    `yaml:"persona"`
}

type Gateway struct {
	URL                    string  `yaml:"url"`
	Token                  string  `yaml:"token"`
	TokenFile              string  `yaml:"token_file"`
	ProtocolVersionRange   string  `yaml:"protocol_version_range"`
	Subscribe              string  `yaml:"subscribe"`
	ReconnectMinDelaySec   float64 `yaml:"reconnect_min_delay_sec"`
	ReconnectMaxDelaySec   float64 `yaml:"reconnect_max_delay_sec"`
	CommandAckTimeoutSec   float64 `yaml:"command_ack_timeout_sec"`
	LateAckTombstoneTTLSec float64 `yaml:"late_ack_tombstone_ttl_sec"`
	SayDebounceWindowMS    int     `yaml:"say_debounce_window_ms"`
	SayDuplicateWindowMS   int     `yaml:"say_duplicate_window_ms"`
}

type Dispatch struct {
	InviteDecisionMode       string  `yaml:"invite_decision_mode"`
	RefillWakeEnabled        *bool   `yaml:"refill_wake_enabled"`
	RefillMinWakeIntervalSec float64 `yaml:"refill_min_wake_interval_sec"`
	MaxContextRounds         int     `yaml:"max_context_rounds"`
	UniqueSession            bool    `yaml:"unique_session"`
}

type Reflection struct {
	Enabled             *bool   `yaml:"enabled"`
	ImportanceThreshold float64 `yaml:"importance_threshold"`
}

type LLM struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type Tools struct {
	Listen     string `yaml:"listen"`
	HMACSecret string `yaml:"hmac_secret"`
}

type Storage struct {
	BindingDB  string `yaml:"binding_db"`
	JournalDir string `yaml:"journal_dir"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Persona struct {
	Description string `yaml:"description"`
}

// Load reads path (optional), then envFile (optional, ignored if missing),
// then applies ASTRTOWN_* overrides and defaults.
func Load(path, envFile string) (Config, error) {
	var cfg Config
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Gateway.URL, "ASTRTOWN_GATEWAY_URL")
	set(&c.Gateway.Token, "ASTRTOWN_TOKEN")
	set(&c.Gateway.TokenFile, "ASTRTOWN_TOKEN_FILE")
	set(&c.LLM.APIKey, "ASTRTOWN_LLM_API_KEY")
	set(&c.LLM.BaseURL, "ASTRTOWN_LLM_BASE_URL")
	set(&c.Tools.HMACSecret, "ASTRTOWN_TOOLS_HMAC_SECRET")
	set(&c.Log.Level, "ASTRTOWN_LOG_LEVEL")
}

func (c *Config) ApplyDefaults() {
	g := &c.Gateway
	if g.ProtocolVersionRange == "" {
		g.ProtocolVersionRange = "1-1"
	}
	if g.Subscribe == "" {
		g.Subscribe = "*"
	}
	if g.ReconnectMinDelaySec == 0 {
		g.ReconnectMinDelaySec = 1
	}
	if g.ReconnectMaxDelaySec == 0 {
		g.ReconnectMaxDelaySec = 30
	}
	if g.CommandAckTimeoutSec == 0 {
		g.CommandAckTimeoutSec = 5
	}
	if g.LateAckTombstoneTTLSec == 0 {
		g.LateAckTombstoneTTLSec = 120
	}
	if g.SayDebounceWindowMS == 0 {
		g.SayDebounceWindowMS = 1200
	}
	if g.SayDuplicateWindowMS == 0 {
		g.SayDuplicateWindowMS = 3000
	}

	d := &c.Dispatch
	if d.InviteDecisionMode == "" {
		d.InviteDecisionMode = InviteAutoAccept
	}
	if d.RefillWakeEnabled == nil {
		d.RefillWakeEnabled = boolPtr(true)
	}
	if d.RefillMinWakeIntervalSec == 0 {
		d.RefillMinWakeIntervalSec = 10
	}
	if d.MaxContextRounds == 0 {
		d.MaxContextRounds = 50
	}

	if c.Reflection.Enabled == nil {
		c.Reflection.Enabled = boolPtr(true)
	}
	if c.Reflection.ImportanceThreshold == 0 {
		c.Reflection.ImportanceThreshold = 300
	}
	if c.Tools.Listen == "" {
		c.Tools.Listen = "127.0.0.1:8091"
	}
	if c.Storage.BindingDB == "" {
		c.Storage.BindingDB = "./data/bindings.db"
	}
	if c.Storage.JournalDir == "" {
		c.Storage.JournalDir = "./data/journal"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.URL) == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.ReconnectMinDelaySec <= 0 {
		return fmt.Errorf("gateway.reconnect_min_delay_sec must be > 0")
	}
	if c.Gateway.ReconnectMaxDelaySec < c.Gateway.ReconnectMinDelaySec {
		return fmt.Errorf("gateway.reconnect_max_delay_sec must be >= reconnect_min_delay_sec")
	}
	if c.Gateway.CommandAckTimeoutSec <= 0 {
		return fmt.Errorf("gateway.command_ack_timeout_sec must be > 0")
	}
	switch c.Dispatch.InviteDecisionMode {
	case InviteAutoAccept, InviteLLMJudge:
	default:
		return fmt.Errorf("dispatch.invite_decision_mode: unknown mode %q", c.Dispatch.InviteDecisionMode)
	}
	if strings.TrimSpace(c.Tools.HMACSecret) == "" && !IsLoopbackListenAddress(c.Tools.Listen) {
		return fmt.Errorf("refusing tool server bind on non-loopback address %q without hmac secret", c.Tools.Listen)
	}
	return nil
}

func (c Config) RefillWakeEnabled() bool {
	return c.Dispatch.RefillWakeEnabled == nil || *c.Dispatch.RefillWakeEnabled
}
func (c Config) ReflectionEnabled() bool { return c.Reflection.Enabled == nil || *c.Reflection.Enabled }

func IsLoopbackListenAddress(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = strings.TrimSpace(h)
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func boolPtr(b bool) *bool { return &b }
