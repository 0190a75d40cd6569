// Package config loads and hot-reloads the proxy's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
)

// PoolPolicy mirrors spec.md §3's Pool Policy: the rotation controller and
// context pool manager both read it, and it is the one subtree the reloader
// is allowed to hot-swap mid-process.
type PoolPolicy struct {
	MaxContexts                int   `yaml:"max_contexts"`
	SwitchOnUses               int   `yaml:"switch_on_uses"`
	FailureThreshold           int   `yaml:"failure_threshold"`
	ImmediateSwitchStatusCodes []int `yaml:"immediate_switch_status_codes"`
}

// HasImmediateSwitch reports whether code is configured to force a switch.
func (p PoolPolicy) HasImmediateSwitch(code int) bool {
	for _, c := range p.ImmediateSwitchStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// FeatureToggles are the hot-reloadable settings exposed at
// PUT /api/settings/{...} in spec.md §6.
type FeatureToggles struct {
	StreamingMode    string `yaml:"streaming_mode"` // "real" or "fake"
	ForceThinking    bool   `yaml:"force_thinking"`
	ForceWebSearch   bool   `yaml:"force_web_search"`
	ForceURLContext  bool   `yaml:"force_url_context"`
	DebugMode        bool   `yaml:"debug_mode"`
	LogMaxCount      int    `yaml:"log_max_count"`
	CredentialRefresh bool  `yaml:"credential_refresh"`
}

// Config is the full on-disk configuration.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	AuthDir       string        `yaml:"auth_dir"`
	TargetURL     string        `yaml:"target_url"`
	DebugDir      string        `yaml:"debug_dir"`
	APIKeys       APIKeys       `yaml:"api_keys"`
	Pool          PoolPolicy    `yaml:"pool"`
	Features      FeatureToggles `yaml:"features"`
	Logging       logging.Config `yaml:"logging"`

	// Derived, not read from YAML.
	NavigationTimeout time.Duration `yaml:"-"`
	InitTimeout       time.Duration `yaml:"-"`
	ReconnectTimeout  time.Duration `yaml:"-"`
	GracePeriod       time.Duration `yaml:"-"`
	HealthTick        time.Duration `yaml:"-"`
}

// APIKeys holds the inbound client API keys accepted per public dialect.
// Validating these keys against inbound requests is the out-of-scope
// "authentication of inbound clients" collaborator from spec.md §1/§6; this
// struct is the configuration surface it would read from.
type APIKeys struct {
	OpenAI    []string `yaml:"openai"`
	Anthropic []string `yaml:"anthropic"`
	Gemini    []string `yaml:"gemini"`
}

// Default returns the built-in defaults, matching the timeouts fixed by
// spec.md §5.
func Default() *Config {
	c := &Config{
		ListenAddr: ":8317",
		AuthDir:    "configs/auth",
		TargetURL:  "https://aistudio.google.com/",
		DebugDir:   "debug",
		Pool: PoolPolicy{
			MaxContexts:      5,
			SwitchOnUses:     0,
			FailureThreshold: 3,
		},
		Features: FeatureToggles{
			StreamingMode: "real",
			LogMaxCount:   500,
		},
		Logging: logging.DefaultConfig(),
	}
	c.applyDerived()
	return c
}

func (c *Config) applyDerived() {
	c.NavigationTimeout = 180 * time.Second
	c.InitTimeout = 60 * time.Second
	c.ReconnectTimeout = 50 * time.Second
	c.GracePeriod = 10 * time.Second
	c.HealthTick = 4 * time.Second
}

// Load reads and parses a YAML config file, applying defaults for any field
// left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.applyDerived()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.AuthDir == "" {
		c.AuthDir = d.AuthDir
	}
	if c.TargetURL == "" {
		c.TargetURL = d.TargetURL
	}
	if c.DebugDir == "" {
		c.DebugDir = d.DebugDir
	}
	if c.Pool.MaxContexts == 0 {
		c.Pool.MaxContexts = d.Pool.MaxContexts
	}
	if c.Features.StreamingMode == "" {
		c.Features.StreamingMode = d.Features.StreamingMode
	}
	if c.Features.LogMaxCount == 0 {
		c.Features.LogMaxCount = d.Features.LogMaxCount
	}
	if c.Logging.Level == "" {
		c.Logging = d.Logging
	}
}

// Clone returns a deep-enough copy for safe hand-off across the reload
// boundary (slices are replaced wholesale on reload, never mutated in place).
func (c *Config) Clone() *Config {
	cp := *c
	cp.APIKeys.OpenAI = append([]string(nil), c.APIKeys.OpenAI...)
	cp.APIKeys.Anthropic = append([]string(nil), c.APIKeys.Anthropic...)
	cp.APIKeys.Gemini = append([]string(nil), c.APIKeys.Gemini...)
	cp.Pool.ImmediateSwitchStatusCodes = append([]int(nil), c.Pool.ImmediateSwitchStatusCodes...)
	return &cp
}
