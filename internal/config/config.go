// Package config holds the lifeline configuration schema and the Store that
// owns the live, in-memory configuration document.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Config is the typed view of the configuration document.
// Every dot path accepted by the Store resolves against this struct via
// its koanf tags; map levels accept any key.
type Config struct {
	Gateway  GatewayConfig  `koanf:"gateway" yaml:"gateway"`
	Logging  LoggingConfig  `koanf:"logging" yaml:"logging"`
	Channels ChannelsConfig `koanf:"channels" yaml:"channels"`
	LLM      LLMConfig      `koanf:"llm" yaml:"llm"`
	Browser  BrowserConfig  `koanf:"browser" yaml:"browser"`
	Shell    ShellConfig    `koanf:"shell" yaml:"shell"`
	Recovery RecoveryConfig `koanf:"recovery" yaml:"recovery"`
}

type GatewayConfig struct {
	DataDir                string `koanf:"data_dir" yaml:"data_dir"`
	HTTPListen             string `koanf:"http_listen" yaml:"http_listen"`
	SessionTimeout         int    `koanf:"session_timeout" yaml:"session_timeout"` // minutes
	ApprovalTimeoutSeconds int    `koanf:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	HealthIntervalSeconds  int    `koanf:"health_interval_seconds" yaml:"health_interval_seconds"`
	ProbeTimeoutSeconds    int    `koanf:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
	RestartStrategy        string `koanf:"restart_strategy" yaml:"restart_strategy"` // auto, supervisor, exec
	WatchConfig            bool   `koanf:"watch_config" yaml:"watch_config"`
}

type LoggingConfig struct {
	Level string `koanf:"level" yaml:"level"`
	File  string `koanf:"file" yaml:"file"`
}

type ChannelsConfig struct {
	CLI       CLIConfig       `koanf:"cli" yaml:"cli"`
	Telegram  TelegramConfig  `koanf:"telegram" yaml:"telegram"`
	WebSocket WebSocketConfig `koanf:"websocket" yaml:"websocket"`
	Matrix    MatrixConfig    `koanf:"matrix" yaml:"matrix"`
}

type CLIConfig struct {
	Enabled bool     `koanf:"enabled" yaml:"enabled"`
	Allowed []string `koanf:"allowed" yaml:"allowed"`
}

type TelegramConfig struct {
	Enabled  bool     `koanf:"enabled" yaml:"enabled"`
	BotToken string   `koanf:"bot_token" yaml:"bot_token"`
	Allowed  []string `koanf:"allowed" yaml:"allowed"` // telegram user ids
}

type WebSocketConfig struct {
	Enabled bool              `koanf:"enabled" yaml:"enabled"`
	Path    string            `koanf:"path" yaml:"path"`
	Users   map[string]string `koanf:"users" yaml:"users"` // username -> bcrypt hash
}

type MatrixConfig struct {
	Enabled     bool     `koanf:"enabled" yaml:"enabled"`
	Homeserver  string   `koanf:"homeserver" yaml:"homeserver"`
	UserID      string   `koanf:"user_id" yaml:"user_id"`
	AccessToken string   `koanf:"access_token" yaml:"access_token"`
	Allowed     []string `koanf:"allowed" yaml:"allowed"` // matrix user ids
}

type LLMConfig struct {
	Providers        map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	ProviderPriority []string                  `koanf:"provider_priority" yaml:"provider_priority"`
	Routing          RoutingConfig             `koanf:"routing" yaml:"routing"`
	Budget           BudgetConfig              `koanf:"budget" yaml:"budget"`
}

// ProviderConfig configures one reasoning backend.
type ProviderConfig struct {
	Type    string `koanf:"type" yaml:"type"` // anthropic, openai, ollama
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	APIKey  string `koanf:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `koanf:"base_url" yaml:"base_url,omitempty"`
	Model   string `koanf:"model" yaml:"model,omitempty"`
}

type RoutingConfig struct {
	MaxTokens      int    `koanf:"max_tokens" yaml:"max_tokens"`
	SystemPrompt   string `koanf:"system_prompt" yaml:"system_prompt"`
	TimeoutSeconds int    `koanf:"timeout_seconds" yaml:"timeout_seconds"`
	HistoryTurns   int    `koanf:"history_turns" yaml:"history_turns"`
}

type BudgetConfig struct {
	DailyRequests int `koanf:"daily_requests" yaml:"daily_requests"` // 0 = unlimited
}

type BrowserConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

type ShellConfig struct {
	BlacklistPatterns []string `koanf:"blacklist_patterns" yaml:"blacklist_patterns"`
}

type RecoveryConfig struct {
	Enabled                    bool     `koanf:"enabled" yaml:"enabled"`
	AutoEnterOnProviderFailure bool     `koanf:"auto_enter_on_provider_failure" yaml:"auto_enter_on_provider_failure"`
	AutoEnterTimeoutMinutes    int      `koanf:"auto_enter_timeout_minutes" yaml:"auto_enter_timeout_minutes"`
	AutoExitOnRecovery         bool     `koanf:"auto_exit_on_recovery" yaml:"auto_exit_on_recovery"`
	InactivityTimeoutMinutes   int      `koanf:"inactivity_timeout_minutes" yaml:"inactivity_timeout_minutes"`
	RateLimitPerMinute         int      `koanf:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	ScriptsDir                 string   `koanf:"scripts_dir" yaml:"scripts_dir"`
	SafeConfigKeys             []string `koanf:"safe_config_keys" yaml:"safe_config_keys"`
	CannedReply                string   `koanf:"canned_reply" yaml:"canned_reply"`
}

// Provider types understood by the llm package.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// DefaultCannedReply is sent for non-command messages while recovery mode is active.
const DefaultCannedReply = "Recovery mode is active: the agent is unavailable. " +
	"Slash commands still work, try /health or /help."

// Defaults returns the configuration used underneath the on-disk document.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			DataDir:                "~/.lifeline",
			HTTPListen:             "127.0.0.1:7337",
			SessionTimeout:         60,
			ApprovalTimeoutSeconds: 300,
			HealthIntervalSeconds:  60,
			ProbeTimeoutSeconds:    10,
			RestartStrategy:        "auto",
			WatchConfig:            false,
		},
		Logging: LoggingConfig{Level: "info"},
		Channels: ChannelsConfig{
			CLI:       CLIConfig{Enabled: false, Allowed: []string{"local"}},
			Telegram:  TelegramConfig{Allowed: []string{}},
			WebSocket: WebSocketConfig{Path: "/ws", Users: map[string]string{}},
			Matrix:    MatrixConfig{Allowed: []string{}},
		},
		LLM: LLMConfig{
			Providers:        map[string]ProviderConfig{},
			ProviderPriority: []string{},
			Routing: RoutingConfig{
				MaxTokens:      1024,
				TimeoutSeconds: 120,
				HistoryTurns:   20,
			},
		},
		Shell: ShellConfig{
			BlacklistPatterns: []string{"rm -rf /", "mkfs", "dd if="},
		},
		Recovery: RecoveryConfig{
			Enabled:                    true,
			AutoEnterOnProviderFailure: true,
			AutoEnterTimeoutMinutes:    5,
			AutoExitOnRecovery:         true,
			InactivityTimeoutMinutes:   0,
			RateLimitPerMinute:         10,
			ScriptsDir:                 "scripts",
			SafeConfigKeys:             append([]string(nil), DefaultSafeKeys...),
			CannedReply:                DefaultCannedReply,
		},
	}
}

// Validate checks semantic constraints the schema types cannot express.
func (c *Config) Validate() error {
	for name, p := range c.LLM.Providers {
		if strings.Contains(name, ".") {
			return fmt.Errorf("llm.providers: name %q must not contain '.'", name)
		}
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("llm.providers.%s.type: unknown provider type %q", name, p.Type)
		}
	}
	seen := make(map[string]bool)
	for _, name := range c.LLM.ProviderPriority {
		if seen[name] {
			return fmt.Errorf("llm.provider_priority: duplicate provider %q", name)
		}
		seen[name] = true
	}
	switch c.Gateway.RestartStrategy {
	case "", "auto", "supervisor", "exec":
	default:
		return fmt.Errorf("gateway.restart_strategy: unknown strategy %q", c.Gateway.RestartStrategy)
	}
	nonNegative := map[string]int{
		"gateway.session_timeout":             c.Gateway.SessionTimeout,
		"gateway.approval_timeout_seconds":    c.Gateway.ApprovalTimeoutSeconds,
		"gateway.health_interval_seconds":     c.Gateway.HealthIntervalSeconds,
		"llm.routing.max_tokens":              c.LLM.Routing.MaxTokens,
		"llm.budget.daily_requests":           c.LLM.Budget.DailyRequests,
		"recovery.auto_enter_timeout_minutes": c.Recovery.AutoEnterTimeoutMinutes,
		"recovery.inactivity_timeout_minutes": c.Recovery.InactivityTimeoutMinutes,
		"recovery.rate_limit_per_minute":      c.Recovery.RateLimitPerMinute,
	}
	for key, v := range nonNegative {
		if v < 0 {
			return fmt.Errorf("%s: must not be negative", key)
		}
	}
	return nil
}

// expandSecrets resolves "${ENV}" references in credential fields.
// The document itself keeps the reference so saves never write secrets out.
func (c *Config) expandSecrets() {
	c.Channels.Telegram.BotToken = expandRef(c.Channels.Telegram.BotToken)
	c.Channels.Matrix.AccessToken = expandRef(c.Channels.Matrix.AccessToken)
	for name, p := range c.LLM.Providers {
		p.APIKey = expandRef(p.APIKey)
		c.LLM.Providers[name] = p
	}
}

func expandRef(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// EnabledProviders returns enabled provider names in priority order.
// Providers missing from provider_priority follow in name order.
func (c *LLMConfig) EnabledProviders() []string {
	var out []string
	for _, name := range c.Ordered() {
		if c.Providers[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Ordered returns every configured provider name in priority order.
func (c *LLMConfig) Ordered() []string {
	seen := make(map[string]bool, len(c.Providers))
	out := make([]string, 0, len(c.Providers))
	for _, name := range c.ProviderPriority {
		if _, ok := c.Providers[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0)
	for name := range c.Providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
