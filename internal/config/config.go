package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig holds configuration for the language model service.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	// Model is the model name for the active provider.
	Model string `yaml:"model"`

	// Failover config: ordered list of provider names to try when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is the duration (in seconds) before a tripped circuit
	// breaker resets and the provider is retried. Default 300 (5 minutes).
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	// MaxAttempts bounds generation retries for transient provider errors.
	// Default 3 (initial call plus two retries).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBaseMillis is the initial retry delay; each retry doubles it.
	// Default 1000.
	RetryBaseMillis int `yaml:"retry_base_millis"`
}

// AgentConfigEntry defines a named participant to seed the roster on startup.
type AgentConfigEntry struct {
	AgentID      string `yaml:"agent_id"`
	DisplayName  string `yaml:"display_name"`
	Specialty    string `yaml:"specialty"`
	Personality  string `yaml:"personality"`
	Voice        string `yaml:"voice"`
	AutoComplete bool   `yaml:"auto_complete"`
}

// VoiceConfig controls speech playback.
type VoiceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Command is the synthesizer invocation; "{voice}" and "{rate}" expand per agent.
	// The utterance text is passed on stdin.
	Command string `yaml:"command"`
	RateWPM int    `yaml:"rate_wpm"`
}

// RepoConfig points at the working repository agents commit to.
type RepoConfig struct {
	Path       string `yaml:"path"`
	BaseBranch string `yaml:"base_branch"`

	// Verify runs VerifyCommand in the sandbox before each commit is accepted.
	Verify        bool   `yaml:"verify"`
	VerifyCommand string `yaml:"verify_command"`
}

// SandboxConfig controls the Docker verification runner.
type SandboxConfig struct {
	Image          string `yaml:"image"`
	MemoryMB       int64  `yaml:"memory_mb"`
	Network        string `yaml:"network"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IntentConfig selects the task-intent classifier.
type IntentConfig struct {
	// Keywords trigger task delegation when present in a directed message.
	Keywords []string `yaml:"keywords"`

	// CompletionKeywords mark a running task as finished when an agent's
	// reply contains one of them.
	CompletionKeywords []string `yaml:"completion_keywords"`

	// WASMModule is a path to a compiled policy module; when set it replaces
	// the keyword classifier and is hot-reloaded on change.
	WASMModule string `yaml:"wasm_module"`
}

// TelegramConfig enables the outbound task-lifecycle notifier.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	Enabled bool    `yaml:"enabled"`
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // OTLP-HTTP endpoint, host:port
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Agents    []AgentConfigEntry `yaml:"agents"`
	Voice     VoiceConfig        `yaml:"voice"`
	Repo      RepoConfig         `yaml:"repo"`
	Sandbox   SandboxConfig      `yaml:"sandbox"`
	Intent    IntentConfig       `yaml:"intent"`
	Telegram  TelegramConfig     `yaml:"telegram"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`

	// TaskTimeoutMinutes bounds how long a task may sit running before the
	// watchdog completes it as failed. 0 disables the watchdog.
	TaskTimeoutMinutes int `yaml:"task_timeout_minutes"`

	// Retention policy (days). 0 = keep forever.
	RetentionTasksDays      int `yaml:"retention_tasks_days"`
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// Deprecated: use Intent.CompletionKeywords instead.
	CompletionKeywords []string `yaml:"completion_keywords"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	// Google historically also used GEMINI_API_KEY.
	if provider == "google" {
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLM returns the effective provider, model, and API key.
func (c Config) ResolveLLM() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	model = c.LLM.Model
	if model == "" {
		model = defaultModelFor(provider)
	}
	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible", "openrouter":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates the LLM provider and model in config.yaml, preserving other settings.
func SetModel(homeDir, provider, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]interface{})
	if llm == nil {
		llm = make(map[string]interface{})
	}
	llm["provider"] = provider
	llm["model"] = model
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// SetAPIKey updates a provider API key in config.yaml, preserving other settings.
func SetAPIKey(homeDir, provider, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	providers, _ := raw["providers"].(map[string]interface{})
	if providers == nil {
		providers = make(map[string]interface{})
	}
	entry, _ := providers[provider].(map[string]interface{})
	if entry == nil {
		entry = make(map[string]interface{})
	}
	entry["api_key"] = value
	providers[provider] = entry
	raw["providers"] = providers
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config, surfaced in status output.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|agents=%d|voice=%v|verify=%v|origins=%v",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, len(c.Agents), c.Voice.Enabled, c.Repo.Verify, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18930",
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: int((5 * time.Minute).Seconds()),
			MaxAttempts:             3,
			RetryBaseMillis:         1000,
		},
		Voice: VoiceConfig{
			Enabled: true,
			Command: "say -v {voice} -r {rate}",
			RateWPM: 200,
		},
		Repo: RepoConfig{
			BaseBranch: "main",
		},
		Sandbox: SandboxConfig{
			Image:          "golang:1.24-alpine",
			MemoryMB:       512,
			Network:        "none",
			TimeoutSeconds: 120,
		},
		Intent: IntentConfig{
			Keywords: []string{
				"create a file", "write a file", "implement", "fix the",
				"add a", "refactor", "build a", "generate",
			},
			CompletionKeywords: []string{
				"task complete", "task is complete", "finished the task",
				"done with the task", "committed the change",
			},
		},
		TaskTimeoutMinutes:      30,
		RetentionTasksDays:      90,
		RetentionTaskEventsDays: 90,
		DrainTimeoutSeconds:     5,
	}
}

func HomeDir() string {
	if override := os.Getenv("CHORUS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".chorus")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create chorus home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if cfg.NeedsGenesis && len(cfg.Agents) == 0 {
		cfg.Agents = StarterAgents()
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18930"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.LLM.MaxAttempts <= 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.RetryBaseMillis <= 0 {
		cfg.LLM.RetryBaseMillis = 1000
	}
	if cfg.Voice.RateWPM <= 0 {
		cfg.Voice.RateWPM = 200
	}
	if strings.TrimSpace(cfg.Voice.Command) == "" {
		cfg.Voice.Command = "say -v {voice} -r {rate}"
	}
	if cfg.Repo.BaseBranch == "" {
		cfg.Repo.BaseBranch = "main"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "golang:1.24-alpine"
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		cfg.Sandbox.MemoryMB = 512
	}
	if cfg.Sandbox.TimeoutSeconds <= 0 {
		cfg.Sandbox.TimeoutSeconds = 120
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}

	// Backward compat: top-level completion_keywords moved under intent.
	if len(cfg.CompletionKeywords) > 0 && len(cfg.Intent.CompletionKeywords) == 0 {
		cfg.Intent.CompletionKeywords = cfg.CompletionKeywords
	}
	if len(cfg.Intent.Keywords) == 0 {
		cfg.Intent.Keywords = defaultConfig().Intent.Keywords
	}
	if len(cfg.Intent.CompletionKeywords) == 0 {
		cfg.Intent.CompletionKeywords = defaultConfig().Intent.CompletionKeywords
	}

	for i := range cfg.Agents {
		if cfg.Agents[i].DisplayName == "" {
			cfg.Agents[i].DisplayName = cfg.Agents[i].AgentID
		}
	}
}

// validate rejects configurations the runtime cannot start with.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		id := strings.TrimSpace(a.AgentID)
		if id == "" {
			return fmt.Errorf("agents: entry %q has empty agent_id", a.DisplayName)
		}
		if seen[id] {
			return fmt.Errorf("agents: duplicate agent_id %q", id)
		}
		seen[id] = true
	}

	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		return fmt.Errorf("llm: unknown provider %q", cfg.LLM.Provider)
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "", "stdout", "otlp", "otlp-http", "none":
		default:
			return fmt.Errorf("telemetry: unknown exporter %q", cfg.Telemetry.Exporter)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CHORUS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CHORUS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CHORUS_REPO_PATH"); raw != "" {
		cfg.Repo.Path = raw
	}
	if raw := os.Getenv("CHORUS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CHORUS_TASK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("CHORUS_VOICE_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Voice.Enabled = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}
