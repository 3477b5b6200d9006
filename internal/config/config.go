package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General GeneralConfig `json:"general"`
	Bot     BotConfig     `json:"bot"`
	Discord DiscordConfig `json:"discord"`
	Relay   RelayConfig   `json:"relay"`
	Backend BackendConfig `json:"backend"`
	Server  ServerConfig  `json:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type BotConfig struct {
	Name string `json:"name"` // display name mentions are matched against
}

// DiscordConfig drives the browser session.
type DiscordConfig struct {
	LoginURL           string            `json:"loginUrl"`
	ChannelURL         string            `json:"channelUrl"`
	Email              string            `json:"email"`
	Password           string            `json:"password"`
	SessionFile        string            `json:"sessionFile"`
	Headless           bool              `json:"headless"`
	ChromePath         string            `json:"chromePath,omitempty"`
	ProfileDir         string            `json:"profileDir,omitempty"`
	SettleDelaySeconds int               `json:"settleDelaySeconds"`
	WaitTimeoutSeconds int               `json:"waitTimeoutSeconds"`
	Selectors          map[string]string `json:"selectors,omitempty"` // overrides by name, e.g. "textbox"
}

type RelayConfig struct {
	QueueSize             int    `json:"queueSize"`
	PublishTimeoutSeconds int    `json:"publishTimeoutSeconds"`
	ParseWorkers          int    `json:"parseWorkers"`
	MaxChunkLength        int    `json:"maxChunkLength"`
	PreferredChunkLength  int    `json:"preferredChunkLength"`
	Placeholder           string `json:"placeholder"`
}

// BackendConfig is where the relay sends mentions.
type BackendConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// ServerConfig configures the bundled chat backend (chatrelay serve).
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins"`
	DBPath         string   `json:"dbPath"` // ":memory:" keeps conversations for the process lifetime
	Provider       string   `json:"provider"` // "openai" | "ollama"
	APIBase        string   `json:"apiBase,omitempty"`
	APIKey         string   `json:"apiKey,omitempty"`
	Model          string   `json:"model,omitempty"`
	Temperature    float64  `json:"temperature"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	HistoryLimit   int      `json:"historyLimit"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// Addr is the listen address of the backend service.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML (.yaml, .yml) config file over the defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Discord.SessionFile = ExpandPath(cfg.Discord.SessionFile)
	cfg.Discord.ProfileDir = ExpandPath(cfg.Discord.ProfileDir)
	cfg.Server.DBPath = ExpandPath(cfg.Server.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes a YAML document so one set of json tags serves both
// formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. Unset variables
// without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}
	// The file holds credentials.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks value ranges. It reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.Bot.Name) == "" {
		errs = append(errs, "bot.name is required")
	}

	if cfg.Discord.SettleDelaySeconds < 0 {
		errs = append(errs, "discord.settleDelaySeconds must be >= 0")
	}
	if cfg.Discord.WaitTimeoutSeconds < 1 {
		errs = append(errs, "discord.waitTimeoutSeconds must be >= 1")
	}

	if cfg.Relay.QueueSize < 1 {
		errs = append(errs, "relay.queueSize must be >= 1")
	}
	if cfg.Relay.ParseWorkers < 1 || cfg.Relay.ParseWorkers > 64 {
		errs = append(errs, "relay.parseWorkers must be between 1 and 64")
	}
	if cfg.Relay.MaxChunkLength < 1 {
		errs = append(errs, "relay.maxChunkLength must be >= 1")
	}
	if cfg.Relay.PreferredChunkLength < 1 || cfg.Relay.PreferredChunkLength > cfg.Relay.MaxChunkLength {
		errs = append(errs, "relay.preferredChunkLength must be between 1 and relay.maxChunkLength")
	}
	if cfg.Relay.Placeholder == "" {
		errs = append(errs, "relay.placeholder must not be empty")
	}

	if cfg.Backend.URL != "" && !envVarPattern.MatchString(cfg.Backend.URL) {
		if u, err := url.Parse(cfg.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "backend.url must be an absolute URL")
		}
	}
	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	switch cfg.Server.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, "server.provider must be one of: openai, ollama")
	}
	if cfg.Server.Temperature < 0 || cfg.Server.Temperature > 2 {
		errs = append(errs, "server.temperature must be between 0 and 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireRelay checks the settings only the relay needs: the channel, the
// login credentials and the backend.
func RequireRelay(cfg *Config) error {
	var missing []string
	for key, val := range map[string]string{
		"discord.loginUrl":    cfg.Discord.LoginURL,
		"discord.channelUrl":  cfg.Discord.ChannelURL,
		"discord.email":       cfg.Discord.Email,
		"discord.password":    cfg.Discord.Password,
		"discord.sessionFile": cfg.Discord.SessionFile,
		"backend.url":         cfg.Backend.URL,
	} {
		if strings.TrimSpace(val) == "" || envVarPattern.MatchString(val) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing relay settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
