package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"relaybot/internal/domain"
)

// Config is the root configuration for the relay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Channels ChannelsConfig `json:"channels"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel    string `json:"logLevel"`
	LogFile     string `json:"logFile,omitempty"` // optional log file path
	StateDBPath string `json:"stateDbPath"`
}

// ChannelsConfig holds the per-platform account lists. Each entry is an
// independent adapter instance.
type ChannelsConfig struct {
	Telegram []TelegramAccount `json:"telegram,omitempty"`
	Slack    []SlackAccount    `json:"slack,omitempty"`
	WhatsApp []WhatsAppAccount `json:"whatsapp,omitempty"`
}

type TelegramAccount struct {
	AccountID string         `json:"accountId"`
	Enabled   bool           `json:"enabled"`
	BotToken  string         `json:"botToken"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
}

type SlackAccount struct {
	AccountID string `json:"accountId"`
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"botToken"`
	AppToken  string `json:"appToken"` // required for Socket Mode
}

type WhatsAppAccount struct {
	AccountID       string `json:"accountId"`
	Enabled         bool   `json:"enabled"`
	AccessToken     string `json:"accessToken"`
	AppSecret       string `json:"appSecret,omitempty"`
	PhoneNumberID   string `json:"phoneNumberId"`
	VerifyToken     string `json:"verifyToken,omitempty"`
	WebhookPort     int    `json:"webhookPort,omitempty"`
	WebhookPath     string `json:"webhookPath,omitempty"`
	GraphAPIVersion string `json:"graphApiVersion,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // host:port, default 127.0.0.1:9090
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	// YAML configs are converted to JSON so both formats share the same
	// struct tags and FlexStringList handling.
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.StateDBPath = ExpandPath(cfg.General.StateDBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	seen := map[string]bool{}
	checkAccount := func(platform, accountID string) {
		if accountID == "" {
			errs = append(errs, fmt.Sprintf("channels.%s: accountId is required", platform))
			return
		}
		key := platform + ":" + accountID
		if seen[key] {
			errs = append(errs, fmt.Sprintf("channels.%s: duplicate accountId %q", platform, accountID))
		}
		seen[key] = true
	}

	for _, a := range cfg.Channels.Telegram {
		checkAccount("telegram", a.AccountID)
		if a.Enabled && a.BotToken == "" {
			errs = append(errs, fmt.Sprintf("channels.telegram[%s]: botToken is required", a.AccountID))
		}
	}
	for _, a := range cfg.Channels.Slack {
		checkAccount("slack", a.AccountID)
		if a.Enabled && (a.BotToken == "" || a.AppToken == "") {
			errs = append(errs, fmt.Sprintf("channels.slack[%s]: botToken and appToken are required", a.AccountID))
		}
	}
	for _, a := range cfg.Channels.WhatsApp {
		checkAccount("whatsapp", a.AccountID)
		if a.Enabled && (a.AccessToken == "" || a.PhoneNumberID == "") {
			errs = append(errs, fmt.Sprintf("channels.whatsapp[%s]: accessToken and phoneNumberId are required", a.AccountID))
		}
		if a.WebhookPort < 0 || a.WebhookPort > 65535 {
			errs = append(errs, fmt.Sprintf("channels.whatsapp[%s]: webhookPort must be between 0 and 65535", a.AccountID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AccountEntry pairs a platform with the adapter config built from one
// configured account.
type AccountEntry struct {
	Type   domain.ChannelType
	Config domain.ChannelConfig
}

// ChannelAccounts converts every enabled account into the generic adapter
// config format.
func (c *Config) ChannelAccounts() []AccountEntry {
	var entries []AccountEntry

	for _, a := range c.Channels.Telegram {
		if !a.Enabled {
			continue
		}
		settings := map[string]any{}
		if len(a.AllowFrom) > 0 {
			settings["allowFrom"] = []string(a.AllowFrom)
		}
		entries = append(entries, AccountEntry{
			Type: domain.ChannelTelegram,
			Config: domain.ChannelConfig{
				AccountID:   a.AccountID,
				Credentials: map[string]string{"botToken": a.BotToken},
				Settings:    settings,
			},
		})
	}

	for _, a := range c.Channels.Slack {
		if !a.Enabled {
			continue
		}
		entries = append(entries, AccountEntry{
			Type: domain.ChannelSlack,
			Config: domain.ChannelConfig{
				AccountID: a.AccountID,
				Credentials: map[string]string{
					"botToken": a.BotToken,
					"appToken": a.AppToken,
				},
				Settings: map[string]any{},
			},
		})
	}

	for _, a := range c.Channels.WhatsApp {
		if !a.Enabled {
			continue
		}
		settings := map[string]any{}
		if a.VerifyToken != "" {
			settings["verifyToken"] = a.VerifyToken
		}
		if a.WebhookPort != 0 {
			settings["webhookPort"] = a.WebhookPort
		}
		if a.WebhookPath != "" {
			settings["webhookPath"] = a.WebhookPath
		}
		if a.GraphAPIVersion != "" {
			settings["graphApiVersion"] = a.GraphAPIVersion
		}
		entries = append(entries, AccountEntry{
			Type: domain.ChannelWhatsApp,
			Config: domain.ChannelConfig{
				AccountID: a.AccountID,
				Credentials: map[string]string{
					"accessToken":   a.AccessToken,
					"appSecret":     a.AppSecret,
					"phoneNumberId": a.PhoneNumberID,
				},
				Settings: settings,
			},
		})
	}

	return entries
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
