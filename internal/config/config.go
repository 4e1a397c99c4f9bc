package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	apiStyleOpenAI = "openai"
	apiStyleClaude = "claude"

	envPrefix = "COMBO_GATEWAY_"
)

// Provider types understood by the executor factory.
const (
	TypeOpenAI    = "openai"
	TypeClaude    = "claude"
	TypeGemini    = "gemini"
	TypeGeminiCLI = "gemini-cli"
	TypeCompat    = "compat"
	TypeCursor    = "cursor"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       LogConfig                 `yaml:"log"`
	Engine    EngineConfig              `yaml:"engine"`
	Usage     UsageConfig               `yaml:"usage"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Accounts  []AccountConfig           `yaml:"accounts"`
	Combos    []ComboConfig             `yaml:"combos"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig tunes refresh, timeouts and fallback.
type EngineConfig struct {
	RefreshMargin    time.Duration `yaml:"refresh_margin"`
	RefreshTimeout   time.Duration `yaml:"refresh_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	TransientRetries int           `yaml:"transient_retries"`
	DefaultCooldown  time.Duration `yaml:"default_cooldown"`
	BreakerFailures  uint32        `yaml:"breaker_failures"`
	BreakerOpen      time.Duration `yaml:"breaker_open"`

	// StreamIdleTimeout bounds the gap between stream events. Zero uses
	// RequestTimeout.
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// UsageConfig sizes the asynchronous usage sink.
type UsageConfig struct {
	Buffer  int  `yaml:"buffer"`
	Workers int  `yaml:"workers"`
	Log     bool `yaml:"log"`
}

// ProviderConfig captures connection details for one upstream provider. The
// map key in Config.Providers is the provider id; Type defaults to it.
type ProviderConfig struct {
	Type     string            `yaml:"type"`
	BaseURL  string            `yaml:"base_url"`
	Headers  Headers           `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
	Cooldown time.Duration     `yaml:"cooldown"`
	OAuth    OAuthConfig       `yaml:"oauth"`
	APIStyle string            `yaml:"api_style"`
	Models   []ModelConfig     `yaml:"models"`
	Options  map[string]string `yaml:"options"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig pins the api style of a model served by a compat provider.
type ModelConfig struct {
	ID       string `yaml:"id"`
	APIStyle string `yaml:"api_style"`
}

// OAuthConfig identifies the token endpoint used for refresh.
type OAuthConfig struct {
	TokenURL         string   `yaml:"token_url"`
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretFile string   `yaml:"client_secret_file"`
	Scopes           []string `yaml:"scopes"`
}

// AccountConfig seeds one account.
type AccountConfig struct {
	ID           string            `yaml:"id"`
	Provider     string            `yaml:"provider"`
	APIKey       string            `yaml:"api_key"`
	APIKeyFile   string            `yaml:"api_key_file"`
	AccessToken  string            `yaml:"access_token"`
	RefreshToken string            `yaml:"refresh_token"`
	ExpiresAt    time.Time         `yaml:"expires_at"`
	Extra        map[string]string `yaml:"extra"`
}

// ComboConfig ranks accounts for a model alias.
type ComboConfig struct {
	Name    string             `yaml:"name"`
	Entries []ComboEntryConfig `yaml:"entries"`
}

// ComboEntryConfig names an account and the upstream model requested from it.
type ComboEntryConfig struct {
	Account string `yaml:"account"`
	Model   string `yaml:"model"`
}

// Defaults returns the configuration used for every field a file leaves out.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			RefreshMargin:    5 * time.Minute,
			RefreshTimeout:   30 * time.Second,
			RequestTimeout:   2 * time.Minute,
			TransientRetries: 1,
			DefaultCooldown:  time.Minute,
			BreakerFailures:  5,
			BreakerOpen:      30 * time.Second,
		},
		Usage: UsageConfig{Buffer: 1024, Workers: 2, Log: true},
	}
}

// Load reads YAML configuration over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	applyEnvOverrides(&cfg, os.Getenv)
	if err := resolveFileReferences(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides maps COMBO_GATEWAY_* variables onto the configuration.
// Account secrets use COMBO_GATEWAY_ACCOUNT_<ID>_API_KEY with the id
// upper-cased and dashes turned into underscores.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if v := getenv(envPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := getenv(envPrefix + "REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.RequestTimeout = d
		}
	}
	if v := getenv(envPrefix + "TRANSIENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.TransientRetries = n
		}
	}
	if v := getenv(envPrefix + "DEFAULT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.DefaultCooldown = d
		}
	}

	for i := range cfg.Accounts {
		key := envPrefix + "ACCOUNT_" + envName(cfg.Accounts[i].ID) + "_API_KEY"
		if v := getenv(key); v != "" {
			cfg.Accounts[i].APIKey = v
		}
	}
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(id))
}

// resolveFileReferences loads *_file secrets relative to the config file.
func resolveFileReferences(cfg *Config, dir string) error {
	for i := range cfg.Accounts {
		acct := &cfg.Accounts[i]
		if acct.APIKeyFile != "" && acct.APIKey == "" {
			val, err := readSecretFile(dir, acct.APIKeyFile)
			if err != nil {
				return fmt.Errorf("accounts[%d].api_key_file: %w", i, err)
			}
			acct.APIKey = val
		}
	}
	for name, p := range cfg.Providers {
		if p.OAuth.ClientSecretFile != "" && p.OAuth.ClientSecret == "" {
			val, err := readSecretFile(dir, p.OAuth.ClientSecretFile)
			if err != nil {
				return fmt.Errorf("providers.%s.oauth.client_secret_file: %w", name, err)
			}
			p.OAuth.ClientSecret = val
			cfg.Providers[name] = p
		}
	}
	return nil
}

func readSecretFile(dir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// TypeOf returns the executor type of a provider id.
func (c Config) TypeOf(name string) string {
	p := c.Providers[name]
	if p.Type != "" {
		return p.Type
	}
	return name
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Engine.TransientRetries < 0 {
		return errors.New("engine.transient_retries must not be negative")
	}
	if c.Engine.DefaultCooldown <= 0 {
		return errors.New("engine.default_cooldown must be positive")
	}
	if c.Engine.RequestTimeout < 0 || c.Engine.StreamIdleTimeout < 0 {
		return errors.New("engine timeouts must not be negative")
	}
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	for name, provider := range c.Providers {
		if err := validateProvider(name, c.TypeOf(name), provider); err != nil {
			return err
		}
	}

	accounts := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		if strings.TrimSpace(acct.ID) == "" {
			return fmt.Errorf("accounts[%d]: id must not be empty", i)
		}
		if _, dup := accounts[acct.ID]; dup {
			return fmt.Errorf("account %s: duplicate id", acct.ID)
		}
		accounts[acct.ID] = struct{}{}
		if _, ok := c.Providers[acct.Provider]; !ok {
			return fmt.Errorf("account %s: unknown provider %q", acct.ID, acct.Provider)
		}
		if acct.APIKey == "" && acct.AccessToken == "" && acct.RefreshToken == "" {
			return fmt.Errorf("account %s: api_key, access_token or refresh_token must be provided", acct.ID)
		}
	}

	combos := make(map[string]struct{}, len(c.Combos))
	for _, combo := range c.Combos {
		if strings.TrimSpace(combo.Name) == "" {
			return errors.New("combo name must not be empty")
		}
		if _, dup := combos[combo.Name]; dup {
			return fmt.Errorf("combo %s: duplicate name", combo.Name)
		}
		combos[combo.Name] = struct{}{}
		if len(combo.Entries) == 0 {
			return fmt.Errorf("combo %s: at least one entry must be configured", combo.Name)
		}
		for _, entry := range combo.Entries {
			if _, ok := accounts[entry.Account]; !ok {
				return fmt.Errorf("combo %s: unknown account %q", combo.Name, entry.Account)
			}
		}
	}

	return nil
}

func validateProvider(name, typ string, provider ProviderConfig) error {
	switch typ {
	case TypeOpenAI, TypeClaude, TypeGemini, TypeGeminiCLI, TypeCursor:
	case TypeCompat:
		if strings.TrimSpace(provider.BaseURL) == "" {
			return fmt.Errorf("provider %s: base_url must be provided", name)
		}
		if provider.APIStyle != "" {
			if err := validateAPIStyle(name, provider.APIStyle); err != nil {
				return err
			}
		}
		for _, model := range provider.Models {
			if strings.TrimSpace(model.ID) == "" {
				return fmt.Errorf("provider %s: model id must not be empty", name)
			}
			if err := validateAPIStyle(name, model.APIStyle); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("provider %s: unsupported type %q", name, typ)
	}

	if provider.Timeout < 0 || provider.Cooldown < 0 {
		return fmt.Errorf("provider %s: durations must not be negative", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func validateAPIStyle(providerName, style string) error {
	switch style {
	case apiStyleOpenAI, apiStyleClaude:
		return nil
	default:
		return fmt.Errorf("provider %s: model api_style %q must be one of %q or %q", providerName, style, apiStyleOpenAI, apiStyleClaude)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
