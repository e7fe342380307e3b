// Package config holds the gateway configuration: a JSON5 file overlaid
// with environment variables. Secrets come from the environment only and
// are never written back to disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration. Safe for concurrent reads once
// loaded; Reload swaps values under the write lock.
type Config struct {
	Server        ServerConfig        `json:"server,omitempty"`
	Provider      ProviderConfig      `json:"provider,omitempty"`
	Gateway       GatewayConfig       `json:"gateway,omitempty"`
	Transcription TranscriptionConfig `json:"transcription,omitempty"`
	Pipeline      PipelineConfig      `json:"pipeline,omitempty"`
	Database      DatabaseConfig      `json:"database,omitempty"`
	Commerce      CommerceConfig      `json:"commerce,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	mu            sync.RWMutex
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ProviderConfig selects the chat model backend.
type ProviderConfig struct {
	Name        string  `json:"name,omitempty"`     // "openai" or any OpenAI-compatible
	APIBase     string  `json:"api_base,omitempty"` // override for compatible backends
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	APIKey      string  `json:"-"` // from env ATENDAI_PROVIDER_API_KEY only
}

// GatewayConfig points at the channel gateway replies go out through.
type GatewayConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"-"` // from env ATENDAI_GATEWAY_API_KEY only
}

// TranscriptionConfig configures voice-note transcription.
type TranscriptionConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	APIKey   string `json:"-"` // from env ATENDAI_TRANSCRIBE_API_KEY only
}

// PipelineConfig tunes the turn machinery.
type PipelineConfig struct {
	DebounceSeconds    int `json:"debounce_seconds,omitempty"`
	HistoryTurns       int `json:"history_turns,omitempty"`
	MaxToolRounds      int `json:"max_tool_rounds,omitempty"`
	TurnTimeoutSeconds int `json:"turn_timeout_seconds,omitempty"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "postgres" (default) or "sqlite"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env ATENDAI_POSTGRES_DSN only
}

// CommerceConfig points at the storefront backends the tools call.
type CommerceConfig struct {
	StorefrontBaseURL string `json:"storefront_base_url,omitempty"`
	CarrierBaseURL    string `json:"carrier_base_url,omitempty"`
	StorefrontToken   string `json:"-"` // from env ATENDAI_STOREFRONT_TOKEN only
}

// TelemetryConfig configures OTLP span export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Provider: ProviderConfig{
			Name:        "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Transcription: TranscriptionConfig{
			Enabled: true,
			Model:   "whisper-1",
		},
		Pipeline: PipelineConfig{
			DebounceSeconds:    8,
			HistoryTurns:       10,
			MaxToolRounds:      5,
			TurnTimeoutSeconds: 90,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is fine; env vars alone can carry a deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets, env only.
	envStr("ATENDAI_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("ATENDAI_GATEWAY_API_KEY", &c.Gateway.APIKey)
	envStr("ATENDAI_TRANSCRIBE_API_KEY", &c.Transcription.APIKey)
	envStr("ATENDAI_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ATENDAI_STOREFRONT_TOKEN", &c.Commerce.StorefrontToken)

	// Transcription falls back to the chat provider's key; both usually
	// point at the same account.
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = c.Provider.APIKey
	}

	envStr("ATENDAI_HOST", &c.Server.Host)
	if v := os.Getenv("ATENDAI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("ATENDAI_PROVIDER", &c.Provider.Name)
	envStr("ATENDAI_MODEL", &c.Provider.Model)
	envStr("ATENDAI_PROVIDER_API_BASE", &c.Provider.APIBase)
	envStr("ATENDAI_GATEWAY_BASE_URL", &c.Gateway.BaseURL)

	envStr("ATENDAI_DB_DRIVER", &c.Database.Driver)
	envStr("ATENDAI_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("ATENDAI_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ATENDAI_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ATENDAI_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ATENDAI_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ATENDAI_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key missing, set ATENDAI_PROVIDER_API_KEY")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base URL missing")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("postgres driver selected but ATENDAI_POSTGRES_DSN not set")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite driver selected but sqlite_path not set")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}

// DebounceWindow returns the configured quiet window.
func (c *Config) DebounceWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Pipeline.DebounceSeconds) * time.Second
}

// TurnTimeout returns the end-to-end turn deadline.
func (c *Config) TurnTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Pipeline.TurnTimeoutSeconds) * time.Second
}

// Reload re-reads the file and swaps the mutable sections in place.
// Secrets and database selection stay fixed for the process lifetime.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Provider.Model = fresh.Provider.Model
	c.Provider.MaxTokens = fresh.Provider.MaxTokens
	c.Provider.Temperature = fresh.Provider.Temperature
	c.Pipeline = fresh.Pipeline
	c.Transcription.Enabled = fresh.Transcription.Enabled
	c.Transcription.Language = fresh.Transcription.Language
	return nil
}
