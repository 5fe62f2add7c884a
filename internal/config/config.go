// Package config provides configuration types for guard-proxy.
//
// Configuration is file-based (guard-proxy.yaml) with environment overrides.
// Config is the raw, validated document; Settings is the parsed runtime form
// that the start command builds once and hands to every component.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/policy"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
)

// Config is the top-level configuration for guard-proxy.
type Config struct {
	// Server configures the HTTP listener and logging.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Backend configures the OpenAI-compatible server requests are forwarded to.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Guardrails configures the content scanning service and the default policy.
	Guardrails GuardrailsConfig `yaml:"guardrails" mapstructure:"guardrails"`

	// Stream configures how scanned streams are re-emitted.
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode forces debug logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "0.0.0.0:8000").
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"required,hostname_port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile,omitempty,file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile,omitempty,file"`
}

// BackendConfig configures the upstream model server.
type BackendConfig struct {
	// URL is the backend base URL. Query parameters are split off and sent
	// with every backend request.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// APIKey is sent as a bearer token. Empty forwards the client's own
	// Authorization header.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Model, when set, replaces the model of every chat request.
	Model string `yaml:"model" mapstructure:"model"`

	// SystemPrompt is prepended to requests that carry no system message.
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt"`

	// Timeout bounds non-streaming backend calls ("30s", or plain seconds).
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// GuardrailsConfig configures the scanning service and default policy.
type GuardrailsConfig struct {
	// APIURL is the scanning service base URL.
	APIURL string `yaml:"api_url" mapstructure:"api_url" validate:"omitempty,url"`

	// APIToken authenticates against the scanning service.
	APIToken string `yaml:"api_token" mapstructure:"api_token"`

	// ProjectID selects the scanner configuration in the service.
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`

	// Timeout bounds a single scan.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// FailureMode is "open" or "closed". Default: closed.
	FailureMode string `yaml:"failure_mode" mapstructure:"failure_mode" validate:"omitempty,oneof=open closed"`

	// BlockStatus is the HTTP status of a guardrail refusal. Default: 403.
	BlockStatus int `yaml:"block_status" mapstructure:"block_status" validate:"omitempty,min=400,max=499"`

	// Default policy, adjustable per request with control headers.
	ScanPrompt     bool `yaml:"scan_prompt" mapstructure:"scan_prompt"`
	ScanResponse   bool `yaml:"scan_response" mapstructure:"scan_response"`
	RedactPrompt   bool `yaml:"redact_prompt" mapstructure:"redact_prompt"`
	RedactResponse bool `yaml:"redact_response" mapstructure:"redact_response"`
}

// Configured reports whether enough is set to reach the scanning service.
func (g GuardrailsConfig) Configured() bool {
	return g.APIURL != "" && g.APIToken != "" && g.ProjectID != ""
}

// StreamConfig configures stream re-encoding.
type StreamConfig struct {
	// ChunkSize is the number of characters per re-emitted content chunk.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size" validate:"omitempty,min=1"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled installs a stdout span exporter.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDevDefaults applies development mode overrides.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8000"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:11434"
	}
	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "30s"
	}

	if c.Guardrails.Timeout == "" {
		c.Guardrails.Timeout = "30s"
	}
	if c.Guardrails.FailureMode == "" {
		c.Guardrails.FailureMode = string(scan.FailClosed)
	}
	if c.Guardrails.BlockStatus == 0 {
		c.Guardrails.BlockStatus = 403
	}

	if c.Stream.ChunkSize == 0 {
		c.Stream.ChunkSize = 5
	}
}

// Settings is the parsed, immutable runtime form of Config.
type Settings struct {
	HTTPAddr    string
	LogLevel    string
	LogFormat   string
	TLSCertFile string
	TLSKeyFile  string

	BackendURL     string
	BackendQuery   url.Values
	APIKey         string
	Model          string
	SystemPrompt   string
	BackendTimeout time.Duration

	GuardrailsURL     string
	GuardrailsToken   string
	GuardrailsProject string
	ScanTimeout       time.Duration
	FailureMode       scan.FailureMode
	BlockStatus       int
	Defaults          policy.Policy

	ChunkSize      int
	TracingEnabled bool
	DevMode        bool
}

// TLSEnabled reports whether the listener serves HTTPS.
func (s *Settings) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

// GuardrailsConfigured reports whether a scanner can be built.
func (s *Settings) GuardrailsConfigured() bool {
	return s.GuardrailsURL != "" && s.GuardrailsToken != "" && s.GuardrailsProject != ""
}

// Settings parses c into its runtime form. c must have been validated.
func (c *Config) Settings() (*Settings, error) {
	backendURL, query, err := SplitBackendURL(c.Backend.URL)
	if err != nil {
		return nil, err
	}
	backendTimeout, err := ParseDuration(c.Backend.Timeout)
	if err != nil {
		return nil, fmt.Errorf("backend.timeout: %w", err)
	}
	scanTimeout, err := ParseDuration(c.Guardrails.Timeout)
	if err != nil {
		return nil, fmt.Errorf("guardrails.timeout: %w", err)
	}
	mode, err := scan.ParseFailureMode(c.Guardrails.FailureMode)
	if err != nil {
		return nil, fmt.Errorf("guardrails.failure_mode: %w", err)
	}

	return &Settings{
		HTTPAddr:          c.Server.HTTPAddr,
		LogLevel:          c.Server.LogLevel,
		LogFormat:         c.Server.LogFormat,
		TLSCertFile:       c.Server.TLSCertFile,
		TLSKeyFile:        c.Server.TLSKeyFile,
		BackendURL:        backendURL,
		BackendQuery:      query,
		APIKey:            c.Backend.APIKey,
		Model:             c.Backend.Model,
		SystemPrompt:      c.Backend.SystemPrompt,
		BackendTimeout:    backendTimeout,
		GuardrailsURL:     c.Guardrails.APIURL,
		GuardrailsToken:   c.Guardrails.APIToken,
		GuardrailsProject: c.Guardrails.ProjectID,
		ScanTimeout:       scanTimeout,
		FailureMode:       mode,
		BlockStatus:       c.Guardrails.BlockStatus,
		Defaults: policy.Policy{
			ScanPrompt:     c.Guardrails.ScanPrompt,
			ScanResponse:   c.Guardrails.ScanResponse,
			RedactPrompt:   c.Guardrails.RedactPrompt,
			RedactResponse: c.Guardrails.RedactResponse,
		},
		ChunkSize:      c.Stream.ChunkSize,
		TracingEnabled: c.Tracing.Enabled,
		DevMode:        c.DevMode,
	}, nil
}

// SplitBackendURL removes the query string from raw and returns it
// separately. A URL without a path gets "/v1" appended, so a bare host
// such as http://127.0.0.1:11434 reaches the OpenAI-compatible routes.
func SplitBackendURL(raw string) (string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", nil, fmt.Errorf("backend.url: %q is not an absolute URL", raw)
	}
	query := u.Query()
	u.RawQuery = ""
	u.Fragment = ""
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/v1"
	}
	return strings.TrimRight(u.String(), "/"), query, nil
}

// ParseDuration parses a Go duration string. A plain number is taken as
// seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive, got %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

// Masked returns a copy of c with secrets replaced, for printing.
func (c Config) Masked() Config {
	c.Backend.APIKey = maskSecret(c.Backend.APIKey)
	c.Guardrails.APIToken = maskSecret(c.Guardrails.APIToken)
	return c
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}
