package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for guard-proxy.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("guard-proxy")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GUARD_PROXY_BACKEND_URL
	viper.SetEnvPrefix("GUARD_PROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a guard-proxy config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".guard-proxy"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "guard-proxy"))
		}
	} else {
		paths = append(paths, "/etc/guard-proxy")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for guard-proxy.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "guard-proxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envAliases maps config keys to the plain environment names accepted in
// addition to the GUARD_PROXY_ form. The prefixed form wins when both are set.
var envAliases = map[string]string{
	"backend.url":                "OPENAI_API_URL",
	"backend.api_key":            "OPENAI_API_KEY",
	"backend.model":              "MODEL",
	"backend.timeout":            "PROXY_TIMEOUT",
	"backend.system_prompt":      "SYSTEM_PROMPT",
	"dev_mode":                   "DEBUG",
	"guardrails.api_url":         "F5_AI_GUARDRAILS_API_URL",
	"guardrails.api_token":       "F5_AI_GUARDRAILS_API_TOKEN",
	"guardrails.project_id":      "F5_AI_GUARDRAILS_PROJECT_ID",
	"guardrails.scan_prompt":     "F5_AI_GUARDRAILS_SCAN_PROMPT",
	"guardrails.scan_response":   "F5_AI_GUARDRAILS_SCAN_RESPONSE",
	"guardrails.redact_prompt":   "F5_AI_GUARDRAILS_REDACT_PROMPT",
	"guardrails.redact_response": "F5_AI_GUARDRAILS_REDACT_RESPONSE",
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// Example: GUARD_PROXY_GUARDRAILS_FAILURE_MODE overrides guardrails.failure_mode
func bindNestedEnvKeys() {
	keys := []string{
		"server.http_addr",
		"server.log_level",
		"server.log_format",
		"server.tls_cert_file",
		"server.tls_key_file",
		"backend.url",
		"backend.api_key",
		"backend.model",
		"backend.system_prompt",
		"backend.timeout",
		"guardrails.api_url",
		"guardrails.api_token",
		"guardrails.project_id",
		"guardrails.timeout",
		"guardrails.failure_mode",
		"guardrails.block_status",
		"guardrails.scan_prompt",
		"guardrails.scan_response",
		"guardrails.redact_prompt",
		"guardrails.redact_response",
		"stream.chunk_size",
		"tracing.enabled",
		"dev_mode",
	}
	for _, key := range keys {
		prefixed := "GUARD_PROXY_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if alias, ok := envAliases[key]; ok {
			_ = viper.BindEnv(key, prefixed, alias)
			continue
		}
		_ = viper.BindEnv(key, prefixed)
	}
}

// decodeHook turns env strings into typed config values. Booleans accept
// yes/no and on/off in addition to what strconv.ParseBool understands.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		lenientBoolHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func lenientBoolHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	switch strings.ToLower(strings.TrimSpace(data.(string))) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off", "":
		return false, nil
	}
	return data, nil
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev) with
// LoadConfigRaw instead, then call SetDevDefaults and Validate.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
