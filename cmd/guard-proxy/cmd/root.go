// Package cmd provides the CLI commands for guard-proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/guard-proxy/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "guard-proxy",
	Short: "guard-proxy - OpenAI-compatible guardrail proxy",
	Long: `guard-proxy sits between OpenAI-compatible clients and a model server.

Prompts and completions can be sent to a content scanning service on the
way through. Flagged content is refused; sensitive content can be redacted
in place. Streaming responses are supported in both directions.

Quick start:
  1. Point backend.url at your model server (default http://127.0.0.1:11434)
  2. Run: guard-proxy start
  3. Point your client at http://127.0.0.1:8000/v1

Configuration:
  Config is loaded from guard-proxy.yaml in the current directory,
  $HOME/.guard-proxy/, or /etc/guard-proxy/.

  Environment variables can override config values with the GUARD_PROXY_ prefix.
  Example: GUARD_PROXY_BACKEND_URL=http://llm.internal:8080/v1
  OPENAI_API_URL, OPENAI_API_KEY, MODEL, PROXY_TIMEOUT, SYSTEM_PROMPT, DEBUG
  and the F5_AI_GUARDRAILS_* variables are accepted as well.

Per-request control headers:
  X-Enable-Guardrail, X-Redact, X-Scan-Prompt, X-Scan-Response,
  X-Redact-Prompt, X-Redact-Response (true|false)

Commands:
  start       Start the proxy server
  stop        Stop the running server
  config      Print the effective configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./guard-proxy.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
