// Command guard-proxy runs the OpenAI-compatible guardrail proxy.
package main

import "github.com/Sentinel-Gate/guard-proxy/cmd/guard-proxy/cmd"

func main() {
	cmd.Execute()
}
