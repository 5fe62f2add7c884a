// Package guardrails provides the adapter for the remote guardrail scan
// service.
package guardrails

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
	"github.com/Sentinel-Gate/guard-proxy/internal/port/outbound"
)

const (
	// maxResponseBodySize bounds the scan service reply.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// maxErrorSnippet bounds how much of an error reply ends up in an error message.
	maxErrorSnippet = 512
)

// Client submits text to the scan service's /scans endpoint.
// It implements the outbound.Scanner interface.
type Client struct {
	endpoint   string
	token      string
	projectID  string
	httpClient *http.Client
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-scan timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if c.httpClient != nil && d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client for the scan service rooted at apiURL.
func NewClient(apiURL, token, projectID string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:  strings.TrimRight(apiURL, "/") + "/scans",
		token:     token,
		projectID: projectID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type scanRequest struct {
	ExternalMetadata map[string]any `json:"externalMetadata"`
	ForceEnabled     []string       `json:"forceEnabled"`
	Input            string         `json:"input"`
	Project          string         `json:"project"`
	Verbose          bool           `json:"verbose"`
}

type scanResponse struct {
	ID     string `json:"id"`
	Result *struct {
		Outcome       string  `json:"outcome"`
		RedactedInput *string `json:"redactedInput"`
	} `json:"result"`
	// Some deployments report the redacted text next to result.
	RedactedInput *string `json:"redactedInput"`
}

// Scan implements outbound.Scanner.
func (c *Client) Scan(ctx context.Context, text string) (scan.Verdict, error) {
	payload, err := json.Marshal(scanRequest{
		ForceEnabled: []string{},
		Input:        text,
		Project:      c.projectID,
	})
	if err != nil {
		return scan.Verdict{}, fmt.Errorf("%w: encode request: %w", scan.ErrGuardrailService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return scan.Verdict{}, fmt.Errorf("%w: create request: %w", scan.ErrGuardrailService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scan.Verdict{}, fmt.Errorf("%w: http request: %w", scan.ErrGuardrailService, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return scan.Verdict{}, fmt.Errorf("%w: read response: %w", scan.ErrGuardrailService, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return scan.Verdict{}, fmt.Errorf("%w: http status %d: %s", scan.ErrGuardrailService, resp.StatusCode, snippet(body))
	}

	var sr scanResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return scan.Verdict{}, fmt.Errorf("%w: response is not valid JSON: %w", scan.ErrGuardrailService, err)
	}
	if sr.Result == nil {
		return scan.Verdict{}, fmt.Errorf("%w: response has no result", scan.ErrGuardrailService)
	}

	outcome, err := scan.ParseOutcome(sr.Result.Outcome)
	if err != nil {
		return scan.Verdict{}, err
	}

	v := scan.Verdict{Outcome: outcome, ScanID: sr.ID}
	if outcome == scan.OutcomeRedacted {
		redacted := sr.Result.RedactedInput
		if redacted == nil {
			redacted = sr.RedactedInput
		}
		if redacted == nil {
			return scan.Verdict{}, fmt.Errorf("%w: redacted outcome without redactedInput", scan.ErrGuardrailService)
		}
		v.Content = *redacted
	}
	return v, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func snippet(b []byte) string {
	if len(b) > maxErrorSnippet {
		return string(b[:maxErrorSnippet]) + "..."
	}
	return string(b)
}

// Compile-time check that Client implements Scanner interface.
var _ outbound.Scanner = (*Client)(nil)
