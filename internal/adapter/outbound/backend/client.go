// Package backend provides the adapter for the OpenAI-compatible completion
// backend.
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/chat"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/policy"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/stream"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/upstream"
	"github.com/Sentinel-Gate/guard-proxy/internal/port/outbound"
)

const (
	// maxResponseBodySize bounds a non-streamed backend reply.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
)

// Client forwards requests to the backend.
// It implements the outbound.Backend interface.
type Client struct {
	baseURL      string
	query        url.Values
	apiKey       string
	model        string
	systemPrompt string
	timeout      time.Duration

	// httpClient serves bounded requests; streamClient has no overall
	// timeout so long generations are limited only by the caller's context.
	httpClient   *http.Client
	streamClient *http.Client
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithAPIKey replaces the client's Authorization header with a bearer key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithModel forces every chat request onto model.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithSystemPrompt injects prompt into conversations without a system message.
func WithSystemPrompt(prompt string) ClientOption {
	return func(c *Client) {
		c.systemPrompt = prompt
	}
}

// WithQuery sets operator query parameters appended to every request.
// Client parameters win on conflict.
func WithQuery(q url.Values) ClientOption {
	return func(c *Client) {
		c.query = q
	}
}

// WithTimeout bounds non-streamed requests.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets a custom HTTP client for both bounded and streamed
// requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
		c.streamClient = client
	}
}

// NewClient creates a client for the backend rooted at baseURL, for
// example "http://127.0.0.1:11434/v1".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      30 * time.Second,
		httpClient:   &http.Client{Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ChatCompletion implements outbound.Backend.
func (c *Client) ChatCompletion(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error) {
	if c.model != "" {
		req.SetModel(c.model)
	}
	req.InjectSystemPrompt(c.systemPrompt)

	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	client := c.streamClient
	if !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
		client = c.httpClient
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, chatCompletionsPath, bytes.NewReader(body), in)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		return nil, &upstream.BackendError{
			Status: resp.StatusCode,
			Header: upstream.FilterResponseHeaders(resp.Header),
			Body:   errBody,
			Err:    upstream.ErrBackendStatus,
		}
	}

	header := upstream.FilterResponseHeaders(resp.Header)
	if req.Stream && isEventStream(resp.Header) {
		return &upstream.Response{
			Status: resp.StatusCode,
			Header: header,
			Stream: stream.NewDecoder(resp.Body),
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, transportError(err)
	}
	return &upstream.Response{Status: resp.StatusCode, Header: header, Body: respBody}, nil
}

// Models implements outbound.Backend.
func (c *Client) Models(ctx context.Context, in upstream.Inbound) (*upstream.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, http.MethodGet, modelsPath, nil, in)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, transportError(err)
	}
	return &upstream.Response{
		Status: resp.StatusCode,
		Header: upstream.FilterResponseHeaders(resp.Header),
		Body:   body,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, in upstream.Inbound) (*http.Request, error) {
	target := c.baseURL + path
	if q := MergeQuery(c.query, in.Query).Encode(); q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header = upstream.FilterRequestHeaders(in.Header, policy.ControlHeaders...)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
}

// MergeQuery combines operator and client query parameters. A key present
// in operator replaces every client value for that key.
func MergeQuery(operator, client url.Values) url.Values {
	out := make(url.Values, len(operator)+len(client))
	for k, v := range client {
		out[k] = append([]string(nil), v...)
	}
	for k, v := range operator {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func isEventStream(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}

func transportError(err error) error {
	status := http.StatusBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	return &upstream.BackendError{
		Status: status,
		Err:    fmt.Errorf("%w: %w", upstream.ErrBackendUnavailable, err),
	}
}

// Compile-time check that Client implements Backend interface.
var _ outbound.Backend = (*Client)(nil)
