// Package registry provides the HTTP client for the read-only registry query
// service both reconciliation sources are served from.
//
// The service speaks an OData-style query dialect: collections are URL path
// segments and filter, sort, paging, and projection arrive as $-prefixed query
// parameters. Responses carry rows under "value" and, when requested, a total
// under "@odata.count".
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cleanse-io/cleanse/internal/config"
	"github.com/cleanse-io/cleanse/internal/engine"
)

const (
	defaultRequestTimeout = 30 * time.Second

	maxErrorBodyBytes = 4096
)

// Sentinel errors for registry client configuration and responses.
var (
	// ErrBaseURLEmpty is returned when no registry base URL is configured.
	ErrBaseURLEmpty = errors.New("registry base URL cannot be empty")

	// ErrUnexpectedStatus is returned when the query service responds with a
	// non-200 status.
	ErrUnexpectedStatus = errors.New("registry query returned unexpected status")
)

// ClientConfig holds registry client settings.
type ClientConfig struct {
	// BaseURL is the root of the registry query service, e.g.
	// "https://registry.internal/api/data/v1".
	BaseURL string

	// APIKey, when set, is sent as a bearer token on every request.
	APIKey string

	// RequestTimeout bounds each individual query.
	RequestTimeout time.Duration
}

// LoadClientConfig loads registry client configuration from environment
// variables with fallback to defaults.
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        config.GetEnvStr("CLEANSE_REGISTRY_URL", ""),
		APIKey:         config.GetEnvStr("CLEANSE_REGISTRY_API_KEY", ""),
		RequestTimeout: config.GetEnvDuration("CLEANSE_REGISTRY_TIMEOUT", defaultRequestTimeout),
	}
}

// Validate checks the configuration before any request is issued.
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid registry base URL: %w", err)
	}

	return nil
}

// Client queries the registry service over HTTP. It implements
// engine.QueryService and is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// ClientOption configures optional Client behavior.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, primarily for tests.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = httpc
	}
}

// NewClient creates a registry client from a validated configuration.
func NewClient(cfg *ClientConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// queryEnvelope is the wire shape of a collection query response.
type queryEnvelope struct {
	Value []engine.Row `json:"value"`
	Count *int64       `json:"@odata.count"`
}

// Execute implements engine.QueryService.
func (c *Client) Execute(ctx context.Context, params engine.QueryParams) (*engine.QueryResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry query failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return nil, fmt.Errorf("%w: %d from %s: %s",
			ErrUnexpectedStatus, resp.StatusCode, params.Collection, strings.TrimSpace(string(body)))
	}

	var envelope queryEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	return &engine.QueryResult{
		Rows:       envelope.Value,
		TotalCount: envelope.Count,
	}, nil
}

// buildURL renders query parameters into the OData-style query string.
func (c *Client) buildURL(params engine.QueryParams) string {
	values := url.Values{}

	if params.Filter != "" {
		values.Set("$filter", params.Filter)
	}

	if params.Sort != "" {
		values.Set("$orderby", params.Sort)
	}

	if params.Skip > 0 {
		values.Set("$skip", strconv.Itoa(params.Skip))
	}

	if params.Top > 0 {
		values.Set("$top", strconv.Itoa(params.Top))
	}

	if len(params.Fields) > 0 {
		values.Set("$select", strings.Join(params.Fields, ","))
	}

	if params.IncludeCount {
		values.Set("$count", "true")
	}

	u := c.baseURL + "/" + url.PathEscape(params.Collection)
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}

	return u
}

var _ engine.QueryService = (*Client)(nil)
