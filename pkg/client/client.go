package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNotFound is returned when the API answers 404.
var ErrNotFound = errors.New("client: not found")

// Client talks to the taskboard operator API.
type Client struct {
	baseURL string
	rootURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	// BaseURL is the API root including its base path, e.g.
	// http://localhost:8080/api.
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	root := *u
	root.Path = ""

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: u.String(),
		rootURL: root.String(),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// Health fetches /healthz. A terminated supervisor answers 503, which is
// reported through Health.Terminated rather than as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, c.rootURL+"/healthz", nil, &h)
	if err != nil && h.Terminated {
		return h, nil
	}
	return h, err
}

// Rows lists every row of table.
func (c *Client) Rows(ctx context.Context, table string) ([]Row, error) {
	var rows []Row
	if err := c.do(ctx, http.MethodGet, c.rowsURL(table), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Row returns one row.
func (c *Client) Row(ctx context.Context, table, id string) (Row, error) {
	var row Row
	err := c.do(ctx, http.MethodGet, c.rowURL(table, id), nil, &row)
	return row, err
}

// FindByName returns the first row of table whose name field equals name.
func (c *Client) FindByName(ctx context.Context, table, name string) (Row, error) {
	rows, err := c.Rows(ctx, table)
	if err != nil {
		return Row{}, err
	}
	for _, r := range rows {
		if n, _ := r.Fields["name"].(string); n == name {
			return r, nil
		}
	}
	return Row{}, fmt.Errorf("%s/%s: %w", table, name, ErrNotFound)
}

// Insert creates a row and returns it with its assigned id.
func (c *Client) Insert(ctx context.Context, table string, req InsertRequest) (Row, error) {
	c.logger.Debug("inserting row", "table", table)
	var row Row
	err := c.do(ctx, http.MethodPost, c.rowsURL(table), req, &row)
	return row, err
}

// Update sets the given fields of a row and returns the updated row.
func (c *Client) Update(ctx context.Context, table, id string, fields map[string]any) (Row, error) {
	c.logger.Debug("updating row", "table", table, "id", id, "fields", len(fields))
	var row Row
	err := c.do(ctx, http.MethodPatch, c.rowURL(table, id), fields, &row)
	return row, err
}

// SetChildren replaces the content blocks of a row.
func (c *Client) SetChildren(ctx context.Context, table, id string, blocks []Block) (Row, error) {
	if blocks == nil {
		blocks = []Block{}
	}
	var row Row
	err := c.do(ctx, http.MethodPut, c.rowURL(table, id)+"/children", blocks, &row)
	return row, err
}

// Delete removes a row.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, c.rowURL(table, id), nil, nil)
}

// Processes returns task name → pid of the processes the supervisor tracks.
func (c *Client) Processes(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	err := c.do(ctx, http.MethodGet, c.baseURL+"/debug/processes", nil, &out)
	return out, err
}

func (c *Client) rowsURL(table string) string {
	return c.baseURL + "/tables/" + url.PathEscape(table) + "/rows"
}

func (c *Client) rowURL(table, id string) string {
	return c.rowsURL(table) + "/" + url.PathEscape(id)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 -- explicit operator opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do performs one request. in is sent as JSON when non-nil; a 2xx body is
// decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp, out)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx answer into an error. The body is
// still decoded into out when it parses, so callers can inspect it.
func (c *Client) handleErrorResponse(resp *http.Response, out any) error {
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		_ = json.Unmarshal(data, out)
	}
	var errorResp ErrorResponse
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if json.Unmarshal(data, &errorResp) == nil && errorResp.Error != "" {
		msg = errorResp.Error
	}
	c.logger.Debug("API request failed", "error", msg, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("API error: %s", msg)
}
