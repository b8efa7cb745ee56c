// Package client talks to the streamnexus HTTP API.
package client

import (
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
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides HTTP client functionality to communicate with a streamnexus daemon
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	tls     *tls.Config
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token, sent when non-empty
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

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
	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsConfig *tls.Config
	if config.TLS != nil || config.Insecure {
		var err error
		if tlsConfig, err = setupClientTLS(config); err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		tls:     tlsConfig,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// IsReachable checks if the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) StartStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(id)+"/start", nil)
}

func (c *Client) StopStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/streams/"+url.PathEscape(id)+"/stop", nil)
}

func (c *Client) StreamStatus(ctx context.Context, id string) (StreamStatus, error) {
	var out StreamStatus
	err := c.do(ctx, http.MethodGet, "/streams/"+url.PathEscape(id)+"/status", &out)
	return out, err
}

// StreamLogs returns up to lines recent output lines; 0 returns all retained lines.
func (c *Client) StreamLogs(ctx context.Context, id string, lines int) (StreamLogs, error) {
	var out StreamLogs
	path := "/streams/" + url.PathEscape(id) + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// FollowLogs streams encoder output to fn until the encoder goes away, ctx ends
// or fn returns an error.
func (c *Client) FollowLogs(ctx context.Context, id string, fn func(line string) error) error {
	u, err := url.Parse(c.baseURL + "/streams/" + url.PathEscape(id) + "/logs/follow")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: c.tls}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return decodeError(resp)
		}
		return fmt.Errorf("dial log feed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read log feed: %w", err)
		}
		if err := fn(string(msg)); err != nil {
			return err
		}
	}
}

func (c *Client) Rotation(ctx context.Context, id string) (Rotation, error) {
	var out struct {
		Rotation Rotation `json:"rotation"`
	}
	err := c.do(ctx, http.MethodGet, "/rotations/"+url.PathEscape(id), &out)
	return out.Rotation, err
}

func (c *Client) ActivateRotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rotations/"+url.PathEscape(id)+"/activate", nil)
}

func (c *Client) PauseRotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rotations/"+url.PathEscape(id)+"/pause", nil)
}

func (c *Client) StopRotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rotations/"+url.PathEscape(id)+"/stop", nil)
}

func (c *Client) DeleteRotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/rotations/"+url.PathEscape(id), nil)
}

func (c *Client) Sync(ctx context.Context) (SyncResult, error) {
	var out struct {
		Result SyncResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/sync", &out)
	return out.Result, err
}

func (c *Client) Active(ctx context.Context) ([]Encoder, error) {
	var out struct {
		Encoders []Encoder `json:"encoders"`
	}
	err := c.do(ctx, http.MethodGet, "/active", &out)
	return out.Encoders, err
}

// do sends a bodiless request and decodes a successful JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeError(resp)
		c.logger.Debug("API request failed", "method", method, "path", path, "error", apiErr)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		pem, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse CA certificate: no certificates found")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
