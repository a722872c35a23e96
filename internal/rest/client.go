package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/rickgao/gatecord/internal/version"
)

// Doer sends one request and returns the raw response whatever its status.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Client provides access to the REST API.
type Client struct {
	baseURL       string
	authorization string
	userAgent     string
	httpClient    *http.Client
	logger        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. baseURL includes the API version
// path; authorization is the full Authorization header value.
func NewClient(baseURL, authorization string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		authorization: authorization,
		userAgent:     version.UserAgent(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL joins a REST root and an API version.
func BaseURL(root string, apiVersion int) string {
	return fmt.Sprintf("%s/v%d", strings.TrimRight(root, "/"), apiVersion)
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewHTTP2Client returns an HTTP client that negotiates HTTP/2 over TLS and
// pings idle connections so dead ones are noticed before a request is lost
// on them. Plain HTTP endpoints keep using HTTP/1.1.
func NewHTTP2Client(timeout time.Duration) (*http.Client, error) {
	t1 := http.DefaultTransport.(*http.Transport).Clone()
	t2, err := http2.ConfigureTransports(t1)
	if err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	t2.ReadIdleTimeout = 30 * time.Second
	t2.PingTimeout = 15 * time.Second

	return &http.Client{
		Transport: t1,
		Timeout:   timeout,
	}, nil
}

// Do performs a single attempt of req. Any HTTP status is returned as a
// Response; only transport failures are errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.baseURL + req.path()
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.authorization != "" {
		httpReq.Header.Set("Authorization", c.authorization)
	}
	if req.Reason != "" {
		// The header is read back percent-decoded, which keeps non-ASCII reasons intact.
		httpReq.Header.Set("X-Audit-Log-Reason", url.PathEscape(req.Reason))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// encodeBody returns the request body and its content type.
func (r *Request) encodeBody() (io.Reader, string, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "application/json", nil
	case json.RawMessage:
		return bytes.NewReader(b), "application/json", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("marshal request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
