package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/metrics"
)

// HelloTimeout bounds a health probe.
const HelloTimeout = 2 * time.Second

// Client talks to a Server. It implements cas.Store.
//
// Transport errors and 5xx responses wrap cas.ErrStoreUnavailable; 404
// wraps cas.ErrNotFound.
type Client struct {
	base     *url.URL
	http     *http.Client
	recorder metrics.Recorder
}

var _ cas.Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithClientRecorder sets the metrics recorder.
func WithClientRecorder(r metrics.Recorder) ClientOption {
	return func(cl *Client) {
		if r != nil {
			cl.recorder = r
		}
	}
}

// NewClient validates baseURL and returns a client for it.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	c := &Client{
		base:     u,
		http:     &http.Client{Timeout: 60 * time.Second},
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*http.Response, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.recorder.IncRemoteRequest(method, false)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", cas.ErrStoreUnavailable, method, target, err)
	}
	c.recorder.IncRemoteRequest(method, resp.StatusCode < 500)
	return resp, nil
}

func statusError(method string, h ir.ContentHash, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", cas.ErrNotFound, h)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: HTTP %d", cas.ErrStoreUnavailable, method, h, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, h, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// Contains issues HEAD /cas/{hash}.
func (c *Client) Contains(ctx context.Context, h ir.ContentHash) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.endpoint("cas", h.String()), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(http.MethodHead, h, resp)
	}
}

// Get issues GET /cas/{hash} and verifies the body.
func (c *Client) Get(ctx context.Context, h ir.ContentHash) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("cas", h.String()), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(http.MethodGet, h, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", cas.ErrStoreUnavailable, h, err)
	}
	if err := cas.Verify(h, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Put issues PUT /cas/{hash}.
func (c *Client) Put(ctx context.Context, data []byte) (ir.ContentHash, error) {
	h := ir.HashBytes(data)
	if data == nil {
		data = []byte{}
	}
	resp, err := c.do(ctx, http.MethodPut, c.endpoint("cas", h.String()), data)
	if err != nil {
		return ir.ContentHash{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return ir.ContentHash{}, statusError(http.MethodPut, h, resp)
	}
	return h, nil
}

// Hello probes the server's health with a HelloTimeout deadline. Failure
// is advisory: callers log it and continue.
func (c *Client) Hello(ctx context.Context) (HelloResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, c.endpoint("hello"), nil)
	if err != nil {
		return HelloResponse{}, fmt.Errorf("hello: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HelloResponse{}, fmt.Errorf("%w: hello: HTTP %d", cas.ErrStoreUnavailable, resp.StatusCode)
	}
	var out HelloResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return HelloResponse{}, fmt.Errorf("hello: decode: %w", err)
	}
	if !out.Success {
		return out, fmt.Errorf("%w: hello: server reported failure", cas.ErrStoreUnavailable)
	}
	return out, nil
}
