// Package api is the HTTP client for the TaskFolk REST API. Failures come
// back classified through errs, so callers decide whether to retry or queue
// without ever inspecting a response themselves.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/taskfolk/syncline/internal/errs"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Collection payloads are
	// small JSON documents.
	maxResponseBytes = 1024 * 1024
)

// Client talks to the TaskFolk REST API on behalf of one device.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates an API client. If httpClient is nil, a client with a
// 30-second timeout and same-host redirect policy is created.
func New(baseURL, token, deviceID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		deviceID:   deviceID,
	}
}

// errorMessage extracts the server's error field when the body carries one,
// falling back to a sanitized excerpt of the raw body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error").Str; msg != "" {
		return msg
	}

	return sanitizeBody(body)
}

// sanitizeBody truncates a response body for inclusion in error messages
// and replaces non-printable characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (r < 0x20 && r != '\n' && r != '\t') {
			return '?'
		}

		return r
	}, string(body))
}

// do sends one authenticated JSON request and returns the response body.
// Transport failures and non-2xx statuses come back as *errs.Error.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	op := strings.ToLower(method) + " " + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, op, fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Device-ID", c.deviceID)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Classify(err), op, fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.Wrap(errs.Network, op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errs.FromStatus(op, resp.StatusCode, errorMessage(respBody))
	}

	return respBody, nil
}

// List fetches every record in a collection as raw JSON.
func (c *Client) List(ctx context.Context, collection string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/"+collection, nil)
}

// Create posts a new record to a collection and returns the server's copy.
func (c *Client) Create(ctx context.Context, collection string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/"+collection, payload)
}

// Update replaces the record with the given id and returns the server's
// copy. The server resolves concurrent updates last-write-wins.
func (c *Client) Update(ctx context.Context, collection, id string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPut, "/"+collection+"/"+url.PathEscape(id), payload)
}

// UnreadCount returns the number of unread messages for this device's user.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil)
	if err != nil {
		return 0, err
	}

	count := gjson.GetBytes(body, "count")
	if !count.Exists() {
		return 0, errs.New(errs.Unknown, "get /messages/unread-count", "response missing count field")
	}

	return int(count.Int()), nil
}
