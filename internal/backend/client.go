// Package backend is the client for the drafting backend's draft, template, section
// and assembly endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxErrorBody bounds how much of a failed response is read for the error message.
const maxErrorBody = 64 * 1024

// Error is a non-2xx answer from the backend.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("backend %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %d: %s", e.Status, e.Message)
}

// IsUnauthorized reports a rejected or expired credential.
func IsUnauthorized(err error) bool {
	var backendErr *Error
	return errors.As(err, &backendErr) && (backendErr.Status == http.StatusUnauthorized || backendErr.Status == http.StatusForbidden)
}

func IsNotFound(err error) bool {
	var backendErr *Error
	return errors.As(err, &backendErr) && backendErr.Status == http.StatusNotFound
}

// Client talks to one backend on behalf of one user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	userID     string
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Timeouts should come from contexts, not
// from the client, because generation and assembly are long-running.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithToken sets the bearer token forwarded on every request.
func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

// WithUserID scopes template-level values to a user.
func WithUserID(userID string) Option {
	return func(client *Client) {
		client.userID = userID
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserID returns the user the client acts for.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, reader, contentType, out)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s %s: %w", method, path, err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &Error{Status: resp.StatusCode}
	var payload struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = firstNonBlank(payload.Message, payload.Error, payload.Detail)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func pathEscape(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return strings.Join(escaped, "/")
}
