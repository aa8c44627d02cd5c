// Package collab is the client for the collaborative document provider. It only reads
// connection state, access tokens and document permissions; the OAuth handshake lives
// elsewhere.
package collab

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
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrTokenExpired means the user must reconnect the provider; retrying will not help.
	ErrTokenExpired = errors.New("collaborative document access has expired")
	ErrNotConnected = errors.New("collaborative document provider is not connected")
)

// tokenSkew renews a cached token slightly before the provider would reject it.
const tokenSkew = time.Minute

type Status struct {
	Connected bool   `json:"connected"`
	Email     string `json:"email,omitempty"`
}

type Token struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type Permission struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	Type  string `json:"type"`
}

// TokenProvider is what the assembly pipeline needs to share a document.
type TokenProvider interface {
	AccessToken(ctx context.Context) (Token, error)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

func WithToken(token string) Option {
	return func(client *Client) {
		client.token = token
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time

	mu     sync.Mutex
	cached Token
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/api/google/status", nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// AccessToken returns a cached token while it is valid. Concurrent refreshes share one
// request.
func (c *Client) AccessToken(ctx context.Context) (Token, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()
	if cached.AccessToken != "" && (cached.ExpiresAt.IsZero() || c.now().Add(tokenSkew).Before(cached.ExpiresAt)) {
		return cached, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		var token Token
		if err := c.do(ctx, http.MethodGet, "/api/google/token", nil, &token); err != nil {
			return Token{}, err
		}
		if token.AccessToken == "" {
			return Token{}, ErrNotConnected
		}
		c.mu.Lock()
		c.cached = token
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		c.forget()
		return Token{}, err
	}
	return v.(Token), nil
}

func (c *Client) forget() {
	c.mu.Lock()
	c.cached = Token{}
	c.mu.Unlock()
}

func (c *Client) ListPermissions(ctx context.Context, docID string) ([]Permission, error) {
	var body struct {
		Permissions []Permission `json:"permissions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/google/docs/"+url.PathEscape(docID)+"/permissions", nil, &body); err != nil {
		return nil, err
	}
	return body.Permissions, nil
}

func (c *Client) Share(ctx context.Context, docID, email, role string) (Permission, error) {
	if role == "" {
		role = "writer"
	}
	var perm Permission
	body := map[string]string{"email": email, "role": role}
	if err := c.do(ctx, http.MethodPost, "/api/google/docs/"+url.PathEscape(docID)+"/permissions", body, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

func (c *Client) RemovePermission(ctx context.Context, docID, permissionID string) error {
	path := "/api/google/docs/" + url.PathEscape(docID) + "/permissions/" + url.PathEscape(permissionID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) MakePublic(ctx context.Context, docID string) error {
	return c.do(ctx, http.MethodPost, "/api/google/docs/"+url.PathEscape(docID)+"/public", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("collab call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func classify(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &payload)
	code := strings.ToLower(payload.Code)
	message := strings.TrimSpace(payload.Error)
	if message == "" {
		message = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, code == "token_expired", code == "invalid_grant":
		return fmt.Errorf("%w: %s", ErrTokenExpired, message)
	case code == "not_connected", resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrNotConnected, message)
	default:
		return fmt.Errorf("collab provider %d: %s", resp.StatusCode, message)
	}
}

// Reconnect reports whether err asks the user to reconnect rather than retry.
func Reconnect(err error) bool {
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrNotConnected)
}
