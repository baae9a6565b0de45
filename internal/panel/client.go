// Package panel talks to the Remnawave-style access panel that owns VPN users.
package panel

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

	"subscription-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUserExists   = errors.New("panel user already exists")
	ErrUserNotFound = errors.New("panel user not found")
)

// APIError is a non-2xx panel response
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("panel %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a panel client; every call is bounded by timeout
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

type envelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "PanelClient."+op)
	defer span.End()

	start := time.Now()
	defer func() {
		util.PanelRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("panel %s: encode: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("panel %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Panel request failed",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
		)
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("panel %s: decode: %w", op, err)
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("panel %s: decode response: %w", op, err)
	}
	return nil
}

// CreateUser creates a panel user; an existing username yields ErrUserExists
func (c *Client) CreateUser(ctx context.Context, spec UserSpec) (*User, error) {
	var user User
	err := c.do(ctx, "CreateUser", http.MethodPost, "/api/users", spec, &user)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusConflict ||
		strings.Contains(strings.ToLower(apiErr.Body), "already exists")) {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, spec.Username)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser overwrites the limits and expiry of the user keyed by id
func (c *Client) UpdateUser(ctx context.Context, id uuid.UUID, spec UserSpec) (*User, error) {
	body := struct {
		UUID uuid.UUID `json:"uuid"`
		UserSpec
	}{UUID: id, UserSpec: spec}

	var user User
	if err := c.do(ctx, "UpdateUser", http.MethodPatch, "/api/users", body, &user); err != nil {
		return nil, notFound(err, id.String())
	}
	return &user, nil
}

// DeleteUser removes a panel user; a missing user reports false
func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) (bool, error) {
	err := c.do(ctx, "DeleteUser", http.MethodDelete, "/api/users/"+id.String(), nil, nil)
	if err != nil {
		if errors.Is(notFound(err, id.String()), ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetUserByUsername looks a user up by its unique username
func (c *Client) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	path := "/api/users/by-username/" + url.PathEscape(username)
	if err := c.do(ctx, "GetUserByUsername", http.MethodGet, path, nil, &user); err != nil {
		return nil, notFound(err, username)
	}
	return &user, nil
}

// ResetTraffic zeroes the used traffic counter of a user
func (c *Client) ResetTraffic(ctx context.Context, id uuid.UUID) error {
	path := "/api/users/" + id.String() + "/actions/reset-traffic"
	return notFound(c.do(ctx, "ResetTraffic", http.MethodPost, path, nil, nil), id.String())
}

func notFound(err error, ref string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUserNotFound, ref)
	}
	return err
}
