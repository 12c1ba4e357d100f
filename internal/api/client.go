// Package api reads builds from the GameNest REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gamenest/buildsync/internal/builds"
)

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
)

// StatusError is returned for any other non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080/api/v1.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithToken returns a copy of the client that sends token as a Bearer credential.
func (c *Client) WithToken(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		token:      token,
	}
}

// Builds fetches every build of a game, newest first.
func (c *Client) Builds(ctx context.Context, gameID int64) ([]builds.Build, error) {
	var list []builds.Build
	if err := c.get(ctx, fmt.Sprintf("/builds/game/%d", gameID), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// LatestSuccess fetches the most recent successful build of a game. It returns
// ErrNotFound when the game has none.
func (c *Client) LatestSuccess(ctx context.Context, gameID int64) (*builds.Build, error) {
	var b builds.Build
	if err := c.get(ctx, fmt.Sprintf("/builds/game/%d/latest-success", gameID), &b); err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("GET %s: %w", path, ErrUnauthorized)
	case http.StatusForbidden:
		return fmt.Errorf("GET %s: %w", path, ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("api: decoding %s: %w", path, err)
	}
	return nil
}
