// Package looker resolves dashboard links to the SQL behind them using the
// Looker 4.0 API.
package looker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/creditbot/internal/links"
)

var (
	// ErrUnsupportedLink is returned for links whose shape cannot be resolved.
	ErrUnsupportedLink = errors.New("looker: unsupported link")
	// ErrNoQuery means the look or query exists but carries no SQL.
	ErrNoQuery = errors.New("looker: no query found")

	errUnauthorized = errors.New("looker: unauthorized")
)

// Client talks to one Looker instance.
type Client struct {
	apiURL       string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		apiURL:       strings.TrimRight(baseURL, "/") + "/api/4.0",
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient replaces the client used for API calls.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Resolve returns the SQL for a look or explore reference.
func (c *Client) Resolve(ctx context.Context, ref links.DashboardReference) (string, error) {
	var queryID string
	switch ref.Kind {
	case links.KindLook:
		lookID := links.LookID(ref)
		if lookID == "" {
			return "", fmt.Errorf("%w: no look id in %s", ErrUnsupportedLink, ref.URL)
		}
		var look struct {
			QueryID json.Number `json:"query_id"`
		}
		if err := c.getJSON(ctx, "/looks/"+url.PathEscape(lookID), &look); err != nil {
			return "", fmt.Errorf("failed to fetch look %s: %w", lookID, err)
		}
		queryID = look.QueryID.String()
	case links.KindExplore:
		slug := links.QuerySlug(ref)
		if slug == "" {
			return "", fmt.Errorf("%w: no qid in %s", ErrUnsupportedLink, ref.URL)
		}
		var q struct {
			ID json.Number `json:"id"`
		}
		if err := c.getJSON(ctx, "/queries/slug/"+url.PathEscape(slug), &q); err != nil {
			return "", fmt.Errorf("failed to fetch query slug %s: %w", slug, err)
		}
		queryID = q.ID.String()
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLink, ref.URL)
	}

	if queryID == "" {
		return "", fmt.Errorf("%w: %s has no query_id", ErrNoQuery, ref.URL)
	}
	return c.querySQL(ctx, queryID)
}

func (c *Client) querySQL(ctx context.Context, queryID string) (string, error) {
	var q struct {
		SQL string `json:"sql"`
	}
	if err := c.getJSON(ctx, "/queries/"+queryID, &q); err != nil {
		return "", fmt.Errorf("failed to fetch query %s: %w", queryID, err)
	}
	if strings.TrimSpace(q.SQL) != "" {
		log.Debug().Str("query_id", queryID).Msg("Resolved SQL from query")
		return q.SQL, nil
	}

	// Some queries only produce SQL when run.
	body, err := c.get(ctx, "/queries/"+queryID+"/run/sql")
	if err != nil {
		return "", fmt.Errorf("failed to run query %s for sql: %w", queryID, err)
	}
	sql := strings.TrimSpace(string(body))
	if sql == "" {
		return "", fmt.Errorf("%w: query %s", ErrNoQuery, queryID)
	}
	log.Debug().Str("query_id", queryID).Msg("Resolved SQL by running query")
	return sql, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// get issues an authenticated GET, logging in again once on 401.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	body, err := c.doGet(ctx, path)
	if errors.Is(err, errUnauthorized) {
		c.invalidate()
		body, err = c.doGet(ctx, path)
	}
	return body, err
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("looker API %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("looker login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("looker login failed: %s, response: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var auth struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if auth.AccessToken == "" {
		return "", fmt.Errorf("no access token in looker login response")
	}

	ttl := time.Duration(auth.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	// Refresh a minute early.
	c.token = auth.AccessToken
	c.tokenExpiry = time.Now().Add(ttl - time.Minute)

	log.Info().Msg("Authenticated with Looker API")
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
