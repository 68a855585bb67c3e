// Package slack is a small Slack Web API client covering what the bot needs:
// reading channel history, replying in threads and messaging the operator.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/creditbot/internal/pipeline"
	"github.com/creditbot/internal/retry"
)

const defaultBaseURL = "https://slack.com/api"

// APIError is a Slack response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// ErrChannelNotFound is returned by ResolveChannel.
var ErrChannelNotFound = errors.New("slack: channel not found")

// errRateLimited marks a 429: Slack rejected the request without acting on it.
var errRateLimited = errors.New("ratelimited")

// Methods with a visible effect. A timeout or 5xx may arrive after Slack
// already posted, so these only retry failures that prove nothing was sent.
var writeMethods = []string{"chat.postMessage"}

// isRetryableWrite reports whether a failed write certainly did not reach Slack.
func isRetryableWrite(err error) bool {
	if errors.Is(err, errRateLimited) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Config configures a Client.
type Config struct {
	Token         string
	BaseURL       string
	RatePerSecond float64
	HistoryLimit  int
}

type Client struct {
	token        string
	baseURL      string
	historyLimit int
	httpClient   *http.Client
	RateLimiter  *rate.Limiter
	retry        retry.RetryConfig
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}

	rc := retry.DefaultRetryConfig()
	rc.Retryable = retry.IsRetryableError

	return &Client{
		token:        cfg.Token,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		historyLimit: cfg.HistoryLimit,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		RateLimiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry:        rc,
	}
}

// WithHTTPClient replaces the client used for API calls.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRetry replaces the retry policy for API calls. Write methods keep
// their own retry predicate.
func (c *Client) WithRetry(rc retry.RetryConfig) *Client {
	if rc.Retryable == nil {
		rc.Retryable = retry.IsRetryableError
	}
	c.retry = rc
	return c
}

// call posts a form-encoded Web API request and decodes the response into out.
// Rate-limited and transient failures are retried; writes are retried only
// when the request was never processed.
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	logger := log.With().Str("slack_method", method).Logger()

	rc := c.retry
	if slices.Contains(writeMethods, method) {
		rc.Retryable = isRetryableWrite
	}

	var body []byte
	result := retry.RetryWithBackoff(ctx, rc, func() error {
		var err error
		body, err = c.do(ctx, method, params)
		return err
	}, &logger)
	if !result.Success {
		return result.LastError
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Method: method, Code: envelope.Error}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, params url.Values) ([]byte, error) {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			log.Warn().Str("slack_method", method).Int("retry_after", secs).Msg("Slack rate limit hit")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(secs) * time.Second):
			}
		}
		return nil, fmt.Errorf("slack %s: %w", method, errRateLimited)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("slack %s: service unavailable (%d)", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack %s: unexpected status %s", method, resp.Status)
	}
	return body, nil
}

// AuthTest verifies the token and returns the bot's user id.
func (c *Client) AuthTest(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
		Team   string `json:"team"`
	}
	if err := c.call(ctx, "auth.test", url.Values{}, &resp); err != nil {
		return "", err
	}
	log.Info().Str("user", resp.User).Str("team", resp.Team).Msg("Connected to Slack")
	return resp.UserID, nil
}

// ResolveChannel maps a channel name (with or without #) to its id.
func (c *Client) ResolveChannel(ctx context.Context, name string) (string, error) {
	name = strings.TrimPrefix(name, "#")
	cursor := ""
	for {
		params := url.Values{}
		params.Set("types", "public_channel,private_channel")
		params.Set("exclude_archived", "true")
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			Channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, "conversations.list", params, &resp); err != nil {
			return "", err
		}
		for _, ch := range resp.Channels {
			if ch.Name == name {
				return ch.ID, nil
			}
		}
		if resp.ResponseMetadata.NextCursor == "" {
			return "", fmt.Errorf("%w: %s", ErrChannelNotFound, name)
		}
		cursor = resp.ResponseMetadata.NextCursor
	}
}

type historyMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
}

// Subtypes carrying user content; anything else is a channel event.
var contentSubtypes = []string{"", "bot_message", "thread_broadcast", "file_share"}

// FetchRecent returns the latest channel messages, oldest first.
func (c *Client) FetchRecent(ctx context.Context, channel string) ([]pipeline.MessageRecord, error) {
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("limit", strconv.Itoa(c.historyLimit))

	var resp struct {
		Messages []historyMessage `json:"messages"`
	}
	if err := c.call(ctx, "conversations.history", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	records := make([]pipeline.MessageRecord, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if !slices.Contains(contentSubtypes, m.Subtype) {
			continue
		}
		root := m.ThreadTS
		if root == "" {
			root = m.TS
		}
		records = append(records, pipeline.MessageRecord{
			ID:           m.TS,
			ChannelID:    channel,
			Text:         m.Text,
			ThreadRootID: root,
			UserID:       m.User,
			IsBot:        m.BotID != "" || m.Subtype == "bot_message",
		})
	}
	// History is returned newest first.
	slices.Reverse(records)

	log.Debug().Str("channel", channel).Int("messages", len(records)).Msg("Fetched channel history")
	return records, nil
}

// PostReply posts text into the thread rooted at threadRootID.
func (c *Client) PostReply(ctx context.Context, channel, threadRootID, text string) error {
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("text", text)
	if threadRootID != "" {
		params.Set("thread_ts", threadRootID)
	}
	if err := c.call(ctx, "chat.postMessage", params, nil); err != nil {
		return fmt.Errorf("failed to post reply: %w", err)
	}
	return nil
}

// Notify sends a direct message to a user.
func (c *Client) Notify(ctx context.Context, userID, text string) error {
	params := url.Values{}
	params.Set("users", userID)

	var open struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.call(ctx, "conversations.open", params, &open); err != nil {
		return fmt.Errorf("failed to open DM: %w", err)
	}
	return c.PostReply(ctx, open.Channel.ID, "", text)
}
