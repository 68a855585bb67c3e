package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// HTTPJob submits queries to a managed batch-job endpoint and polls for the
// result.
type HTTPJob struct {
	endpoint     string
	token        string
	pollInterval time.Duration
	httpClient   *http.Client
}

func NewHTTPJob(endpoint, token string, pollInterval time.Duration) *HTTPJob {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &HTTPJob{
		endpoint:     strings.TrimRight(endpoint, "/"),
		token:        token,
		pollInterval: pollInterval,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the client used for requests.
func (j *HTTPJob) WithHTTPClient(c *http.Client) *HTTPJob {
	j.httpClient = c
	return j
}

func (j *HTTPJob) Submit(ctx context.Context, query string) (Handle, error) {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("failed to encode job request: %w", err)
	}

	body, err := j.do(ctx, http.MethodPost, j.endpoint+"/jobs", payload)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("job endpoint returned no id")
	}
	return Handle(id), nil
}

func (j *HTTPJob) Await(ctx context.Context, handle Handle) (Result, error) {
	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	for {
		body, err := j.do(ctx, http.MethodGet, j.endpoint+"/jobs/"+string(handle), nil)
		if err != nil {
			return Result{}, fmt.Errorf("failed to poll job %s: %w", handle, err)
		}

		status := gjson.GetBytes(body, "status").String()
		switch status {
		case "succeeded":
			amount := gjson.GetBytes(body, "result.credit_amount")
			if !amount.Exists() {
				amount = gjson.GetBytes(body, "credit_amount")
			}
			return Result{Amount: amount.String()}, nil
		case "failed":
			return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, gjson.GetBytes(body, "error").String())
		}

		log.Debug().Str("handle", string(handle)).Str("status", status).Msg("Job still running")

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (j *HTTPJob) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
