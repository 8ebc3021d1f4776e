// Package remote is the device's HTTP client for the backend ledger.
package remote

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
	"time"

	"github.com/arcade-ledger/internal/domain"
)

// envelope mirrors the backend's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to the backend ledger API
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a backend client. timeout bounds each request.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SubmitScore posts an entry to /scores/submit
func (c *Client) SubmitScore(ctx context.Context, req domain.SubmitScoreRequest) (domain.SubmitScoreResponse, error) {
	var resp domain.SubmitScoreResponse
	if err := c.do(ctx, http.MethodPost, "/scores/submit", req, &resp); err != nil {
		return domain.SubmitScoreResponse{}, err
	}
	return resp, nil
}

// AwardTokens posts a non-score credit to /tokens/award
func (c *Client) AwardTokens(ctx context.Context, req domain.TokenAwardRequest) (domain.TokenAwardResponse, error) {
	var resp domain.TokenAwardResponse
	if err := c.do(ctx, http.MethodPost, "/tokens/award", req, &resp); err != nil {
		return domain.TokenAwardResponse{}, err
	}
	return resp, nil
}

// Balance fetches the authoritative balance of a player
func (c *Client) Balance(ctx context.Context, playerID string) (int64, error) {
	var resp domain.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/players/"+url.PathEscape(playerID)+"/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// do sends a request and decodes the envelope's data into out. Transport
// failures and 5xx, 408 and 429 answers are retryable; other errors are not.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &domain.SyncFailure{Retryable: false, Err: fmt.Errorf("encoding request: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &domain.SyncFailure{Retryable: false, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &domain.SyncFailure{Retryable: true, Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &domain.SyncFailure{Status: res.StatusCode, Retryable: true, Err: fmt.Errorf("reading response: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(payload, &env)

	if res.StatusCode >= 300 {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return &domain.SyncFailure{
			Status:    res.StatusCode,
			Retryable: retryableStatus(res.StatusCode),
			Err:       errors.New(msg),
		}
	}
	if decodeErr != nil {
		return &domain.SyncFailure{Status: res.StatusCode, Retryable: true, Err: fmt.Errorf("decoding response: %w", decodeErr)}
	}
	if !env.Success {
		return &domain.SyncFailure{Status: res.StatusCode, Retryable: false, Err: errors.New(env.Error)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &domain.SyncFailure{Status: res.StatusCode, Retryable: true, Err: fmt.Errorf("decoding data: %w", err)}
		}
	}

	c.logger.Debug("backend call", "method", method, "path", path, "status", res.StatusCode)
	return nil
}

func retryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
