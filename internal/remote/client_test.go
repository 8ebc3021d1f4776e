package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcade-ledger/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"success": msg == ""}
	if data != nil {
		body["data"] = data
	}
	if msg != "" {
		body["error"] = msg
	}
	json.NewEncoder(w).Encode(body)
}

func TestSubmitScoreDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scores/submit", r.URL.Path)
		var req domain.SubmitScoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-1", req.IdempotencyKey)

		rank := int64(3)
		writeEnvelope(w, http.StatusOK, domain.SubmitScoreResponse{Accepted: true, Reward: 360, Rank: &rank, Balance: 585}, "")
	})

	resp, err := client.SubmitScore(context.Background(), domain.SubmitScoreRequest{PlayerID: "p1", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(360), resp.Reward)
	require.NotNil(t, resp.Rank)
	assert.Equal(t, int64(3), *resp.Rank)
	assert.Equal(t, int64(585), resp.Balance)
}

func TestErrorsAreClassified(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, nil, "nope")
			})
			_, err := client.AwardTokens(context.Background(), domain.TokenAwardRequest{PlayerID: "p1"})
			var sf *domain.SyncFailure
			require.True(t, errors.As(err, &sf))
			assert.Equal(t, tc.status, sf.Status)
			assert.Equal(t, tc.retryable, sf.Retryable)
			assert.Equal(t, tc.retryable, domain.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	client := New("http://127.0.0.1:1", 200*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := client.Balance(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestBalance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/players/p%201/balance", r.URL.EscapedPath())
		writeEnvelope(w, http.StatusOK, map[string]any{"playerId": "p 1", "balance": 42}, "")
	})
	balance, err := client.Balance(context.Background(), "p 1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance)
}
