// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpgateway implements syncengine.Gateway over the HTTP+JSON sync
// protocol served by syncserver.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Valentin5643/Liftrix/syncengine"
	"github.com/Valentin5643/Liftrix/syncserver"
)

// Config holds the client settings
type Config struct {
	BaseURL string        // e.g., "http://localhost:8080"
	Timeout time.Duration // per request, 30s
}

// DefaultConfig returns a configuration for baseURL.
func DefaultConfig(baseURL string) *Config {
	return &Config{BaseURL: baseURL, Timeout: 30 * time.Second}
}

// Gateway talks to a sync server on behalf of the owner encoded in the token.
type Gateway struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ syncengine.Gateway = (*Gateway)(nil)

// New creates a gateway. token is called before every request.
func New(config *Config, token func(context.Context) (string, error), logger *slog.Logger) *Gateway {
	if config == nil {
		config = DefaultConfig("http://localhost:8080")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		BaseURL: config.BaseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: config.Timeout},
		logger:  logger,
	}
}

// Push sends one batch to POST /sync/push. ownerID is implied by the token
// and only used to fill the owner of returned remote records.
func (g *Gateway) Push(ctx context.Context, ownerID string, category syncengine.Category, batch []syncengine.Record) ([]syncengine.PushResult, error) {
	req := syncserver.PushRequest{Category: string(category), Records: make([]syncserver.WireRecord, len(batch))}
	for i, rec := range batch {
		req.Records[i] = syncserver.FromRecord(rec)
	}
	jsonData, err := json.Marshal(&req)
	if err != nil {
		return nil, syncengine.Permanent("push", fmt.Errorf("failed to marshal push request: %w", err))
	}

	var resp syncserver.PushResponse
	if err := g.do(ctx, "push", http.MethodPost, g.BaseURL+"/sync/push", jsonData, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(batch) {
		return nil, syncengine.Permanent("push", fmt.Errorf("status count mismatch: sent %d records, got %d results", len(batch), len(resp.Results)))
	}

	out := make([]syncengine.PushResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.ToPushResult(ownerID)
	}
	return out, nil
}

// PullSince fetches one page from GET /sync/pull.
func (g *Gateway) PullSince(ctx context.Context, ownerID string, category syncengine.Category, since int64, limit int) (syncengine.Page, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(min(limit, syncserver.MaxPullLimit)))
	}

	var resp syncserver.PullResponse
	if err := g.do(ctx, "pull", http.MethodGet, g.BaseURL+"/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return syncengine.Page{}, err
	}
	return resp.ToPage(ownerID), nil
}

func (g *Gateway) do(ctx context.Context, op, method, u string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return syncengine.Permanent(op, fmt.Errorf("failed to create HTTP request: %w", err))
	}

	if g.Token != nil {
		token, err := g.Token(ctx)
		if err != nil {
			return syncengine.Permanent(op, fmt.Errorf("failed to get JWT token: %w", err))
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTP.Do(httpReq)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := statusError(op, resp)
		g.logger.Debug("sync request failed", "op", op, "status_code", resp.StatusCode, "kind", syncengine.KindOf(err).String(), "error", err)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// a truncated body is most likely a dropped connection
		return syncengine.Retryable(op, fmt.Errorf("failed to decode %s response: %w", op, err))
	}
	return nil
}

// StatusError is a non-200 reply of the sync server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

var _ syncengine.RetryDelayer = (*StatusError)(nil)

// RetryDelay implements syncengine.RetryDelayer.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	var er syncserver.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		se.Code, se.Message = er.Error, er.Message
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return syncengine.Retryable(op, se)
	default:
		// 400, 401, 403, 404, 413: retrying the same request cannot help
		return syncengine.Permanent(op, se)
	}
}

func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return syncengine.Retryable(op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return syncengine.Retryable(op, fmt.Errorf("request timed out: %w", err))
	}
	// connection refused, reset, DNS: the network is the problem, not the request
	return syncengine.Retryable(op, fmt.Errorf("failed to send HTTP request: %w", err))
}
