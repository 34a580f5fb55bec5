// Package remote talks to the authoritative restaurant service over HTTP.
// Every non-2xx answer comes back as *domain.RequestFailedError.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fleetsync/internal/domain"
	"fleetsync/internal/metrics"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

type Client struct {
	baseURL string
	hc      *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		hc:      hc,
		limiter: rate.NewLimiter(limit, opts.Burst),
		metrics: opts.Metrics,
		logger:  log.With().Str("component", "remote").Logger(),
	}
}

// do sends one request. in is encoded as the JSON body when non-nil, and out
// receives the decoded response when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.Request(op, "error")
		c.logger.Warn().Err(err).Str("op", op).Str("request_id", reqID).Msg("request failed")
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrConnection)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.Request(op, "error")
		return fmt.Errorf("%s: read response: %v: %w", op, err, domain.ErrConnection)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.Request(op, "failed")
		c.logger.Warn().Str("op", op).Str("request_id", reqID).Int("status", resp.StatusCode).Msg("request rejected")
		return &domain.RequestFailedError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	c.metrics.Request(op, "ok")
	c.logger.Debug().Str("op", op).Str("request_id", reqID).Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).Msg("request done")

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
