package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

// Requester is the shared HTTP transport for everything that talks to
// the state service. Transient failures (connection errors, 502/503/
// 504) are retried with exponential backoff; any other non-200 is an
// InvalidResponse. Tenacious mode retries until the context dies and
// is used by long-lived loops that must outlast server restarts.
type Requester struct {
	log       *logger.Logger
	baseURL   string
	http      *http.Client
	maxWait   time.Duration
	tenacious bool
}

type RequesterOption func(*Requester)

// WithTenacious makes every call retry until its context is cancelled.
func WithTenacious() RequesterOption {
	return func(r *Requester) { r.tenacious = true }
}

func WithMaxWait(d time.Duration) RequesterOption {
	return func(r *Requester) { r.maxWait = d }
}

func WithHTTPClient(c *http.Client) RequesterOption {
	return func(r *Requester) { r.http = c }
}

func NewRequester(baseURL string, log *logger.Logger, opts ...RequesterOption) *Requester {
	r := &Requester{
		log:     log.With("component", "Requester"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		maxWait: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Requester) Get(ctx context.Context, path string, out interface{}) error {
	return r.do(ctx, http.MethodGet, path, nil, out)
}

func (r *Requester) Post(ctx context.Context, path string, body, out interface{}) error {
	return r.do(ctx, http.MethodPost, path, body, out)
}

func (r *Requester) Put(ctx context.Context, path string, body, out interface{}) error {
	return r.do(ctx, http.MethodPut, path, body, out)
}

func (r *Requester) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	} else if method != http.MethodGet {
		// Handlers bind JSON unconditionally, so non-GET requests
		// always carry at least an empty object.
		payload = []byte("{}")
	}
	requestID := uuid.NewString()

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", requestID)

		resp, err := r.http.Do(req)
		if err != nil {
			r.log.Debug("Request failed, will retry", "method", method, "path", path, "error", err)
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			r.log.Debug("Server unavailable, will retry",
				"method", method, "path", path, "status", resp.StatusCode)
			return fmt.Errorf("server unavailable: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s %s returned %d: %s",
				domain.ErrInvalidResponse, method, path, resp.StatusCode, truncateBody(raw)))
		}
		if out != nil {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("%w: decoding %s %s: %v",
					domain.ErrInvalidResponse, method, path, err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	if r.tenacious {
		policy.MaxElapsedTime = 0
	} else {
		policy.MaxElapsedTime = r.maxWait
	}
	return backoff.Retry(attempt, backoff.WithContext(policy, ctx))
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
