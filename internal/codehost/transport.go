package codehost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"basegraph.app/conductor/internal/resilience"
)

const (
	maxErrorBody          = 64 << 10
	defaultStatusAttempts = 3
	defaultStatusBackoff  = time.Second
	defaultCallTimeout    = 30 * time.Second
)

// TokenSource resolves the access token used to authenticate as an account.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
	Invalidate(accountID string)
}

type TransportConfig struct {
	AccountID string
	// Service names the breaker guarding this provider, e.g. "codehost:gitlab.com".
	Service string
	// StatusAttempts bounds the in-transport retries on 429/5xx responses.
	StatusAttempts int
	StatusBackoff  time.Duration
	// CallTimeout is the deadline for a single HTTP exchange, body read included.
	// Zero uses the default; negative disables it.
	CallTimeout time.Duration
	Retry       resilience.RetryConfig
}

// Transport is an http.RoundTripper that authenticates as one account and applies,
// from the outside in: the host retry preset, the provider breaker, the quota wait,
// and status-driven retries honoring Retry-After. Non-2xx/3xx responses that survive
// the retries are returned as *StatusError.
type Transport struct {
	base     http.RoundTripper
	tokens   TokenSource
	quota    *QuotaTracker
	breakers *resilience.Registry
	cfg      TransportConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewTransport(base http.RoundTripper, tokens TokenSource, quota *QuotaTracker, breakers *resilience.Registry, cfg TransportConfig) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.StatusAttempts <= 0 {
		cfg.StatusAttempts = defaultStatusAttempts
	}
	if cfg.StatusBackoff <= 0 {
		cfg.StatusBackoff = defaultStatusBackoff
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Service == "" {
		cfg.Service = "codehost"
	}
	return &Transport{
		base:     base,
		tokens:   tokens,
		quota:    quota,
		breakers: breakers,
		cfg:      cfg,
		now:      time.Now,
		sleep:    resilience.SleepContext,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if err := bufferBody(req); err != nil {
		return nil, err
	}

	token, err := t.tokens.Token(ctx, t.cfg.AccountID)
	if err != nil {
		return nil, err
	}

	return resilience.Execute(ctx, t.cfg.Retry, func(ctx context.Context) (*http.Response, error) {
		return resilience.Call(ctx, t.breakers, t.cfg.Service, func(ctx context.Context) (*http.Response, error) {
			return t.send(ctx, req, token)
		})
	})
}

func (t *Transport) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	if err := t.quota.Wait(ctx, t.cfg.AccountID); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := t.attemptContext(ctx)

		r, err := t.prepare(attemptCtx, req, token)
		if err != nil {
			cancel()
			return nil, err
		}

		resp, err := t.base.RoundTrip(r)
		if err != nil {
			cancel()
			return nil, err
		}

		t.quota.Observe(ctx, t.cfg.AccountID, resp.Header)

		if resp.StatusCode < 400 {
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized {
			t.tokens.Invalidate(t.cfg.AccountID)
		}

		throttled := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if throttled && attempt < t.cfg.StatusAttempts {
			delay, ok := RetryAfter(resp.Header, t.now())
			if !ok {
				delay = time.Duration(float64(t.cfg.StatusBackoff) * math.Pow(2, float64(attempt-1)))
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			cancel()

			slog.WarnContext(ctx, "code host throttled request, retrying",
				"account_id", t.cfg.AccountID,
				"status", resp.StatusCode,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"path", req.URL.Path)

			if err := t.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
}

func (t *Transport) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, t.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (t *Transport) prepare(ctx context.Context, req *http.Request, token string) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		r.Body = body
	}
	r.Header.Del("PRIVATE-TOKEN")
	r.Header.Set("Authorization", "Bearer "+token)
	return r, nil
}

// bufferBody makes a one-shot request body replayable across retries.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
