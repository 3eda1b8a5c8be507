// Package egress is the single choke point for outbound traffic. Every
// external call the pipeline makes (reasoning, web lookups, evidence
// fetches) goes through the Proxy, which enforces the destination
// allowlist, masks sensitive spans in the payload, and charges the token
// budget before a single byte leaves the process.
package egress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/budget"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/privacy"
)

var (
	// ErrDestinationDenied means the request host is not on the allowlist.
	ErrDestinationDenied = errors.New("egress destination denied")
	// ErrUpstreamStatus means the upstream kept answering with a
	// non-retryable or persistently failing status.
	ErrUpstreamStatus = errors.New("upstream returned error status")
)

// Doer abstracts the HTTP transport so tests can fake the upstream.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is one outbound call. Payload is sanitized in place before
// sending; EstTokens is checked against the budget but not charged (the
// caller records actual spend from the upstream usage report).
type Request struct {
	URL       string
	Method    string // defaults to POST
	Payload   []byte
	TraceID   string
	Worker    string
	EstTokens int64
}

// Response is the upstream answer after a successful exchange.
type Response struct {
	Status int
	Body   []byte
}

// Proxy applies the egress policy. Fail closed: an empty allowlist denies
// every destination.
type Proxy struct {
	cfg    config.EgressConfig
	guard  *privacy.Guard
	budget *budget.Manager
	client Doer
	logger zerolog.Logger
}

// New builds a Proxy. A nil client falls back to a plain http.Client with
// the configured request timeout.
func New(cfg config.EgressConfig, guard *privacy.Guard, bm *budget.Manager, client Doer) *Proxy {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return &Proxy{
		cfg:    cfg,
		guard:  guard,
		budget: bm,
		client: client,
		logger: log.WithComponent("egress"),
	}
}

// Post sends one sanitized request with bounded retries. Transport errors
// and 5xx answers retry with jittered exponential backoff; 4xx answers do
// not. The returned error wraps budget.ErrExhausted or ErrDestinationDenied
// so callers can branch without string matching.
func (p *Proxy) Post(ctx context.Context, req Request) (*Response, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		metrics.EgressRequestsTotal.WithLabelValues("denied").Inc()
		return nil, fmt.Errorf("egress: parse url: %w", err)
	}
	if !p.allowed(host) {
		metrics.EgressRequestsTotal.WithLabelValues("denied").Inc()
		p.logger.Warn().Str("host", host).Str("trace_id", req.TraceID).Msg("destination not on allowlist")
		return nil, fmt.Errorf("egress: host %s: %w", host, ErrDestinationDenied)
	}

	if p.budget != nil {
		if err := p.budget.Allow(req.EstTokens); err != nil {
			metrics.EgressRequestsTotal.WithLabelValues("budget").Inc()
			return nil, fmt.Errorf("egress: %w", err)
		}
	}

	payload := req.Payload
	if p.guard != nil && len(payload) > 0 {
		clean, cats := p.guard.Sanitize(string(payload))
		for _, c := range cats {
			metrics.RedactionsTotal.WithLabelValues(string(c)).Inc()
		}
		if len(cats) > 0 {
			p.logger.Debug().Str("trace_id", req.TraceID).Int("redactions", len(cats)).Msg("payload sanitized before egress")
		}
		payload = []byte(clean)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(p.cfg.BackoffBase(), attempt)):
			}
		}

		resp, retryable, err := p.exchange(ctx, method, req, payload)
		if err == nil {
			metrics.EgressRequestsTotal.WithLabelValues("ok").Inc()
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		p.logger.Debug().Err(err).Int("attempt", attempt+1).Str("trace_id", req.TraceID).Msg("egress attempt failed")
	}

	metrics.EgressRequestsTotal.WithLabelValues("error").Inc()
	return nil, lastErr
}

// exchange performs one HTTP round trip. The bool reports retryability.
func (p *Proxy) exchange(ctx context.Context, method string, req Request, payload []byte) (*Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("egress: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-Id", req.TraceID)
	}
	if req.Worker != "" {
		httpReq.Header.Set("X-Worker", req.Worker)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("egress: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("egress: read body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("egress: status %d: %w", resp.StatusCode, ErrUpstreamStatus)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("egress: status %d: %w", resp.StatusCode, ErrUpstreamStatus)
	}
	return &Response{Status: resp.StatusCode, Body: body}, false, nil
}

func (p *Proxy) allowed(host string) bool {
	for _, entry := range p.cfg.Allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		// ".example.com" admits any subdomain; a bare host must match exactly.
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) || host == strings.TrimPrefix(entry, ".") {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return strings.ToLower(u.Hostname()), nil
}

// backoff returns a full-jitter delay for the given attempt, capped at 30s.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
