// SPDX-License-Identifier: MIT

// Package linker resolves raw barcode payloads to production serial
// numbers through an external lookup service. The service is optional:
// every failure mode degrades to the raw value.
package linker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prodvision/aoid/internal/log"
	"github.com/prodvision/aoid/internal/metrics"
)

const (
	defaultTimeout  = 3 * time.Second
	maxResponseSize = 64 << 10
)

// Client queries the linker endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker
}

// New builds a client for baseURL. An empty baseURL disables linking;
// Link then always returns the raw value.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: newBreaker(3, 30*time.Second),
	}
}

// Link resolves raw to a serial number. The second return reports
// whether the linker actually resolved it; on any failure the raw
// value comes back with linked=false.
func (c *Client) Link(ctx context.Context, raw string) (string, bool) {
	if c.baseURL == "" || raw == "" || raw == "N/A" {
		return raw, false
	}

	var serial string
	err := c.breaker.call(func() error {
		var callErr error
		serial, callErr = c.fetch(ctx, raw)
		return callErr
	})
	if err != nil {
		outcome := "fallback"
		if err == errBreakerOpen {
			outcome = "circuit_open"
		}
		metrics.IncLinker(outcome)
		log.FromContext(ctx).Warn().Err(err).
			Str("event", "linker.fallback").
			Str("barcode", raw).
			Msg("linker lookup failed, using raw barcode")
		return raw, false
	}
	metrics.IncLinker("linked")
	return serial, true
}

func (c *Client) fetch(ctx context.Context, raw string) (string, error) {
	u := c.baseURL + "?barcode=" + url.QueryEscape(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("linker returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", err
	}

	// JSON {"linked": "..."} preferred, plain-text body accepted.
	var payload struct {
		Linked string `json:"linked"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Linked != "" {
		return payload.Linked, nil
	}
	serial := strings.TrimSpace(string(body))
	if serial == "" {
		return "", fmt.Errorf("linker returned empty body")
	}
	if strings.HasPrefix(serial, "{") {
		return "", fmt.Errorf("linker returned unrecognized json")
	}
	return serial, nil
}

// Resolver is the lookup surface the aggregator depends on. *Client
// implements it.
type Resolver interface {
	Link(ctx context.Context, raw string) (string, bool)
}

// Memo caches Link results for the duration of one inspect call so a
// barcode shared by several devices is resolved once.
type Memo struct {
	client Resolver

	mu    sync.Mutex
	cache map[string]memoEntry
}

type memoEntry struct {
	serial string
	linked bool
}

// NewMemo wraps r with a per-call cache.
func NewMemo(r Resolver) *Memo {
	return &Memo{client: r, cache: make(map[string]memoEntry)}
}

// Link behaves like Client.Link but memoizes by raw value.
func (m *Memo) Link(ctx context.Context, raw string) (string, bool) {
	m.mu.Lock()
	if e, ok := m.cache[raw]; ok {
		m.mu.Unlock()
		metrics.IncLinker("memoized")
		return e.serial, e.linked
	}
	m.mu.Unlock()

	serial, linked := m.client.Link(ctx, raw)

	m.mu.Lock()
	m.cache[raw] = memoEntry{serial: serial, linked: linked}
	m.mu.Unlock()
	return serial, linked
}
