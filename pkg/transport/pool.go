// Package transport maintains one HTTP client per agent with keep-alive
// connection reuse and per-agent health tracking. Transport health is
// distinct from the circuit breaker: the pool counts wire-level outcomes
// (network errors, 4xx, 5xx), the breaker counts dispatch outcomes.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/steward-ci/steward/pkg/version"
)

// Defaults applied when Config fields are zero.
const (
	DefaultRequestTimeout         = 30 * time.Second
	DefaultKeepAlive              = 60 * time.Second
	DefaultMaxConsecutiveFailures = 3
)

// responseBodyLimit caps how much of an agent response is read into
// memory.
const responseBodyLimit = 1 << 20

// Config tunes every client in the pool.
type Config struct {
	// RequestTimeout is the ceiling on one round trip, body included.
	RequestTimeout time.Duration
	// KeepAlive is how long idle connections to an agent are kept for
	// reuse.
	KeepAlive time.Duration
	// AuthToken, when set, is sent as a bearer token on every request.
	AuthToken string
	// MaxConsecutiveFailures is the unhealthy threshold in Stats.
	MaxConsecutiveFailures int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return c
}

// Result is the outcome of a completed HTTP exchange. A non-2xx status is
// a Result, not an error; errors are reserved for wire-level failures.
type Result struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the exchange succeeded (status < 300).
func (r *Result) OK() bool {
	return r.StatusCode < 300
}

// ClientStats is one agent client's health for introspection.
type ClientStats struct {
	AgentID             string     `json:"agent_id"`
	Endpoint            string     `json:"endpoint"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Pool is the per-agent client table. Clients are created lazily on first
// use and replaced when an agent re-registers under a new endpoint.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*agentClient
	cfg     Config
}

type agentClient struct {
	agentID  string
	endpoint string
	http     *http.Client

	mu                  sync.Mutex
	lastSuccessAt       time.Time
	consecutiveFailures int
	createdAt           time.Time
}

// NewPool creates an empty pool.
func NewPool(cfg Config) *Pool {
	return &Pool{
		clients: make(map[string]*agentClient),
		cfg:     cfg.withDefaults(),
	}
}

// Post sends a JSON body to path on the agent's endpoint.
func (p *Pool) Post(ctx context.Context, agentID, endpoint, path string, body []byte, headers map[string]string) (*Result, error) {
	return p.do(ctx, http.MethodPost, agentID, endpoint, path, body, headers)
}

// Get performs a GET against path on the agent's endpoint.
func (p *Pool) Get(ctx context.Context, agentID, endpoint, path string, headers map[string]string) (*Result, error) {
	return p.do(ctx, http.MethodGet, agentID, endpoint, path, nil, headers)
}

func (p *Pool) do(ctx context.Context, method, agentID, endpoint, path string, body []byte, headers map[string]string) (*Result, error) {
	client := p.clientFor(agentID, endpoint)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for agent %s: %w", agentID, err)
	}

	req.Header.Set("User-Agent", version.Full())
	req.Header.Set("Connection", "keep-alive")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		client.recordFailure()
		return nil, fmt.Errorf("request to agent %s failed: %w", agentID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		client.recordFailure()
		return nil, fmt.Errorf("failed to read response from agent %s: %w", agentID, err)
	}

	result := &Result{StatusCode: resp.StatusCode, Body: respBody}
	if result.OK() {
		client.recordSuccess()
	} else {
		client.recordFailure()
	}
	return result, nil
}

// ClosePool drops the client for one agent and closes its idle
// connections.
func (p *Pool) ClosePool(agentID string) {
	p.mu.Lock()
	client, ok := p.clients[agentID]
	if ok {
		delete(p.clients, agentID)
	}
	p.mu.Unlock()

	if ok {
		client.http.CloseIdleConnections()
	}
}

// CloseAll drops every client.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := make([]*agentClient, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*agentClient)
	p.mu.Unlock()

	for _, c := range clients {
		c.http.CloseIdleConnections()
	}
}

// Stats returns the health of every pooled client.
func (p *Pool) Stats() []ClientStats {
	p.mu.Lock()
	clients := make([]*agentClient, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	stats := make([]ClientStats, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		s := ClientStats{
			AgentID:             c.agentID,
			Endpoint:            c.endpoint,
			Healthy:             c.consecutiveFailures < p.cfg.MaxConsecutiveFailures,
			ConsecutiveFailures: c.consecutiveFailures,
			CreatedAt:           c.createdAt,
		}
		if !c.lastSuccessAt.IsZero() {
			ls := c.lastSuccessAt
			s.LastSuccessAt = &ls
		}
		c.mu.Unlock()
		stats = append(stats, s)
	}
	return stats
}

func (p *Pool) clientFor(agentID, endpoint string) *agentClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[agentID]; ok {
		if c.endpoint == endpoint {
			return c
		}
		// Agent re-registered under a new endpoint: old connections are
		// useless.
		c.http.CloseIdleConnections()
		delete(p.clients, agentID)
	}

	c := &agentClient{
		agentID:   agentID,
		endpoint:  endpoint,
		createdAt: time.Now(),
		http: &http.Client{
			Timeout: p.cfg.RequestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: p.cfg.KeepAlive,
				}).DialContext,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     p.cfg.KeepAlive,
			},
		},
	}
	p.clients[agentID] = c
	return c
}

func (c *agentClient) recordSuccess() {
	c.mu.Lock()
	c.lastSuccessAt = time.Now()
	c.consecutiveFailures = 0
	c.mu.Unlock()
}

func (c *agentClient) recordFailure() {
	c.mu.Lock()
	c.consecutiveFailures++
	c.mu.Unlock()
}
