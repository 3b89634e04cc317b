// Package redispool manages the single logical connection to the external
// key-value store. It owns the connect/disconnect lifecycle, collapses
// concurrent connect attempts into one dial, and answers health and latency
// probes without ever letting a store outage take the process down.
package redispool

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/metrics"
)

// State describes where the pool is in its lifecycle.
type State int

const (
	// StateDisabled means the store integration is switched off by
	// configuration. The pool never leaves this state.
	StateDisabled State = iota
	StateDisconnected
	StateConnecting
	StateConnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	defaultDialTimeout  = 5 * time.Second
	defaultProbeTimeout = 2 * time.Second
)

// Config holds connection parameters for the store.
type Config struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ProbeTimeout time.Duration
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dialer produces a verified client for the configured store. The default
// implementation builds a go-redis client and pings it; tests substitute
// dialers that count attempts or point at in-process servers.
type Dialer func(ctx context.Context, cfg Config) (redis.UniversalClient, error)

func defaultDialer(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// connectAttempt is the shared outcome of one in-flight dial. ok is written
// before done is closed, so waiters reading after <-done observe it.
type connectAttempt struct {
	done chan struct{}
	ok   bool
}

func (a *connectAttempt) wait(ctx context.Context) bool {
	select {
	case <-a.done:
		return a.ok
	case <-ctx.Done():
		return false
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithDialer replaces the connection factory.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// Pool owns one client handle for the external store.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	dial   Dialer

	mu      sync.Mutex
	state   State
	client  redis.UniversalClient
	attempt *connectAttempt
}

// New creates a pool. No network activity happens until Connect.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		dial:   defaultDialer,
	}
	if !cfg.Enabled {
		p.state = StateDisabled
	} else {
		p.state = StateDisconnected
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect establishes the store connection and reports success. A disabled
// pool returns false without any network activity. When a connect attempt
// is already in flight, the caller waits for that attempt instead of
// starting another; every waiter observes the same outcome. A failed
// attempt settles back to disconnected and a later Connect dials again.
func (p *Pool) Connect(ctx context.Context) bool {
	if !p.cfg.Enabled {
		return false
	}

	p.mu.Lock()
	switch p.state {
	case StateConnected:
		p.mu.Unlock()
		return true
	case StateConnecting:
		att := p.attempt
		p.mu.Unlock()
		return att.wait(ctx)
	}

	att := &connectAttempt{done: make(chan struct{})}
	p.attempt = att
	p.state = StateConnecting
	p.mu.Unlock()

	// Dial outside the lock so waiters and probes are never blocked on the
	// network.
	client, err := p.dial(ctx, p.cfg)

	p.mu.Lock()
	switch {
	case p.attempt != att:
		// Disconnect raced the dial; discard whatever we got.
		if client != nil {
			_ = client.Close()
		}
		att.ok = false
	case err != nil:
		p.state = StateDisconnected
		p.attempt = nil
		att.ok = false
		p.logger.Error("store connection failed",
			"addr", p.cfg.Addr(),
			"db", p.cfg.DB,
			"error", err)
	default:
		p.client = client
		p.state = StateConnected
		p.attempt = nil
		att.ok = true
		p.logger.Info("store connected",
			"addr", p.cfg.Addr(),
			"db", p.cfg.DB)
	}
	close(att.done)
	p.mu.Unlock()
	return att.ok
}

// Client returns the live client handle, or false when not connected.
func (p *Pool) Client() (redis.UniversalClient, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateConnected || p.client == nil {
		return nil, false
	}
	return p.client, true
}

// IsAvailable reports whether the pool is connected.
func (p *Pool) IsAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// KeyPrefix returns the namespace prefix callers must apply to their keys.
func (p *Pool) KeyPrefix() string {
	return p.cfg.KeyPrefix
}

// IsHealthy performs a bounded liveness probe against the connected store.
// Any probe failure, including not being connected at all, reports false;
// it never panics or propagates the error.
func (p *Pool) IsHealthy(ctx context.Context) bool {
	_, ok := p.Latency(ctx)
	return ok
}

// Latency times a liveness probe round-trip. It returns false when the
// pool is not connected or the probe fails.
func (p *Pool) Latency(ctx context.Context) (time.Duration, bool) {
	client, ok := p.Client()
	if !ok {
		return 0, false
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	if err := client.Ping(probeCtx).Err(); err != nil {
		p.logger.Warn("store probe failed", "error", err)
		return 0, false
	}
	elapsed := time.Since(start)
	metrics.ObserveStoreProbe(elapsed)
	return elapsed, true
}

// Disconnect closes the client handle if present and settles the pool in
// its resting state. Safe to call multiple times and from any state; close
// errors are logged and the state is cleared regardless.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Orphan any in-flight attempt; its dialer discards the result.
	p.attempt = nil

	if p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Warn("closing store client", "error", err)
		}
		p.client = nil
	}
	if p.state != StateDisabled {
		p.state = StateDisconnected
		p.logger.Info("store disconnected")
	}
}
