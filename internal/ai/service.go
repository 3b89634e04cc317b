// Package ai exposes chat completions behind a cache-aside layer. The
// service resolves the active provider from a registry, consults a bounded
// expiring cache before each non-streaming call, and synthesizes a stream
// for providers that cannot produce one natively.
package ai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	pkgerrors "github.com/parleyhq/parley/pkg/errors"
	"github.com/parleyhq/parley/pkg/types"
)

const (
	// DefaultCacheSize bounds the completion cache when no size is configured.
	DefaultCacheSize = 256

	// DefaultCacheTTL expires cached completions when no TTL is configured.
	DefaultCacheTTL = 5 * time.Minute
)

// CachedCompletion is the value stored in the completion cache.
type CachedCompletion struct {
	Result   *types.Completion `json:"result"`
	CachedAt time.Time         `json:"cached_at"`
}

// Config controls provider selection, generation options, and caching.
type Config struct {
	// Provider names the backend to activate at startup. When it is
	// unknown or unavailable the service falls back to the stub.
	Provider string

	// Options are applied to every provider call and folded into cache keys.
	Options types.CompletionOptions

	// CacheEnabled toggles the cache-aside path. When false every call
	// goes straight to the provider and counters stay untouched.
	CacheEnabled bool

	// CacheMaxSize bounds the cache entry count. Zero means DefaultCacheSize.
	CacheMaxSize int

	// CacheTTL expires entries by age. Zero means DefaultCacheTTL; negative
	// disables expiry.
	CacheTTL time.Duration

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
}

// Service answers completion requests through the active provider, with a
// cache-aside layer in front of the non-streaming path.
type Service struct {
	registry *provider.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	opts     types.CompletionOptions
	now      func() time.Time

	cacheEnabled bool
	cache        *cache.Cache[CachedCompletion]

	// mu guards active, and fences cache/counter access so ClearCache and
	// Stats observe a consistent pair.
	mu     sync.RWMutex
	active provider.Provider

	hits   atomic.Int64
	misses atomic.Int64
}

// NewService wires the registry, cache, and active provider. The configured
// provider is resolved immediately; an unknown or unavailable name falls
// back to the stub so the service starts without a real backend. It fails
// only when not even the stub is registered.
func NewService(registry *provider.Registry, cfg Config, logger *slog.Logger) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("ai: registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxSize := cfg.CacheMaxSize
	if maxSize == 0 {
		maxSize = DefaultCacheSize
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	} else if ttl < 0 {
		ttl = 0
	}
	if !cfg.CacheEnabled {
		// Keep the cache allocated but inert: one slot, no expiry, never read.
		maxSize, ttl = 1, 0
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	s := &Service{
		registry:     registry,
		logger:       logger,
		tracer:       otel.Tracer(observability.TracerName),
		opts:         cfg.Options,
		now:          now,
		cacheEnabled: cfg.CacheEnabled,
		cache:        cache.New[CachedCompletion](cache.Config{MaxSize: maxSize, TTL: ttl, Clock: now}),
	}

	active, err := s.resolveProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	s.active = active

	logger.Info("ai service ready",
		"provider", active.Name(),
		"cache_enabled", cfg.CacheEnabled,
		"cache_max_size", s.cache.MaxSize(),
	)
	return s, nil
}

// resolveProvider returns the named provider when it is registered and
// available, otherwise the stub.
func (s *Service) resolveProvider(name string) (provider.Provider, error) {
	if name != "" && name != provider.StubName {
		if p, ok := s.registry.Get(name); ok && p.Available() {
			return p, nil
		}
		s.logger.Warn("configured provider unavailable, falling back to stub", "provider", name)
	}
	stub, ok := s.registry.Get(provider.StubName)
	if !ok {
		return nil, pkgerrors.NewProviderUnavailableError("no completion provider is registered")
	}
	return stub, nil
}

// ActiveProvider reports the name of the provider currently answering requests.
func (s *Service) ActiveProvider() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Name()
}

// SwitchProvider activates the named provider for subsequent requests.
// Unknown or unavailable providers are rejected and the current provider
// stays active. Cached entries for other providers remain in the cache and
// simply stop matching, because the provider name is part of every key.
func (s *Service) SwitchProvider(name string) error {
	p, ok := s.registry.Get(name)
	if !ok {
		return pkgerrors.NewProviderUnavailableError(fmt.Sprintf("unknown provider %q", name))
	}
	if !p.Available() {
		return pkgerrors.NewProviderUnavailableError(fmt.Sprintf("provider %q is not available", name))
	}

	s.mu.Lock()
	s.active = p
	s.mu.Unlock()

	s.logger.Info("active provider switched", "provider", name)
	return nil
}

// Generate answers a conversation through the cache-aside path. Hits are
// served from the cache with Cached set; misses invoke the active provider
// and store the result. Provider failures are returned wrapped and leave
// the miss counter untouched.
func (s *Service) Generate(ctx context.Context, messages []types.Message) (*types.Completion, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if !s.cacheEnabled {
		return s.invoke(ctx, active, messages, false)
	}

	key := cacheKey(active.Name(), messages, s.opts)

	s.mu.RLock()
	entry, ok := s.cache.Get(key)
	if ok {
		s.hits.Add(1)
	}
	s.mu.RUnlock()

	if ok {
		metrics.CompletionCacheHits.Inc()
		s.logger.Debug("completion cache hit", "provider", active.Name())
		result := *entry.Result
		result.Cached = true
		return &result, nil
	}
	metrics.CompletionCacheMisses.Inc()

	completion, err := s.invoke(ctx, active, messages, false)
	if err != nil {
		return nil, err
	}

	stored := *completion
	s.mu.RLock()
	s.cache.Set(key, CachedCompletion{Result: &stored, CachedAt: s.now()})
	s.misses.Add(1)
	s.mu.RUnlock()

	return completion, nil
}

// GenerateStream answers a conversation as a chunk stream. Providers that
// stream natively are passed through and never touch the cache; for the
// rest the non-streaming result is wrapped in a single terminal chunk.
func (s *Service) GenerateStream(ctx context.Context, messages []types.Message) (provider.Stream, error) {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if active.Capabilities().Streaming {
		stream, err := s.invokeStream(ctx, active, messages)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}

	completion, err := s.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &syntheticStream{chunk: &types.StreamChunk{
		ID:      completion.ID,
		Content: completion.Content,
		Done:    true,
	}}, nil
}

func (s *Service) invoke(ctx context.Context, p provider.Provider, messages []types.Message, stream bool) (*types.Completion, error) {
	ctx, span := observability.StartCompletionSpan(ctx, s.tracer, "ai.generate", observability.CompletionSpanAttributes{
		Provider:    p.Name(),
		Stream:      stream,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})
	defer span.End()

	start := time.Now()
	completion, err := p.Generate(ctx, messages, s.opts)
	if err != nil {
		observability.RecordError(span, err)
		metrics.RecordProviderRequest(p.Name(), "error", time.Since(start))
		s.logger.Error("provider call failed", "provider", p.Name(), "error", err)
		return nil, pkgerrors.NewUpstreamError(p.Name(), err)
	}

	metrics.RecordProviderRequest(p.Name(), "success", time.Since(start))
	if completion.Usage != nil {
		observability.RecordCompletionUsage(span, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	}
	return completion, nil
}

func (s *Service) invokeStream(ctx context.Context, p provider.Provider, messages []types.Message) (provider.Stream, error) {
	ctx, span := observability.StartCompletionSpan(ctx, s.tracer, "ai.generate_stream", observability.CompletionSpanAttributes{
		Provider:    p.Name(),
		Stream:      true,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})

	start := time.Now()
	stream, err := p.Stream(ctx, messages, s.opts)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		metrics.RecordProviderRequest(p.Name(), "error", time.Since(start))
		s.logger.Error("provider stream failed", "provider", p.Name(), "error", err)
		return nil, pkgerrors.NewUpstreamError(p.Name(), err)
	}

	metrics.RecordProviderRequest(p.Name(), "success", time.Since(start))
	return &spannedStream{Stream: stream, name: p.Name(), span: span}, nil
}

// Stats reports hit/miss counters and current cache occupancy.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := s.hits.Load()
	misses := s.misses.Load()
	total := hits + misses

	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		Size:    s.cache.Len(),
		MaxSize: s.cache.MaxSize(),
	}
}

// ClearCache drops every cached completion and zeroes the counters as one
// operation; concurrent readers see either the old state or the fresh one.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Clear()
	s.hits.Store(0)
	s.misses.Store(0)
	s.logger.Debug("completion cache cleared")
}

// syntheticStream adapts a finished completion to the Stream interface:
// one terminal chunk, then io.EOF.
type syntheticStream struct {
	chunk   *types.StreamChunk
	emitted bool
}

func (s *syntheticStream) Next() (*types.StreamChunk, error) {
	if s.emitted {
		return nil, io.EOF
	}
	s.emitted = true
	return s.chunk, nil
}

func (s *syntheticStream) Close() error {
	s.emitted = true
	return nil
}

// spannedStream ends the generation span when the stream finishes and maps
// mid-stream failures to the upstream error category.
type spannedStream struct {
	provider.Stream
	name string
	span trace.Span
	once sync.Once
}

func (s *spannedStream) Next() (*types.StreamChunk, error) {
	chunk, err := s.Stream.Next()
	if err != nil || (chunk != nil && chunk.Done) {
		if err != nil && err != io.EOF {
			observability.RecordError(s.span, err)
			err = pkgerrors.NewUpstreamError(s.name, err)
		}
		s.finish()
	}
	return chunk, err
}

func (s *spannedStream) Close() error {
	s.finish()
	return s.Stream.Close()
}

func (s *spannedStream) finish() {
	s.once.Do(func() { s.span.End() })
}
