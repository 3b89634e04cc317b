package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMessagesPerMinute = 60
	defaultBurst             = 10
	defaultLimiterIdleTTL    = 10 * time.Minute
)

// LimiterConfig controls per-client message rate limiting.
type LimiterConfig struct {
	MessagesPerMinute int           // sustained rate; <=0 means default
	Burst             int           // short burst allowance; <=0 means default
	IdleTTL           time.Duration // idle clients are forgotten after this
}

// clientLimiter keeps one token bucket per client id. Buckets for idle
// clients are dropped by a background sweep so the map stays bounded by the
// number of recently active clients.
type clientLimiter struct {
	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	rate    rate.Limit
	burst   int
	idleTTL time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClientLimiter(cfg LimiterConfig) *clientLimiter {
	perMinute := cfg.MessagesPerMinute
	if perMinute <= 0 {
		perMinute = defaultMessagesPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultLimiterIdleTTL
	}

	cl := &clientLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		idleTTL:    idleTTL,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Allow reports whether the client may send another message now.
func (cl *clientLimiter) Allow(clientID string) bool {
	return cl.get(clientID).Allow()
}

func (cl *clientLimiter) get(clientID string) *rate.Limiter {
	cl.mu.RLock()
	limiter, exists := cl.limiters[clientID]
	cl.mu.RUnlock()

	if exists {
		cl.mu.Lock()
		cl.lastAccess[clientID] = time.Now()
		cl.mu.Unlock()
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists = cl.limiters[clientID]; exists {
		cl.lastAccess[clientID] = time.Now()
		return limiter
	}

	limiter = rate.NewLimiter(cl.rate, cl.burst)
	cl.limiters[clientID] = limiter
	cl.lastAccess[clientID] = time.Now()
	return limiter
}

func (cl *clientLimiter) size() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *clientLimiter) cleanupLoop() {
	defer close(cl.done)

	ticker := time.NewTicker(cl.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stop:
			return
		}
	}
}

func (cl *clientLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for clientID, last := range cl.lastAccess {
		if now.Sub(last) > cl.idleTTL {
			delete(cl.limiters, clientID)
			delete(cl.lastAccess, clientID)
		}
	}
}

// Close stops the cleanup loop. Safe to call more than once.
func (cl *clientLimiter) Close() {
	cl.closeOnce.Do(func() {
		close(cl.stop)
		<-cl.done
	})
}
