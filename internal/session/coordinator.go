package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/metrics"
	"github.com/parleyhq/parley/pkg/types"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = time.Minute

	// mirrorTimeout bounds store writes issued by the background sweep,
	// which runs without a caller context.
	mirrorTimeout = 5 * time.Second
)

// Transcript reasons handed to the archiver.
const (
	ReasonDestroyed = "destroyed"
	ReasonExpired   = "expired"
)

// CoordinatorConfig controls session lifetimes.
type CoordinatorConfig struct {
	// TTL is the idle lifetime: a session with no message activity for TTL
	// expires. It also serves as the reconnect grace period after a
	// disconnect.
	TTL time.Duration

	// SweepInterval is how often the background sweep removes expired
	// sessions. Tests pass a large value and call Sweep directly.
	SweepInterval time.Duration

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// CoordinatorOption wires optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithStore mirrors session mutations through a durable store. The
// in-memory record stays authoritative; mirror failures are logged and
// never fail the operation.
func WithStore(store *RedisStore) CoordinatorOption {
	return func(c *Coordinator) { c.store = store }
}

// WithArchiver hands ended sessions with non-empty history to an Archiver
// for transcript upload.
func WithArchiver(a *Archiver) CoordinatorOption {
	return func(c *Coordinator) { c.archiver = a }
}

// Coordinator owns every live session. Sessions move through
// absent → active ⇄ disconnected → absent; expiry or destruction makes an
// id indistinguishable from one that never existed. All returned sessions
// are deep copies.
type Coordinator struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	store    *RedisStore
	archiver *Archiver

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
	closeOnce     sync.Once
}

// NewCoordinator creates a coordinator and starts its background sweep.
func NewCoordinator(cfg CoordinatorConfig, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		ttl:           cfg.TTL,
		now:           cfg.Clock,
		logger:        logger,
		sessions:      make(map[string]*Session),
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()
	return c
}

// CreateSession starts a new active session for id. An unexpired active
// session under the same id is a duplicate and fails; an unexpired
// disconnected one is displaced (and archived) in favor of the fresh start.
func (c *Coordinator) CreateSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("create session: empty id")
	}
	now := c.now()

	c.mu.Lock()
	existing, ok := c.sessions[id]
	if ok && existing.Status == StatusActive && !existing.Expired(now) {
		c.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, ErrDuplicateSession)
	}
	var displaced *Session
	if ok && !existing.Expired(now) {
		displaced = existing
	}

	sess := &Session{
		ID:             id,
		Status:         StatusActive,
		History:        []types.Message{},
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(c.ttl),
	}
	c.sessions[id] = sess
	clone := sess.Clone()
	size := len(c.sessions)
	c.mu.Unlock()

	if displaced != nil {
		c.archive(displaced, ReasonDestroyed)
	}
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(size))
	c.logger.Info("session created", "session_id", id)

	c.persist(ctx, clone)
	return clone, nil
}

// GetSession returns the active session for id, if one exists and has not
// expired. Reading never refreshes activity or expiry; only message
// appends keep a session alive.
func (c *Coordinator) GetSession(id string) (*Session, bool) {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[id]
	if !ok || sess.Status != StatusActive || sess.Expired(now) {
		return nil, false
	}
	return sess.Clone(), true
}

// HasSession reports whether an unexpired active session exists for id.
func (c *Coordinator) HasSession(id string) bool {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[id]
	return ok && sess.Status == StatusActive && !sess.Expired(now)
}

// HasDisconnectedSession reports whether an unexpired disconnected session
// exists for id.
func (c *Coordinator) HasDisconnectedSession(id string) bool {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[id]
	return ok && sess.Status == StatusDisconnected && !sess.Expired(now)
}

// ConversationHistory returns a copy of the session's messages in append
// order. Disconnected sessions keep their history readable until expiry.
func (c *Coordinator) ConversationHistory(id string) ([]types.Message, bool) {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	sess, ok := c.sessions[id]
	if !ok || sess.Expired(now) {
		return nil, false
	}
	history := make([]types.Message, len(sess.History))
	copy(history, sess.History)
	return history, true
}

// AddMessage appends one message to an active session's history and
// refreshes its activity timestamps and idle deadline. It returns the
// updated session.
func (c *Coordinator) AddMessage(ctx context.Context, id, role, content string) (*Session, error) {
	now := c.now()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok || sess.Status != StatusActive || sess.Expired(now) {
		c.mu.Unlock()
		return nil, fmt.Errorf("add message to %s: %w", id, ErrSessionNotFound)
	}
	sess.History = append(sess.History, types.Message{Role: role, Content: content, Timestamp: now})
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(c.ttl)
	clone := sess.Clone()
	c.mu.Unlock()

	metrics.Messages.WithLabelValues(role).Inc()
	c.persist(ctx, clone)
	return clone, nil
}

// MarkDisconnected transitions an active session to disconnected, stamping
// the disconnect time. The session keeps its history and stays eligible
// for reconnection for one TTL from now.
func (c *Coordinator) MarkDisconnected(ctx context.Context, id string) bool {
	now := c.now()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok || sess.Status != StatusActive || sess.Expired(now) {
		c.mu.Unlock()
		return false
	}
	sess.Status = StatusDisconnected
	t := now
	sess.DisconnectedAt = &t
	sess.ExpiresAt = now.Add(c.ttl)
	clone := sess.Clone()
	c.mu.Unlock()

	c.logger.Info("session disconnected", "session_id", id)
	c.persist(ctx, clone)
	return true
}

// ReconnectSession revives an unexpired disconnected session: back to
// active, disconnect stamp cleared, activity refreshed. Destroyed or
// expired ids are never resurrected.
func (c *Coordinator) ReconnectSession(ctx context.Context, id string) (*Session, bool) {
	now := c.now()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok || sess.Status != StatusDisconnected || sess.Expired(now) {
		c.mu.Unlock()
		return nil, false
	}
	sess.Status = StatusActive
	sess.DisconnectedAt = nil
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(c.ttl)
	clone := sess.Clone()
	c.mu.Unlock()

	c.logger.Info("session reconnected", "session_id", id)
	c.persist(ctx, clone)
	return clone, true
}

// DestroySession removes a session in any state and reports whether an
// unexpired one existed. An expired record encountered here is cleaned up
// but reported as absent.
func (c *Coordinator) DestroySession(ctx context.Context, id string) bool {
	now := c.now()

	c.mu.Lock()
	sess, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	size := len(c.sessions)
	c.mu.Unlock()

	if !ok {
		return false
	}
	metrics.SessionsActive.Set(float64(size))
	c.unpersist(ctx, id)

	if sess.Expired(now) {
		metrics.SessionsExpired.Inc()
		c.archive(sess, ReasonExpired)
		return false
	}
	c.archive(sess, ReasonDestroyed)
	c.logger.Info("session destroyed", "session_id", id)
	return true
}

// ActiveCount returns the number of unexpired active sessions.
func (c *Coordinator) ActiveCount() int {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, sess := range c.sessions {
		if sess.Status == StatusActive && !sess.Expired(now) {
			n++
		}
	}
	return n
}

// ClearAllSessions drops every session, active and disconnected, and wipes
// the mirrored store namespace. Intended for full resets, not routine
// shutdown: a normal restart keeps the store so sessions can be restored.
func (c *Coordinator) ClearAllSessions(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var ended []*Session
	for _, sess := range c.sessions {
		if !sess.Expired(now) {
			ended = append(ended, sess)
		}
	}
	count := len(c.sessions)
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, sess := range ended {
		c.archive(sess, ReasonDestroyed)
	}
	metrics.SessionsActive.Set(0)

	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.mirrorError("clearing session store", "", err)
		}
	}
	c.logger.Info("all sessions cleared", "count", count)
}

// RestoreSessions loads unexpired records from the durable store into the
// coordinator. Restored sessions come back disconnected, since their
// clients are gone after a restart, and the normal reconnect path picks
// them up. Records already present in memory are left alone.
func (c *Coordinator) RestoreSessions(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	ids, err := c.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	now := c.now()
	restored := 0
	for _, id := range ids {
		sess, err := c.store.Get(ctx, id)
		if err != nil {
			c.logger.Warn("restoring session", "session_id", id, "error", err)
			continue
		}
		if sess == nil || sess.Expired(now) {
			continue
		}
		if sess.Status == StatusActive {
			sess.Status = StatusDisconnected
			t := now
			sess.DisconnectedAt = &t
		}

		c.mu.Lock()
		if _, exists := c.sessions[id]; !exists {
			c.sessions[id] = sess
			restored++
		}
		size := len(c.sessions)
		c.mu.Unlock()
		metrics.SessionsActive.Set(float64(size))
	}

	if restored > 0 {
		metrics.SessionsRestored.Add(float64(restored))
		c.logger.Info("sessions restored from store", "count", restored)
	}
	return restored, nil
}

// Sweep removes every expired session and returns how many were removed.
// The background loop calls this on a ticker; tests call it directly.
func (c *Coordinator) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var removed []*Session
	for id, sess := range c.sessions {
		if sess.Expired(now) {
			delete(c.sessions, id)
			removed = append(removed, sess)
		}
	}
	size := len(c.sessions)
	c.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	for _, sess := range removed {
		metrics.SessionsExpired.Inc()
		c.archive(sess, ReasonExpired)
		c.unpersist(ctx, sess.ID)
		c.logger.Debug("session expired", "session_id", sess.ID)
	}
	metrics.SessionsActive.Set(float64(size))
	return len(removed)
}

// Close stops the background sweep and waits for it to exit. No sweep
// fires after Close returns. Safe to call multiple times.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.stopSweep)
		<-c.sweepDone
		c.logger.Info("session coordinator stopped")
	})
}

func (c *Coordinator) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("idle sweep", "expired", n)
			}
		case <-c.stopSweep:
			return
		}
	}
}

// persist mirrors a session into the durable store, aligning the record's
// store-side TTL with its idle deadline.
func (c *Coordinator) persist(ctx context.Context, sess *Session) {
	if c.store == nil {
		return
	}
	ttl := sess.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.store.Set(ctx, sess.ID, sess, ttl); err != nil {
		c.mirrorError("persisting session", sess.ID, err)
	}
}

func (c *Coordinator) unpersist(ctx context.Context, id string) {
	if c.store == nil {
		return
	}
	if _, err := c.store.Delete(ctx, id); err != nil {
		c.mirrorError("removing stored session", id, err)
	}
}

// mirrorError logs store mirror failures. A disconnected store is expected
// degraded operation and logs quietly; anything else gets a warning.
func (c *Coordinator) mirrorError(op, id string, err error) {
	if errors.Is(err, ErrNotConnected) {
		c.logger.Debug(op+" skipped, store not connected", "session_id", id)
		return
	}
	c.logger.Warn(op+" failed", "session_id", id, "error", err)
}

func (c *Coordinator) archive(sess *Session, reason string) {
	if c.archiver == nil || len(sess.History) == 0 {
		return
	}
	c.archiver.Enqueue(Transcript{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		EndedAt:   c.now(),
		Reason:    reason,
		Messages:  sess.History,
	})
}
