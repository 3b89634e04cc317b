// Package gateway is the transport-facing core of the chat service. It
// owns the per-client rate limits and the ordering of session mutations
// around completion calls, so transports stay thin: validate, limit,
// append the user turn, generate, record the reply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/ai"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/session"
	pkgerrors "github.com/parleyhq/parley/pkg/errors"
	"github.com/parleyhq/parley/pkg/types"
)

// DefaultMaxMessageBytes bounds a single inbound message.
const DefaultMaxMessageBytes = 8192

// Config controls gateway-level limits.
type Config struct {
	// MaxMessageBytes rejects oversized messages; <=0 means default.
	MaxMessageBytes int

	// Limiter configures the per-client message rate.
	Limiter LimiterConfig
}

// FinishFunc records a fully streamed assistant reply in session history.
// The transport calls it exactly once, after the terminal chunk has been
// delivered; an abandoned stream is simply never recorded.
type FinishFunc func(ctx context.Context, fullText string)

// Gateway wires the session coordinator, the completion service, and the
// per-client limiter behind transport-shaped operations.
type Gateway struct {
	coordinator *session.Coordinator
	ai          *ai.Service
	limiter     *clientLimiter
	logger      *observability.Logger

	maxMessageBytes int
}

// New constructs a Gateway. Close must be called to stop the limiter sweep.
func New(coordinator *session.Coordinator, svc *ai.Service, cfg Config, logger *observability.Logger) *Gateway {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Gateway{
		coordinator:     coordinator,
		ai:              svc,
		limiter:         newClientLimiter(cfg.Limiter),
		logger:          logger,
		maxMessageBytes: maxBytes,
	}
}

// HandleConnect resolves a client's session at connection time: a
// disconnected session that has not expired is resumed with its history,
// otherwise a fresh one is created. Connecting with the id of a live
// active session is rejected as a duplicate.
func (g *Gateway) HandleConnect(ctx context.Context, clientID string) (*session.Session, bool, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, false, pkgerrors.NewValidationError("client id must not be empty")
	}

	if sess, ok := g.coordinator.ReconnectSession(ctx, clientID); ok {
		g.logger.WithRequestID(ctx).Info("session resumed",
			"client_id", clientID,
			"history_len", len(sess.History),
		)
		return sess, true, nil
	}

	sess, err := g.coordinator.CreateSession(ctx, clientID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			return nil, false, pkgerrors.NewDuplicateSessionError(clientID)
		}
		return nil, false, pkgerrors.NewInternalError(err)
	}

	g.logger.WithRequestID(ctx).Info("session created", "client_id", clientID)
	return sess, false, nil
}

// HandleMessage runs one request/reply turn: validate, rate-check, append
// the user message, generate against the full history, record the reply.
func (g *Gateway) HandleMessage(ctx context.Context, clientID, content string) (*types.Completion, error) {
	if err := g.validateMessage(clientID, content); err != nil {
		return nil, err
	}
	if !g.limiter.Allow(clientID) {
		return nil, pkgerrors.NewRateLimitedError("message rate exceeded")
	}

	sess, err := g.appendUserMessage(ctx, clientID, content)
	if err != nil {
		return nil, err
	}
	g.logger.WithRequestID(ctx).RedactedDebug("message received",
		"client_id", clientID,
		"content", content,
	)

	completion, err := g.ai.Generate(ctx, sess.History)
	if err != nil {
		return nil, err
	}

	// The session can vanish mid-generation (destroyed or swept). The
	// client still gets its reply; only history retention is lost.
	if _, err := g.coordinator.AddMessage(ctx, clientID, types.RoleAssistant, completion.Content); err != nil {
		g.logger.WithRequestID(ctx).Warn("assistant reply not recorded",
			"client_id", clientID,
			"error", err,
		)
	}
	return completion, nil
}

// HandleMessageStream is the streaming variant of HandleMessage. The user
// turn is appended before the stream starts; the assistant turn is appended
// by the returned FinishFunc so it lands in history exactly once, and only
// after the client actually received the whole reply.
func (g *Gateway) HandleMessageStream(ctx context.Context, clientID, content string) (provider.Stream, FinishFunc, error) {
	if err := g.validateMessage(clientID, content); err != nil {
		return nil, nil, err
	}
	if !g.limiter.Allow(clientID) {
		return nil, nil, pkgerrors.NewRateLimitedError("message rate exceeded")
	}

	sess, err := g.appendUserMessage(ctx, clientID, content)
	if err != nil {
		return nil, nil, err
	}
	g.logger.WithRequestID(ctx).RedactedDebug("message received",
		"client_id", clientID,
		"content", content,
		"stream", true,
	)

	stream, err := g.ai.GenerateStream(ctx, sess.History)
	if err != nil {
		return nil, nil, err
	}

	finish := func(ctx context.Context, fullText string) {
		if strings.TrimSpace(fullText) == "" {
			return
		}
		if _, err := g.coordinator.AddMessage(ctx, clientID, types.RoleAssistant, fullText); err != nil {
			g.logger.Warn("streamed reply not recorded",
				"client_id", clientID,
				"error", err,
			)
		}
	}
	return stream, finish, nil
}

// HandleDisconnect marks the client's session disconnected, starting the
// reconnect grace window. It reports whether a session was affected.
func (g *Gateway) HandleDisconnect(ctx context.Context, clientID string) bool {
	marked := g.coordinator.MarkDisconnected(ctx, clientID)
	if marked {
		g.logger.Info("session disconnected", "client_id", clientID)
	}
	return marked
}

// Close stops background work owned by the gateway.
func (g *Gateway) Close() {
	g.limiter.Close()
}

func (g *Gateway) validateMessage(clientID, content string) error {
	if strings.TrimSpace(clientID) == "" {
		return pkgerrors.NewValidationError("client id must not be empty")
	}
	if strings.TrimSpace(content) == "" {
		return pkgerrors.NewValidationError("message content must not be empty")
	}
	if len(content) > g.maxMessageBytes {
		return pkgerrors.NewValidationError(
			fmt.Sprintf("message exceeds %d bytes", g.maxMessageBytes),
		)
	}
	return nil
}

func (g *Gateway) appendUserMessage(ctx context.Context, clientID, content string) (*session.Session, error) {
	sess, err := g.coordinator.AddMessage(ctx, clientID, types.RoleUser, content)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, pkgerrors.NewSessionNotFoundError(clientID)
		}
		return nil, pkgerrors.NewInternalError(err)
	}
	return sess, nil
}
