// Package session implements conversation session management: the session
// records themselves, the coordinator that owns their lifecycle, the redis
// adapter that makes them durable, and the archiver that ships ended
// transcripts to object storage.
package session

import (
	"time"

	"github.com/parleyhq/parley/pkg/types"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a session with a live client attached.
	StatusActive Status = "active"

	// StatusDisconnected marks a session whose client dropped; history is
	// retained for the grace period so the client can reconnect.
	StatusDisconnected Status = "disconnected"
)

// Session is one conversation. Timestamps serialize in RFC 3339 form;
// DisconnectedAt appears in the stored record only while the session is
// disconnected.
type Session struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	History        []types.Message `json:"history"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty"`
}

// Expired reports whether the session's idle deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy. The coordinator hands out clones only, so
// callers can never mutate coordinator-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.History = make([]types.Message, len(s.History))
	copy(cp.History, s.History)
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		cp.DisconnectedAt = &t
	}
	return &cp
}
