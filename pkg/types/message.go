// Package types defines the core data structures shared by the session,
// provider, and gateway layers: conversation messages, completion results,
// and the options that shape them.
package types

import "time"

// Message roles. Every message in a conversation history carries exactly
// one of these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now().UTC()}
}
