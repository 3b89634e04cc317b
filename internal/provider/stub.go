package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/types"
)

// StubName identifies the built-in fallback provider.
const StubName = "stub"

// Stub is a deterministic, dependency-free provider. It is always
// available, so the service can start and serve conversations before any
// real backend is configured. Replies are a pure function of the last user
// message.
type Stub struct{}

// NewStub creates the stub provider.
func NewStub() *Stub { return &Stub{} }

// Name implements Provider.
func (s *Stub) Name() string { return StubName }

// Available implements Provider; the stub has no preconditions.
func (s *Stub) Available() bool { return true }

// Capabilities implements Provider. The stub only buffers, so streamed
// delivery is synthesized upstream.
func (s *Stub) Capabilities() Capabilities { return Capabilities{Streaming: false} }

// Generate implements Provider.
func (s *Stub) Generate(ctx context.Context, messages []types.Message, _ types.CompletionOptions) (*types.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := "Hello! No model backend is configured yet, but the conversation plumbing works."
	if last := lastUserContent(messages); last != "" {
		content = fmt.Sprintf("You said: %q. A configured model provider will answer properly here.", last)
	}

	prompt := 0
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content))
	}
	completion := len(strings.Fields(content))

	return &types.Completion{
		ID:       "cmpl-" + uuid.NewString(),
		Provider: StubName,
		Model:    StubName,
		Content:  content,
		Created:  time.Now().Unix(),
		Usage: &types.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// Stream implements Provider.
func (s *Stub) Stream(context.Context, []types.Message, types.CompletionOptions) (Stream, error) {
	return nil, ErrStreamingUnsupported
}

func lastUserContent(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
