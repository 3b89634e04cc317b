// Package provider defines the completion provider contract and the
// adapters that implement it. A provider turns a conversation history into
// a completion; the registry holds the named set the service can switch
// between at runtime.
package provider

import (
	"context"
	"errors"

	"github.com/parleyhq/parley/pkg/types"
)

// ErrStreamingUnsupported is returned by Stream on providers whose
// Capabilities report Streaming false. Callers are expected to check the
// capability tag and synthesize chunks from Generate instead.
var ErrStreamingUnsupported = errors.New("provider does not support streaming")

// Capabilities declares what a provider can do. Callers branch on these
// tags rather than probing behavior.
type Capabilities struct {
	Streaming bool
}

// Provider is a named completion backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "stub").
	Name() string

	// Available reports whether the provider is ready to serve requests,
	// e.g. whether its credentials are configured.
	Available() bool

	// Capabilities returns the provider's declared capability tags.
	Capabilities() Capabilities

	// Generate produces a complete, buffered completion for the
	// conversation.
	Generate(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.Completion, error)

	// Stream produces an incremental completion. Providers without the
	// Streaming capability return ErrStreamingUnsupported.
	Stream(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (Stream, error)
}

// Stream iterates over completion chunks. Next returns a chunk with Done
// set as the terminal element, then io.EOF on every subsequent call.
type Stream interface {
	Next() (*types.StreamChunk, error)
	Close() error
}
