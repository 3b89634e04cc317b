package secret

import "context"

// Provider fetches secret material from one backing source. Implementations
// interpret the path below their scheme; the Manager never looks inside it.
type Provider interface {
	// Get resolves path to a secret value, e.g. "OPENAI_API_KEY" for the
	// env provider or "kv/data/parley#api_key" for vault.
	Get(ctx context.Context, path string) (string, error)

	// Close releases whatever the provider holds open.
	Close() error
}
