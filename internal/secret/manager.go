// Package secret resolves secret references found in configuration. A
// reference is a URI-style string such as env://OPENAI_API_KEY or
// vault://kv/data/parley#api_key; strings without a scheme resolve to
// themselves so inline literals keep working in development.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Manager routes references to the provider registered for their scheme.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewManager() *Manager {
	return &Manager{providers: make(map[string]Provider)}
}

// Register installs provider for scheme, replacing any previous one.
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Get resolves one reference. Values without a scheme separator pass
// through unchanged.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := strings.Cut(ref, "://")
	if !ok {
		return ref, nil
	}

	m.mu.RLock()
	provider, registered := m.providers[scheme]
	m.mu.RUnlock()
	if !registered {
		return "", fmt.Errorf("secret: no provider registered for scheme %q", scheme)
	}
	return provider.Get(ctx, path)
}

// Close closes every registered provider and reports their failures
// together.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s provider: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
