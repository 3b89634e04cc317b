// Package env resolves secrets from process environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider reads secrets from the environment. An unset variable is an
// error; an empty one is a legitimate value.
type Provider struct{}

func New() *Provider { return &Provider{} }

// Get returns the value of the variable named by path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	value, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", path)
	}
	return value, nil
}

// Close is a no-op; the environment holds nothing to release.
func (p *Provider) Close() error { return nil }
