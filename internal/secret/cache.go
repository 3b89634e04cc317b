package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider memoizes another provider's lookups so repeated resolution
// never hammers a remote secret backend. Entries expire after the
// configured TTL, picking up rotated secrets on the next read. Failed
// lookups are not remembered.
type CachedProvider struct {
	source Provider
	cache  *gocache.Cache
}

// NewCachedProvider wraps source with a TTL cache.
func NewCachedProvider(source Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Get serves from the cache when possible, falling back to the source and
// remembering its answer.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if cached, ok := p.cache.Get(path); ok {
		if value, ok := cached.(string); ok {
			return value, nil
		}
	}

	value, err := p.source.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, value, gocache.DefaultExpiration)
	return value, nil
}

// Close closes the underlying source.
func (p *CachedProvider) Close() error {
	return p.source.Close()
}
