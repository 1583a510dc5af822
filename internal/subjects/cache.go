package subjects

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/cadence/pkg/schema"
)

// CachedResolver memoizes lookups of another Resolver for a fixed TTL.
// Errors are never cached.
type CachedResolver struct {
	next  Resolver
	cache *gocache.Cache
}

// NewCachedResolver wraps next with a TTL cache. A ttl <= 0 disables caching.
func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		return &CachedResolver{next: next}
	}
	return &CachedResolver{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Lookup returns the cached subject or resolves and caches it.
func (r *CachedResolver) Lookup(ctx context.Context, ref schema.SubjectRef) (*Subject, error) {
	if r.cache == nil {
		return r.next.Lookup(ctx, ref)
	}
	key := ref.String()
	if v, ok := r.cache.Get(key); ok {
		return v.(*Subject), nil
	}
	s, err := r.next.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, s)
	return s, nil
}

// Invalidate drops the cached entry for ref, e.g. after a score recompute.
func (r *CachedResolver) Invalidate(ref schema.SubjectRef) {
	if r.cache != nil {
		r.cache.Delete(ref.String())
	}
}

var _ Resolver = (*CachedResolver)(nil)
