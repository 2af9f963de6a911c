package phiaccess

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// override is cached by value; present=false records "no override set".
type override struct {
	value   string
	present bool
}

// CachedConfigSource memoizes successful override lookups for a short TTL.
// Errors are never cached so a recovering config store is picked up on the
// next request.
type CachedConfigSource struct {
	next  ConfigSource
	cache *ttlcache.Cache[string, override]
}

// NewCachedConfigSource wraps next. A non-positive ttl disables caching and
// returns next unchanged.
func NewCachedConfigSource(next ConfigSource, ttl time.Duration) ConfigSource {
	if ttl <= 0 || next == nil {
		return next
	}
	cache := ttlcache.New[string, override](
		ttlcache.WithTTL[string, override](ttl),
		ttlcache.WithDisableTouchOnHit[string, override](),
	)
	return &CachedConfigSource{next: next, cache: cache}
}

func (s *CachedConfigSource) GetOverride(ctx context.Context, key, facilityID string) (*string, error) {
	ck := facilityID + "\x00" + key
	if item := s.cache.Get(ck); item != nil {
		v := item.Value()
		if !v.present {
			return nil, nil
		}
		val := v.value
		return &val, nil
	}

	val, err := s.next.GetOverride(ctx, key, facilityID)
	if err != nil {
		return nil, err
	}
	if val == nil {
		s.cache.Set(ck, override{}, ttlcache.DefaultTTL)
		return nil, nil
	}
	s.cache.Set(ck, override{value: *val, present: true}, ttlcache.DefaultTTL)
	out := *val
	return &out, nil
}

// Purge drops all cached overrides.
func (s *CachedConfigSource) Purge() {
	s.cache.DeleteAll()
}
