package auth

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingVerifier wraps a Verifier with an LRU cache keyed by the raw token,
// so reconnect bursts do not re-verify the same credential. Only successful
// verifications are cached. Token expiry is bounded by the cache size, not by
// time, which is acceptable for short-lived connection handshakes.
type CachingVerifier struct {
	next  Verifier
	cache *lru.Cache[string, Identity]
}

func NewCachingVerifier(next Verifier, size int) (*CachingVerifier, error) {
	cache, err := lru.New[string, Identity](size)
	if err != nil {
		return nil, err
	}
	return &CachingVerifier{next: next, cache: cache}, nil
}

func (v *CachingVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if id, ok := v.cache.Get(token); ok {
		return id, nil
	}
	id, err := v.next.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	v.cache.Add(token, id)
	return id, nil
}
