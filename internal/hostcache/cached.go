package hostcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 64

// CachedStore is a read-through LRU in front of a slower Store. Writes go to both.
type CachedStore struct {
	backend Store
	cache   *lru.Cache[string, string]
}

func NewCachedStore(backend Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, true, nil
	}
	v, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	s.cache.Add(key, v)
	return v, true, nil
}

func (s *CachedStore) Set(ctx context.Context, key, value string) error {
	if err := s.backend.Set(ctx, key, value); err != nil {
		return err
	}
	s.cache.Add(key, value)
	return nil
}
