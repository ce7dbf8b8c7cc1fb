package environ

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ProgramCache stores compiled rule programs. Keys are prefixed with the
// engine name so evaluators can share one cache.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// NewLRUProgramCache returns a concurrency-safe cache holding at most size
// programs.
func NewLRUProgramCache(size int) (ProgramCache, error) {
	cache, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("environ: program cache: %w", err)
	}
	return lruProgramCache{cache: cache}, nil
}

type lruProgramCache struct {
	cache *lru.Cache[string, any]
}

func (c lruProgramCache) Get(key string) (any, bool) {
	return c.cache.Get(key)
}

func (c lruProgramCache) Set(key string, value any) {
	c.cache.Add(key, value)
}
