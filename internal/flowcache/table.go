package flowcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"firestige.xyz/divert/internal/core"
)

// Table maps a flow endpoint to the value it had before a rewrite,
// so replies can be translated back. Entries expire like Cache entries.
type Table[V any] struct {
	lru *expirable.LRU[core.Endpoint, V]
}

// NewTable creates a Table bounded by size and ttl.
func NewTable[V any](size int, ttl time.Duration) *Table[V] {
	if size <= 0 {
		size = DefaultMaxEntries
	}
	return &Table[V]{lru: expirable.NewLRU[core.Endpoint, V](size, nil, ttl)}
}

// Put records v for key, refreshing its expiry.
func (t *Table[V]) Put(key core.Endpoint, v V) {
	t.lru.Add(key, v)
}

// Get returns the value recorded for key.
func (t *Table[V]) Get(key core.Endpoint) (V, bool) {
	return t.lru.Get(key)
}

func (t *Table[V]) Len() int {
	return t.lru.Len()
}
