// Package flowcache holds short-lived flow-endpoint state shared by all capture goroutines.
package flowcache

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/metrics"
)

// Defaults for the recency cache.
const (
	DefaultMaxAge     = 10 * time.Second
	DefaultMaxEntries = 0xfff
)

// Cache remembers flow endpoints that were recently injected outbound.
// Entries expire after maxAge; at most maxEntries are held, evicting the
// least recently touched first. Safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[core.Endpoint, struct{}]
}

// New creates a Cache. Non-positive arguments select the defaults.
func New(maxEntries int, maxAge time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{lru: expirable.NewLRU[core.Endpoint, struct{}](maxEntries, nil, maxAge)}
}

// Touch inserts the endpoint or refreshes its expiry and recency.
func (c *Cache) Touch(proto core.Protocol, ip netip.Addr, port uint16) {
	c.lru.Add(core.NewEndpoint(proto, ip, port), struct{}{})
	metrics.RecencyCacheEntries.Set(float64(c.lru.Len()))
}

// Contains reports whether the endpoint was touched within the expiry window.
// It does not refresh the entry.
func (c *Cache) Contains(proto core.Protocol, ip netip.Addr, port uint16) bool {
	_, ok := c.lru.Peek(core.NewEndpoint(proto, ip, port))
	return ok
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
