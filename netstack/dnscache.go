package netstack

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DNSCacheConfig controls how long resolved addresses are reused.
// The record TTL is clamped to [MinTTL, MaxTTL].
type DNSCacheConfig struct {
	// MinTTL keeps records with very short TTLs for at least this long.
	// Default: 5 seconds
	MinTTL time.Duration

	// MaxTTL caps how long any record is reused.
	// Default: 5 minutes
	MaxTTL time.Duration

	// Enabled controls whether lookups are cached at all.
	// Default: true
	Enabled bool
}

// DefaultDNSCacheConfig returns the default cache configuration.
func DefaultDNSCacheConfig() DNSCacheConfig {
	return DNSCacheConfig{
		MinTTL:  5 * time.Second,
		MaxTTL:  5 * time.Minute,
		Enabled: true,
	}
}

// dnsEntry holds one cached answer.
type dnsEntry struct {
	addr    netip.Addr
	expires time.Time
	// hits counts lookups served from this entry
	hits int
}

// dnsCache maps lower-cased host names to addresses.
// Safe for concurrent use by resolver goroutines and the core.
type dnsCache struct {
	config  DNSCacheConfig
	entries map[string]*dnsEntry
	mu      sync.RWMutex
	now     func() time.Time
}

func newDNSCache(config DNSCacheConfig) *dnsCache {
	return &dnsCache{
		config:  config,
		entries: make(map[string]*dnsEntry),
		now:     time.Now,
	}
}

func cacheKey(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Get returns the cached address for host. Expired entries are dropped.
func (c *dnsCache) Get(host string) (netip.Addr, bool) {
	if !c.config.Enabled {
		return netip.Addr{}, false
	}
	key := cacheKey(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return netip.Addr{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return netip.Addr{}, false
	}
	entry.hits++
	return entry.addr, true
}

// Put stores addr for host with the record's TTL.
func (c *dnsCache) Put(host string, addr netip.Addr, ttl time.Duration) {
	if !c.config.Enabled || !addr.IsValid() {
		return
	}
	ttl = max(ttl, c.config.MinTTL)
	if c.config.MaxTTL > 0 {
		ttl = min(ttl, c.config.MaxTTL)
	}
	key := cacheKey(host)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &dnsEntry{addr: addr, expires: c.now().Add(ttl)}

	log.Debug().
		Str("host", key).
		Str("addr", addr.String()).
		Dur("ttl", ttl).
		Msg("dns cache update")
}

// Size returns the number of entries, expired ones included.
func (c *dnsCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear removes all entries from the cache.
func (c *dnsCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*dnsEntry)
}

// CleanupExpired removes expired entries and returns how many were dropped.
func (c *dnsCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(c.entries)).
			Msg("dns cache cleanup")
	}
	return removed
}
