package netstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testCache(config DNSCacheConfig) (*dnsCache, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newDNSCache(config)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestDNSCache_TTL(t *testing.T) {
	c, now := testCache(DefaultDNSCacheConfig())
	addr := netip.MustParseAddr("10.1.2.3")

	c.Put("Device.Local.", addr, time.Minute)
	got, ok := c.Get("device.local")
	assert.True(t, ok)
	assert.Equal(t, addr, got)

	*now = now.Add(59 * time.Second)
	_, ok = c.Get("DEVICE.local")
	assert.True(t, ok)

	*now = now.Add(time.Second)
	_, ok = c.Get("device.local")
	assert.False(t, ok, "expired at the TTL")
	assert.Zero(t, c.Size())
}

func TestDNSCache_ClampsTTL(t *testing.T) {
	c, now := testCache(DefaultDNSCacheConfig())
	short := netip.MustParseAddr("10.0.0.1")
	long := netip.MustParseAddr("10.0.0.2")

	c.Put("short", short, 0)
	c.Put("long", long, 24*time.Hour)

	*now = now.Add(4 * time.Second)
	_, ok := c.Get("short")
	assert.True(t, ok, "MinTTL keeps zero TTL records")

	*now = now.Add(5 * time.Minute)
	_, ok = c.Get("long")
	assert.False(t, ok, "MaxTTL caps long records")
}

func TestDNSCache_CleanupExpired(t *testing.T) {
	c, now := testCache(DefaultDNSCacheConfig())
	c.Put("a", netip.MustParseAddr("10.0.0.1"), 10*time.Second)
	c.Put("b", netip.MustParseAddr("10.0.0.2"), time.Minute)
	c.Put("c", netip.Addr{}, time.Minute)
	assert.Equal(t, 2, c.Size(), "invalid addresses are not stored")

	*now = now.Add(30 * time.Second)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Zero(t, c.Size())
}

func TestDNSCache_Disabled(t *testing.T) {
	c, _ := testCache(DNSCacheConfig{Enabled: false})
	c.Put("a", netip.MustParseAddr("10.0.0.1"), time.Minute)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}
