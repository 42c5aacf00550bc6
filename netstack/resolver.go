package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no server knows an IPv4 address for a host.
var ErrNotFound = errors.New("netstack: host not found")

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Servers are host:port addresses queried in order. Empty means the
	// nameservers from /etc/resolv.conf.
	Servers []string
	// Net is "udp" or "tcp".
	Net string
	// Timeout bounds one query to one server.
	Timeout time.Duration
	// Hosts is a static table consulted before any query.
	Hosts map[string]netip.Addr
	Cache DNSCacheConfig
}

// DefaultResolverConfig reads the system nameservers, falling back to a
// public resolver when /etc/resolv.conf is unusable.
func DefaultResolverConfig() *ResolverConfig {
	cfg := &ResolverConfig{
		Net:     "udp",
		Timeout: 5 * time.Second,
		Hosts: map[string]netip.Addr{
			"localhost": netip.MustParseAddr("127.0.0.1"),
		},
		Cache: DefaultDNSCacheConfig(),
	}
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cc.Servers {
			cfg.Servers = append(cfg.Servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"8.8.8.8:53"}
	}
	return cfg
}

// Resolver performs one-shot A record lookups. Answers are cached for their
// TTL.
type Resolver struct {
	cfg    *ResolverConfig
	client *dns.Client
	cache  *dnsCache
}

// NewResolver creates a resolver. A nil cfg uses DefaultResolverConfig.
func NewResolver(cfg *ResolverConfig) *Resolver {
	if cfg == nil {
		cfg = DefaultResolverConfig()
	}
	if cfg.Net == "" {
		cfg.Net = "udp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Net: cfg.Net, Timeout: cfg.Timeout},
		cache:  newDNSCache(cfg.Cache),
	}
}

// Cached answers without touching the network: IP literals, the static host
// table and unexpired cache entries.
func (r *Resolver) Cached(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), true
	}
	if addr, ok := r.cfg.Hosts[cacheKey(host)]; ok {
		return addr, true
	}
	return r.cache.Get(host)
}

// Lookup resolves host to an IPv4 address.
func (r *Resolver) Lookup(ctx context.Context, host string) (netip.Addr, error) {
	if addr, ok := r.Cached(host); ok {
		return addr, nil
	}
	if host == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.cfg.Servers {
		in, rtt, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			log.Debug().Str("host", host).Str("server", server).Err(err).Msg("dns query failed")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			return netip.Addr{}, fmt.Errorf("%w: %s (%s)", ErrNotFound, host, dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(a.A)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			r.cache.Put(host, addr, time.Duration(a.Hdr.Ttl)*time.Second)
			log.Debug().Str("host", host).Str("addr", addr.String()).Dur("rtt", rtt).Msg("resolved")
			return addr, nil
		}
		return netip.Addr{}, fmt.Errorf("%w: %s has no A record", ErrNotFound, host)
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return netip.Addr{}, fmt.Errorf("netstack: resolve %s: %w", strings.TrimSuffix(host, "."), lastErr)
}

// CleanupCache drops expired cache entries.
func (r *Resolver) CleanupCache() int {
	return r.cache.CleanupExpired()
}
