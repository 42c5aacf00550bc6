package asynctcp

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed peers
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed peers
	AccessListModeBlacklist
)

// AccessListConfig configures address based access filtering for servers.
type AccessListConfig struct {
	Mode AccessListMode

	// Entries holds IP addresses ("10.0.0.7") or CIDR prefixes ("10.0.0.0/8").
	Entries []string

	// DisableRejectLogging disables log warnings when sockets are rejected
	DisableRejectLogging bool
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode: AccessListModeDisabled,
	}
}

// AccessDeniedError is returned when a peer is rejected by the access list.
type AccessDeniedError struct {
	Peer   netip.Addr
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied for " + e.Peer.String() + ": " + e.Reason
}

type accessFilter struct {
	config *AccessListConfig
	mu     sync.RWMutex

	prefixes []netip.Prefix
}

func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af := &accessFilter{config: config}
	af.rebuild()
	return af
}

// SetConfig replaces the configuration and reparses its entries.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.rebuild()
}

// rebuild must be called with af.mu held.
func (af *accessFilter) rebuild() {
	af.prefixes = af.prefixes[:0]
	for _, entry := range af.config.Entries {
		if p, ok := parseEntry(entry); ok {
			af.prefixes = append(af.prefixes, p)
		}
	}
}

// parseEntry turns an address or CIDR prefix into a prefix. Single addresses
// become full-length prefixes.
func parseEntry(entry string) (netip.Prefix, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			log.Warn().Str("entry", entry).Err(err).Msg("invalid prefix in access list")
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		log.Warn().Str("entry", entry).Err(err).Msg("invalid address in access list")
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

func (af *accessFilter) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range af.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether a socket from addr may be accepted.
func (af *accessFilter) IsAllowed(addr netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled || !addr.IsValid() {
		return true
	}
	listed := af.contains(addr)
	switch af.config.Mode {
	case AccessListModeWhitelist:
		return listed
	case AccessListModeBlacklist:
		return !listed
	default:
		return true
	}
}

// check returns an AccessDeniedError for rejected peers and logs it.
func (af *accessFilter) check(addr netip.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}
	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "address in blacklist"
	if config.Mode == AccessListModeWhitelist {
		reason = "address not in whitelist"
	}
	logRejected(config.DisableRejectLogging, addr, reason)
	return &AccessDeniedError{Peer: addr, Reason: reason}
}

// Add appends an entry to the list.
func (af *accessFilter) Add(entry string) {
	af.mu.Lock()
	defer af.mu.Unlock()
	p, ok := parseEntry(entry)
	if !ok {
		return
	}
	af.config.Entries = append(af.config.Entries, entry)
	af.prefixes = append(af.prefixes, p)
}

// Remove drops every entry equal to entry once parsed.
func (af *accessFilter) Remove(entry string) {
	af.mu.Lock()
	defer af.mu.Unlock()
	target, ok := parseEntry(entry)
	if !ok {
		return
	}
	kept := make([]string, 0, len(af.config.Entries))
	for _, e := range af.config.Entries {
		if p, ok := parseEntry(e); ok && p == target {
			continue
		}
		kept = append(kept, e)
	}
	af.config.Entries = kept
	af.rebuild()
}

// Count returns the number of valid entries.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParseAddrList parses a comma or space separated list of addresses and
// prefixes, as found in environment variables.
func ParseAddrList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
