package asynctcp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction specifies how a rejected inbound socket is torn down.
type LimitAction int

const (
	// LimitActionClose closes the socket gracefully, aborting it if the close
	// fails (default).
	LimitActionClose LimitAction = iota
	// LimitActionAbort resets the socket.
	LimitActionAbort
)

func (a LimitAction) String() string {
	switch a {
	case LimitActionClose:
		return "close"
	case LimitActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ConnectionLimitsConfig configures accept-time rate limiting.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrent limits the accepted connections alive at once.
	// 0 or negative means unlimited.
	MaxConcurrent int

	// Per-peer limits, keyed by remote IP
	MaxConnsPerMinute int
	MaxConnsPerHour   int
	MaxConnsPerDay    int

	// Total limits (all peers combined)
	MaxTotalConnsPerMinute int
	MaxTotalConnsPerHour   int
	MaxTotalConnsPerDay    int

	Action LimitAction

	// DisableRejectLogging disables log warnings when sockets are rejected
	DisableRejectLogging bool
}

// DefaultConnectionLimitsConfig returns the default (unlimited) configuration.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxConcurrent: -1,
		Action:        LimitActionClose,
	}
}

// LimitExceededError reports which limit rejected a peer.
type LimitExceededError struct {
	Peer  netip.Addr
	Limit string
	Max   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded (%d) for %s", e.Limit, e.Max, e.Peer)
}

// connectionLimiter tracks and enforces connection limits with per-peer and
// total timestamp windows.
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	active int

	peerHistory  map[netip.Addr]*connectionHistory
	totalHistory *connectionHistory
}

type connectionHistory struct {
	timestamps []time.Time
}

func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		peerHistory:  make(map[netip.Addr]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// Active returns the number of admitted connections not yet released.
func (cl *connectionLimiter) Active() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.active
}

// admit checks whether a new connection from peer is allowed at now and
// records it if so.
func (cl *connectionLimiter) admit(peer netip.Addr, now time.Time) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.config.MaxConcurrent > 0 && cl.active >= cl.config.MaxConcurrent {
		return &LimitExceededError{Peer: peer, Limit: "concurrent", Max: cl.config.MaxConcurrent}
	}
	if err := cl.checkWindowsLocked(cl.totalHistory, peer, now, "total",
		cl.config.MaxTotalConnsPerMinute, cl.config.MaxTotalConnsPerHour, cl.config.MaxTotalConnsPerDay); err != nil {
		return err
	}
	perPeer := cl.config.MaxConnsPerMinute > 0 || cl.config.MaxConnsPerHour > 0 || cl.config.MaxConnsPerDay > 0
	if perPeer {
		if err := cl.checkWindowsLocked(cl.historyLocked(peer), peer, now, "peer",
			cl.config.MaxConnsPerMinute, cl.config.MaxConnsPerHour, cl.config.MaxConnsPerDay); err != nil {
			return err
		}
	}

	cl.active++
	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	// Without a per-peer limit there is nothing to count against.
	if perPeer {
		h := cl.historyLocked(peer)
		h.timestamps = append(h.timestamps, now)
	}
	log.Debug().Str("peer", peer.String()).Int("active", cl.active).Msg("connection admitted")
	return nil
}

func (cl *connectionLimiter) checkWindowsLocked(h *connectionHistory, peer netip.Addr, now time.Time, scope string, perMinute, perHour, perDay int) error {
	h.prune(now)
	windows := []struct {
		name string
		max  int
		span time.Duration
	}{
		{"per minute", perMinute, time.Minute},
		{"per hour", perHour, time.Hour},
		{"per day", perDay, 24 * time.Hour},
	}
	for _, w := range windows {
		if w.max > 0 && h.countSince(now.Add(-w.span)) >= w.max {
			return &LimitExceededError{Peer: peer, Limit: scope + " " + w.name, Max: w.max}
		}
	}
	return nil
}

// release is called when an admitted connection goes away.
func (cl *connectionLimiter) release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active > 0 {
		cl.active--
	}
}

func (cl *connectionLimiter) historyLocked(peer netip.Addr) *connectionHistory {
	if h, ok := cl.peerHistory[peer]; ok {
		return h
	}
	h := &connectionHistory{}
	cl.peerHistory[peer] = h
	return h
}

// cleanup drops peers without activity in the last 24 hours.
func (cl *connectionLimiter) cleanup(now time.Time) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for peer, h := range cl.peerHistory {
		h.prune(now)
		if len(h.timestamps) == 0 {
			delete(cl.peerHistory, peer)
		}
	}
}

func (h *connectionHistory) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

func (h *connectionHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

func logRejected(quiet bool, peer netip.Addr, reason string) {
	if quiet {
		return
	}
	log.Warn().Str("peer", peer.String()).Str("reason", reason).Msg("inbound connection rejected")
}
