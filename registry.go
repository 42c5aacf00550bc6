package asynctcp

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry is a set of clients keyed by their ID. Servers and applications
// use it to reach every live connection, for example to broadcast or to shut
// down. Membership does not keep a client alive and does not affect when it
// is freed.
//
// Lookups are safe from any goroutine. Each, CloseAll and AbortAll call into
// clients and therefore need the core lock.
type Registry struct {
	clients sync.Map // map[uuid.UUID]*Client
	count   atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts c. Adding a client twice is a no-op.
func (r *Registry) Add(c *Client) {
	if _, loaded := r.clients.LoadOrStore(c.ID(), c); !loaded {
		r.count.Add(1)
	}
}

// Track adds c and removes it again when its connection goes away.
func (r *Registry) Track(c *Client) {
	r.Add(c)
	id := c.ID()
	c.onFinish(func() { r.Remove(id) })
}

// Remove deletes the client with the given ID and reports whether it was
// present.
func (r *Registry) Remove(id uuid.UUID) bool {
	if _, loaded := r.clients.LoadAndDelete(id); loaded {
		r.count.Add(-1)
		return true
	}
	return false
}

// Get looks a tracked client up by ID.
func (r *Registry) Get(id uuid.UUID) (*Client, bool) {
	v, ok := r.clients.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// Len returns the number of tracked clients.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Each calls fn for every client until fn returns false. Clients may be
// removed from inside fn.
func (r *Registry) Each(fn func(c *Client) bool) {
	r.clients.Range(func(_, v any) bool {
		return fn(v.(*Client))
	})
}

// CloseAll closes every client, immediately or on its next poll tick.
func (r *Registry) CloseAll(now bool) {
	n := 0
	r.Each(func(c *Client) bool {
		c.Close(now)
		n++
		return true
	})
	log.Debug().Int("clients", n).Bool("now", now).Msg("closing registered clients")
}

// AbortAll resets every client.
func (r *Registry) AbortAll() {
	r.Each(func(c *Client) bool {
		c.Abort()
		return true
	})
}
