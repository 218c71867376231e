package channels

import (
	"sort"
	"sync"
	"time"
)

// AgentPresence is one connected agent as seen by the websocket layer.
type AgentPresence struct {
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// gen identifies the connection that owns this entry, so a stale
	// connection's cleanup cannot remove a reconnect's entry.
	gen uint64
}

// Presence tracks which agents currently hold a live connection. It is
// maintained by the websocket layer and queried by the API without touching
// the store.
type Presence struct {
	mu      sync.RWMutex
	agents  map[string]*AgentPresence
	nextGen uint64
}

// NewPresence creates an empty registry.
func NewPresence() *Presence {
	return &Presence{agents: map[string]*AgentPresence{}}
}

// Register marks an instance connected. Reconnects replace the prior entry.
// The returned token identifies this connection; pass it to Deregister so a
// lingering old connection cannot clear a newer one.
func (p *Presence) Register(instanceID string) uint64 {
	now := time.Now().UTC()
	p.mu.Lock()
	p.nextGen++
	gen := p.nextGen
	p.agents[instanceID] = &AgentPresence{InstanceID: instanceID, ConnectedAt: now, LastSeenAt: now, gen: gen}
	p.mu.Unlock()
	return gen
}

// Touch refreshes the liveness timestamp for a connected instance.
func (p *Presence) Touch(instanceID string) {
	p.mu.Lock()
	if a, ok := p.agents[instanceID]; ok {
		a.LastSeenAt = time.Now().UTC()
	}
	p.mu.Unlock()
}

// Deregister removes an instance on connection drop. The entry is removed
// only if it still belongs to the connection identified by gen: after a
// reconnect the old socket's deferred cleanup finds a newer entry and leaves
// it alone.
func (p *Presence) Deregister(instanceID string, gen uint64) {
	p.mu.Lock()
	if a, ok := p.agents[instanceID]; ok && a.gen == gen {
		delete(p.agents, instanceID)
	}
	p.mu.Unlock()
}

// Connected reports whether the instance has a live connection.
func (p *Presence) Connected(instanceID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.agents[instanceID]
	return ok
}

// List returns a snapshot of connected agents ordered by instance id.
func (p *Presence) List() []AgentPresence {
	p.mu.RLock()
	out := make([]AgentPresence, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, *a)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}
