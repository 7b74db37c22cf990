package nodes

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// Registry is the authoritative table of known peers. Mutation happens on
// the protocol goroutines; other threads in the host application iterate
// it concurrently, so every read path takes a snapshot under the lock and
// lifecycle hooks fire outside it.
type Registry struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*Node

	hookMu   sync.RWMutex
	onAdded  []func(*Node)
	onKilled []func(*Node)

	clk clock.Clock
}

// NewRegistry creates an empty registry. Pass clock.New() outside tests.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		nodes: make(map[uuid.UUID]*Node),
		clk:   clk,
	}
}

// OnNodeAdded registers a hook fired whenever a node is first seen, so
// collaborators can attach their per-node application state.
func (r *Registry) OnNodeAdded(fn func(*Node)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onAdded = append(r.onAdded, fn)
}

// OnNodeKilled registers a hook fired whenever a node is removed, whether
// by eviction, domain kill, or reset.
func (r *Registry) OnNodeKilled(fn func(*Node)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onKilled = append(r.onKilled, fn)
}

// AddOrUpdate inserts or refreshes a node record. It is idempotent:
// re-applying identical data neither duplicates the entry nor disturbs an
// already-active socket. A changed candidate drops only the matching
// activation.
func (r *Registry) AddOrUpdate(id uuid.UUID, nodeType wire.NodeType, public, local wire.SockAddr, canAdjustSettings, canCreateContent bool) *Node {
	r.mu.Lock()
	node, exists := r.nodes[id]
	if !exists {
		node = newNode(id, nodeType, r.clk.Now())
		r.nodes[id] = node
	}
	r.mu.Unlock()

	node.mu.Lock()
	node.nodeType = nodeType
	node.canAdjustSettings = canAdjustSettings
	node.canCreateContent = canCreateContent
	node.mu.Unlock()
	node.setSockets(public, local)

	if !exists {
		log.Debug().
			Str("node", id.String()).
			Str("type", nodeType.String()).
			Str("public", public.String()).
			Str("local", local.String()).
			Msg("node added to registry")
		for _, fn := range r.addedHooks() {
			fn(node)
		}
	}
	return node
}

// Get looks up a node by identifier.
func (r *Registry) Get(id uuid.UUID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

// Remove deletes a node, firing the node-killed hooks. Returns false if
// the node was unknown (a stale kill is a no-op).
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if ok {
		delete(r.nodes, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	log.Debug().Str("node", id.String()).Str("type", node.Type().String()).Msg("node removed from registry")
	for _, fn := range r.killedHooks() {
		fn(node)
	}
	return true
}

// ForEach calls fn for every node. The iteration runs over a snapshot, so
// fn may safely mutate the registry and concurrent mutation never exposes
// a half-constructed node.
func (r *Registry) ForEach(fn func(*Node)) {
	for _, node := range r.snapshot() {
		fn(node)
	}
}

// NodesOfType returns all nodes with the given role, for consumers like
// "broadcast to all audio mixers".
func (r *Registry) NodesOfType(t wire.NodeType) []*Node {
	var out []*Node
	for _, node := range r.snapshot() {
		if node.Type() == t {
			out = append(out, node)
		}
	}
	return out
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Reset drops every node, firing node-killed for each. Called on domain
// change, since node identities are meaningful only within one domain's
// session.
func (r *Registry) Reset() {
	r.mu.Lock()
	dropped := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		dropped = append(dropped, node)
	}
	r.nodes = make(map[uuid.UUID]*Node)
	r.mu.Unlock()

	if len(dropped) > 0 {
		log.Debug().Int("count", len(dropped)).Msg("registry reset, dropping all nodes")
	}
	for _, node := range dropped {
		for _, fn := range r.killedHooks() {
			fn(node)
		}
	}
}

// EvictSilent removes every node not heard from within the threshold and
// returns how many were dropped.
func (r *Registry) EvictSilent(threshold time.Duration) int {
	now := r.clk.Now()

	var expired []*Node
	r.mu.Lock()
	for id, node := range r.nodes {
		if now.Sub(node.LastHeard()) > threshold {
			expired = append(expired, node)
			delete(r.nodes, id)
		}
	}
	r.mu.Unlock()

	for _, node := range expired {
		log.Debug().
			Str("node", node.ID().String()).
			Str("type", node.Type().String()).
			Dur("silent_for", now.Sub(node.LastHeard())).
			Msg("evicting silent node")
		for _, fn := range r.killedHooks() {
			fn(node)
		}
	}
	return len(expired)
}

func (r *Registry) snapshot() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node)
	}
	return out
}

func (r *Registry) addedHooks() []func(*Node) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]func(*Node){}, r.onAdded...)
}

func (r *Registry) killedHooks() []func(*Node) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([]func(*Node){}, r.onKilled...)
}
