// Package nodes holds the authoritative table of known peers and the
// ping-based path-activation engine that decides which candidate socket
// each peer is reachable on.
package nodes

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// Node is a remote participant known to this process. All fields besides
// the identity are guarded by the node's own lock; the registry hands out
// shared pointers, so consumers on other goroutines (an audio pipeline
// iterating mixers, for example) must go through the accessors.
type Node struct {
	id uuid.UUID

	mu              sync.RWMutex
	nodeType        wire.NodeType
	publicSocket    wire.SockAddr
	localSocket     wire.SockAddr
	symmetricSocket wire.SockAddr

	// activeKind names which candidate is the confirmed working path.
	// Zero means no path has been activated yet. At most one candidate
	// is ever active.
	activeKind wire.PingKind

	canAdjustSettings bool
	canCreateContent  bool
	connectionSecret  uuid.UUID

	lastHeard     time.Time
	pingMs        int
	clockSkewUsec int64
}

func newNode(id uuid.UUID, nodeType wire.NodeType, now time.Time) *Node {
	return &Node{id: id, nodeType: nodeType, lastHeard: now}
}

// ID returns the node's immutable 128-bit identifier.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// Type returns the node's role tag.
func (n *Node) Type() wire.NodeType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeType
}

// PublicSocket returns the advertised publicly-reachable candidate.
func (n *Node) PublicSocket() wire.SockAddr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.publicSocket
}

// LocalSocket returns the advertised LAN candidate.
func (n *Node) LocalSocket() wire.SockAddr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localSocket
}

// SymmetricSocket returns the candidate adopted from an unexpected sender
// address, if any. It covers peers behind symmetric NATs whose advertised
// ports are unreachable.
func (n *Node) SymmetricSocket() wire.SockAddr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.symmetricSocket
}

// ActiveSocket returns the confirmed working address and true, or a zero
// address and false when no path has been activated.
func (n *Node) ActiveSocket() (wire.SockAddr, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	switch n.activeKind {
	case wire.PingLocal:
		return n.localSocket, true
	case wire.PingPublic:
		return n.publicSocket, true
	case wire.PingSymmetric:
		return n.symmetricSocket, true
	default:
		return wire.SockAddr{}, false
	}
}

// ActiveKind returns which candidate is active, zero if none.
func (n *Node) ActiveKind() wire.PingKind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.activeKind
}

// Activate marks the named candidate as the working path. It fails if
// that candidate is unknown (null).
func (n *Node) Activate(kind wire.PingKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch kind {
	case wire.PingLocal:
		if n.localSocket.IsNull() {
			return fmt.Errorf("node %s has no local socket to activate", n.id)
		}
	case wire.PingPublic:
		if n.publicSocket.IsNull() {
			return fmt.Errorf("node %s has no public socket to activate", n.id)
		}
	case wire.PingSymmetric:
		if n.symmetricSocket.IsNull() {
			return fmt.Errorf("node %s has no symmetric socket to activate", n.id)
		}
	default:
		return fmt.Errorf("cannot activate unknown path kind %d", kind)
	}
	n.activeKind = kind
	return nil
}

// setSockets updates the advertised candidates. A change to the currently
// active candidate drops the activation so the path gets re-verified.
func (n *Node) setSockets(public, local wire.SockAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if public != n.publicSocket {
		if n.activeKind == wire.PingPublic {
			n.activeKind = 0
		}
		n.publicSocket = public
	}
	if local != n.localSocket {
		if n.activeKind == wire.PingLocal {
			n.activeKind = 0
		}
		n.localSocket = local
	}
}

// SetSymmetricSocket records a newly discovered symmetric candidate.
func (n *Node) SetSymmetricSocket(addr wire.SockAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr != n.symmetricSocket && n.activeKind == wire.PingSymmetric {
		n.activeKind = 0
	}
	n.symmetricSocket = addr
}

// SetConnectionSecret stores the shared value established at handshake
// time, used by the credential layer to validate traffic.
func (n *Node) SetConnectionSecret(secret uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connectionSecret = secret
}

// ConnectionSecret returns the handshake secret, uuid.Nil if none.
func (n *Node) ConnectionSecret() uuid.UUID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connectionSecret
}

// CanAdjustSettings reports the domain-granted settings capability.
func (n *Node) CanAdjustSettings() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.canAdjustSettings
}

// CanCreateContent reports the domain-granted content capability.
func (n *Node) CanCreateContent() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.canCreateContent
}

// Touch refreshes the liveness timestamp; called for every packet
// attributable to this node.
func (n *Node) Touch(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeard = now
}

// LastHeard returns the time of the most recent packet from this node.
func (n *Node) LastHeard() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastHeard
}

// SetPingMs records the latest measured ping time in milliseconds.
func (n *Node) SetPingMs(ms int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pingMs = ms
}

// PingMs returns the latest measured ping time in milliseconds.
func (n *Node) PingMs() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pingMs
}

// SetClockSkewUsec records the skew derived from the most recent
// completed ping/reply pair.
func (n *Node) SetClockSkewUsec(skew int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clockSkewUsec = skew
}

// ClockSkewUsec returns the most recent clock skew estimate.
func (n *Node) ClockSkewUsec() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.clockSkewUsec
}
