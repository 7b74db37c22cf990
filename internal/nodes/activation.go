package nodes

import (
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// Sender is the outbound half of the transport. Sends are fire-and-forget
// datagrams; failures surface only through retry counters upstream.
type Sender interface {
	SendTo(pkt []byte, to wire.SockAddr) error
}

// Activator races pings across every candidate socket of nodes without a
// confirmed path, and processes the replies: the first candidate to
// answer wins, with local replies privileged over an existing public
// activation. It also turns each completed ping/reply pair into an RTT
// and clock-skew measurement.
type Activator struct {
	registry *Registry
	sender   Sender
	clk      clock.Clock

	// selfID supplies the session UUID stamped into verified pings; it
	// changes when the domain assigns a new session.
	selfID func() uuid.UUID

	// onMeasured, when set, observes each completed RTT measurement.
	onMeasured func(node *Node, rttUsec int64)

	// onPing, when set, observes each ping sent.
	onPing func()
}

// NewActivator wires the engine to the registry and transport.
func NewActivator(registry *Registry, sender Sender, clk clock.Clock, selfID func() uuid.UUID) *Activator {
	return &Activator{registry: registry, sender: sender, clk: clk, selfID: selfID}
}

// SetMeasurementHook installs an observer for completed RTT measurements,
// used for metrics.
func (a *Activator) SetMeasurementHook(fn func(node *Node, rttUsec int64)) {
	a.onMeasured = fn
}

// SetPingHook installs an observer called once per ping sent.
func (a *Activator) SetPingHook(fn func()) {
	a.onPing = fn
}

// PingInactiveNodes sends a tagged ping on every known candidate socket
// of every node lacking an active path. Invoked each scheduler tick and
// on receipt of a domain list, so newly added nodes get pinged promptly.
func (a *Activator) PingInactiveNodes() {
	a.registry.ForEach(func(n *Node) {
		if _, ok := n.ActiveSocket(); !ok {
			a.pingCandidates(n)
		}
	})
}

func (a *Activator) pingCandidates(n *Node) {
	now := a.clk.Now().UnixMicro()
	sender := a.selfID()

	send := func(kind wire.PingKind, to wire.SockAddr) {
		if !to.HasAddr() {
			return
		}
		pkt := wire.Ping{Kind: kind, SentUsec: now}.Marshal(wire.PacketTypePing, sender)
		if err := a.sender.SendTo(pkt, to); err != nil {
			log.Debug().Err(err).Str("node", n.ID().String()).Str("kind", kind.String()).Msg("ping send failed")
			return
		}
		if a.onPing != nil {
			a.onPing()
		}
	}

	send(wire.PingLocal, n.LocalSocket())
	send(wire.PingPublic, n.PublicSocket())
	send(wire.PingSymmetric, n.SymmetricSocket())
}

// HandlePing answers an incoming ping from a registered node and adopts
// the sender address as a symmetric candidate when it matches neither
// advertised socket. Pings from unknown senders are dropped; identities
// come from the domain list.
func (a *Activator) HandlePing(h wire.Header, payload []byte, from wire.SockAddr) {
	node, ok := a.registry.Get(h.Sender)
	if !ok {
		log.Debug().Str("sender", h.Sender.String()).Str("from", from.String()).Msg("ping from unknown node")
		return
	}

	ping, err := wire.ParsePing(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed ping")
		return
	}

	node.Touch(a.clk.Now())

	reply := ping.ReplyTo(wire.PacketTypePingReply, a.selfID(), a.clk.Now().UnixMicro())
	if err := a.sender.SendTo(reply, from); err != nil {
		log.Debug().Err(err).Str("node", node.ID().String()).Msg("ping reply send failed")
		return
	}

	// A sender address matching neither advertised candidate means the
	// peer is behind a symmetric NAT; keep the observed address so we can
	// reach it where it actually talks from.
	if node.SymmetricSocket().IsNull() && from != node.LocalSocket() && from != node.PublicSocket() {
		log.Debug().
			Str("node", node.ID().String()).
			Str("addr", from.String()).
			Msg("adopting sender address as symmetric socket")
		node.SetSymmetricSocket(from)
	}
}

// HandlePingReply activates the path named by the reply and updates the
// node's RTT and clock-skew measurements. Replies from unknown senders
// (including any that arrive after a reset cleared the registry) are
// no-ops.
func (a *Activator) HandlePingReply(h wire.Header, payload []byte, from wire.SockAddr) {
	node, ok := a.registry.Get(h.Sender)
	if !ok {
		return
	}

	reply, err := wire.ParsePingReply(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed ping reply")
		return
	}

	node.Touch(a.clk.Now())
	a.activateFromReply(node, reply.Kind)
	a.timeReply(node, reply)
}

// activateFromReply applies the path-selection rules: a local reply
// always wins, even over an established public path; public and
// symmetric replies activate only when nothing is active yet.
func (a *Activator) activateFromReply(node *Node, kind wire.PingKind) {
	active := node.ActiveKind()
	switch kind {
	case wire.PingLocal:
		if active == wire.PingLocal {
			return
		}
	case wire.PingPublic, wire.PingSymmetric:
		if active != 0 {
			return
		}
	default:
		return
	}

	if err := node.Activate(kind); err != nil {
		log.Debug().Err(err).Msg("path activation failed")
		return
	}
	addr, _ := node.ActiveSocket()
	log.Info().
		Str("node", node.ID().String()).
		Str("type", node.Type().String()).
		Str("kind", kind.String()).
		Str("addr", addr.String()).
		Msg("activated socket for node")
}

// timeReply derives RTT and clock skew from a completed ping/reply pair.
// The skew assumes a symmetric path: the peer's clock should have read
// origin + RTT/2 at the moment it replied.
func (a *Activator) timeReply(node *Node, reply wire.PingReply) {
	now := a.clk.Now().UnixMicro()
	rtt := now - reply.SentUsec
	oneWay := rtt / 2
	expectedReply := reply.SentUsec + oneWay
	skew := reply.ReplyUsec - expectedReply

	node.SetPingMs(int(rtt / 2000))
	node.SetClockSkewUsec(skew)

	if a.onMeasured != nil {
		a.onMeasured(node, rtt)
	}
}
