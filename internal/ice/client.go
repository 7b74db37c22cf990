// Package ice implements rendezvous discovery for domains whose network
// address is not directly known: both sides heartbeat a shared server,
// receive each other's candidate sockets, and race unverified pings until
// one path answers.
package ice

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// MaxConnectionAttempts bounds how many unanswered ping races run against
// one set of candidates before discovery restarts from the heartbeat.
const MaxConnectionAttempts = 20

// Sender sends fire-and-forget datagrams.
type Sender interface {
	SendTo(pkt []byte, to wire.SockAddr) error
}

// Peer holds the rendezvous target's candidate sockets and the bounded
// attempt counter for the current discovery round.
type Peer struct {
	ID           uuid.UUID
	PublicSocket wire.SockAddr
	LocalSocket  wire.SockAddr

	attempts int
}

// Client drives one rendezvous discovery at a time. It is quiescent until
// Configure gives it a server and target domain ID.
type Client struct {
	mu sync.Mutex

	server   wire.SockAddr
	clientID uuid.UUID
	domainID uuid.UUID
	peer     *Peer

	sender Sender
	clk    clock.Clock

	// onResolved fires when a candidate answers the ping race: the
	// domain's usable address and which path kind it was.
	onResolved func(addr wire.SockAddr, kind wire.PingKind)
}

// NewClient creates an unconfigured rendezvous client with a fresh
// self-generated client ID.
func NewClient(sender Sender, clk clock.Clock) *Client {
	return &Client{
		clientID: uuid.New(),
		sender:   sender,
		clk:      clk,
	}
}

// ClientID returns the self-generated identifier this client heartbeats
// with; the domain connect request reuses it so the domain can correlate.
func (c *Client) ClientID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// OnResolved installs the callback fired when the ping race settles.
func (c *Client) OnResolved(fn func(addr wire.SockAddr, kind wire.PingKind)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResolved = fn
}

// Configure points the client at a rendezvous server and target domain.
// A repeat call with the same pair is a no-op; a new target drops any
// in-flight discovery state.
func (c *Client) Configure(server wire.SockAddr, domainID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == server && c.domainID == domainID {
		return
	}
	c.server = server
	c.domainID = domainID
	c.peer = nil
}

// Reset cancels in-flight discovery; the next Tick restarts from the
// heartbeat.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer = nil
}

// Tick advances discovery by one step. With no candidates yet, or after
// the attempt counter for the current candidates runs out, it heartbeats
// the rendezvous server; otherwise it races unverified pings against the
// known candidates and charges one attempt.
func (c *Client) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server.IsNull() {
		return
	}

	if c.peer == nil || c.peer.attempts >= MaxConnectionAttempts {
		if c.peer != nil {
			log.Debug().
				Int("attempts", c.peer.attempts).
				Str("domain_id", c.domainID.String()).
				Msg("ping race exhausted, restarting from heartbeat")
			c.peer.attempts = 0
		}
		c.sendHeartbeatLocked()
		return
	}

	c.racePingsLocked()
	c.peer.attempts++
}

func (c *Client) sendHeartbeatLocked() {
	pkt := wire.ICEHeartbeat{DomainID: c.domainID}.Marshal(c.clientID)
	if err := c.sender.SendTo(pkt, c.server); err != nil {
		log.Debug().Err(err).Str("server", c.server.String()).Msg("ice heartbeat send failed")
	}
}

func (c *Client) racePingsLocked() {
	log.Debug().
		Str("domain_id", c.domainID.String()).
		Str("local", c.peer.LocalSocket.String()).
		Str("public", c.peer.PublicSocket.String()).
		Msg("racing pings against domain candidates")

	now := c.clk.Now().UnixMicro()
	if c.peer.LocalSocket.HasAddr() {
		pkt := wire.Ping{Kind: wire.PingLocal, SentUsec: now}.Marshal(wire.PacketTypeUnverifiedPing, c.clientID)
		if err := c.sender.SendTo(pkt, c.peer.LocalSocket); err != nil {
			log.Debug().Err(err).Msg("unverified local ping send failed")
		}
	}
	if c.peer.PublicSocket.HasAddr() {
		pkt := wire.Ping{Kind: wire.PingPublic, SentUsec: now}.Marshal(wire.PacketTypeUnverifiedPing, c.clientID)
		if err := c.sender.SendTo(pkt, c.peer.PublicSocket); err != nil {
			log.Debug().Err(err).Msg("unverified public ping send failed")
		}
	}
}

// HandleHeartbeatResponse stores the candidates the rendezvous server
// reported for our target domain. Responses for a different domain are
// stale and ignored.
func (c *Client) HandleHeartbeatResponse(h wire.Header, payload []byte, from wire.SockAddr) {
	resp, err := wire.ParseICEHeartbeatResponse(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed ice heartbeat response")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if resp.PeerID != c.domainID {
		log.Debug().
			Str("peer_id", resp.PeerID.String()).
			Str("domain_id", c.domainID.String()).
			Msg("heartbeat response for a different domain, ignoring")
		return
	}

	if c.peer == nil || c.peer.PublicSocket != resp.PublicSocket || c.peer.LocalSocket != resp.LocalSocket {
		log.Info().
			Str("public", resp.PublicSocket.String()).
			Str("local", resp.LocalSocket.String()).
			Msg("received domain candidates from rendezvous server")
		c.peer = &Peer{
			ID:           resp.PeerID,
			PublicSocket: resp.PublicSocket,
			LocalSocket:  resp.LocalSocket,
		}
	}
}

// HandleUnverifiedPing answers the domain's side of the race so both
// directions open NAT mappings; the reply carries our client ID so the
// domain can correlate it with the rendezvous exchange.
func (c *Client) HandleUnverifiedPing(h wire.Header, payload []byte, from wire.SockAddr) {
	ping, err := wire.ParsePing(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed unverified ping")
		return
	}

	c.mu.Lock()
	clientID := c.clientID
	now := c.clk.Now().UnixMicro()
	c.mu.Unlock()

	reply := ping.ReplyTo(wire.PacketTypeUnverifiedPingReply, clientID, now)
	if err := c.sender.SendTo(reply, from); err != nil {
		log.Debug().Err(err).Str("from", from.String()).Msg("unverified ping reply send failed")
	}
}

// HandleUnverifiedPingReply settles the race: a reply from the local
// candidate wins the local path, from the public candidate the public
// path. Replies matching neither candidate are dropped.
func (c *Client) HandleUnverifiedPingReply(h wire.Header, payload []byte, from wire.SockAddr) {
	if _, err := wire.ParsePingReply(payload); err != nil {
		log.Debug().Err(err).Msg("malformed unverified ping reply")
		return
	}

	c.mu.Lock()
	peer := c.peer
	resolved := c.onResolved
	c.mu.Unlock()

	if peer == nil {
		return
	}

	var kind wire.PingKind
	switch from {
	case peer.LocalSocket:
		kind = wire.PingLocal
	case peer.PublicSocket:
		kind = wire.PingPublic
	default:
		log.Debug().Str("from", from.String()).Msg("unverified ping reply matches neither candidate, not connecting")
		return
	}

	log.Info().
		Str("addr", from.String()).
		Str("kind", kind.String()).
		Msg("domain reachable, rendezvous discovery complete")

	if resolved != nil {
		resolved(from, kind)
	}
}
