// Package stun discovers this process's externally-visible socket
// address by sending binding requests to a well-known STUN server.
package stun

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/pion/stun"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// RequestsBeforeFallback is how many consecutive unanswered binding
// requests are sent before giving up on the STUN server and letting the
// domain server report our address back instead.
const RequestsBeforeFallback = 5

// IsMessage reports whether a datagram is STUN-framed, so the transport
// can route server responses here instead of through the packet header
// parser.
func IsMessage(data []byte) bool {
	return stun.IsMessage(data)
}

// Client tracks the binding-request failure counter and the discovered
// public address. All methods are safe for concurrent use.
type Client struct {
	mu sync.Mutex

	server string // host:port of the STUN server

	// localPort supplies our wildcard-bound port for the fallback
	// sentinel, read lazily because the socket binds after construction.
	localPort func() uint16

	sinceSuccess int
	fallback     bool

	public      wire.SockAddr
	publicKnown bool
}

// NewClient creates a client for the given STUN server.
func NewClient(server string, localPort func() uint16) *Client {
	return &Client{server: server, localPort: localPort}
}

// Server returns the configured STUN server address.
func (c *Client) Server() string {
	return c.server
}

// BindingRequest builds the next binding request datagram and advances
// the failure counter; the caller fires it at the server and forgets it.
// Crossing the failure threshold flips the client into fallback mode:
// the public address becomes the sentinel (no IP, local port only) that
// tells the domain server to act as our STUN server.
func (c *Client) BindingRequest() ([]byte, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sinceSuccess++
	if c.sinceSuccess >= RequestsBeforeFallback && !c.fallback {
		log.Info().
			Str("server", c.server).
			Int("attempts", c.sinceSuccess).
			Msg("no STUN response, falling back to domain-as-STUN")
		c.fallback = true
		c.public = wire.SockAddr{Port: c.localPort()}
		c.publicKnown = true
	}

	return msg.Raw, nil
}

// ProcessResponse parses a binding response. On success the mapped
// address becomes our public socket, the failure counter resets, and
// fallback mode ends. Malformed or unrelated datagrams return false with
// no state change.
func (c *Client) ProcessResponse(data []byte) (netip.AddrPort, bool) {
	msg := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := msg.Decode(); err != nil {
		log.Debug().Err(err).Msg("malformed STUN response")
		return netip.AddrPort{}, false
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err != nil {
		// Some servers answer with the plain mapped-address attribute.
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(msg); err != nil {
			log.Debug().Msg("STUN response without a mapped address")
			return netip.AddrPort{}, false
		}
		xorAddr = stun.XORMappedAddress(mapped)
	}

	addr, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	mapped := netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port))

	c.mu.Lock()
	changed := !c.publicKnown || c.public != wire.SockAddrFrom(mapped.Addr(), mapped.Port())
	c.public = wire.SockAddrFrom(mapped.Addr(), mapped.Port())
	c.publicKnown = true
	c.sinceSuccess = 0
	c.fallback = false
	c.mu.Unlock()

	if changed {
		log.Info().Str("public", mapped.String()).Msg("public socket address discovered via STUN")
	}
	return mapped, true
}

// PublicSocket returns the discovered public address (or the fallback
// sentinel) and whether anything is known yet.
func (c *Client) PublicSocket() (wire.SockAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.public, c.publicKnown
}

// InFallback reports whether the client has given up on the STUN server.
func (c *Client) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// Reset clears discovery state so the next check-in starts a fresh STUN
// exchange; called after a network change.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceSuccess = 0
	c.fallback = false
	c.public = wire.SockAddr{}
	c.publicKnown = false
}
