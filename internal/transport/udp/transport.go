// Package udp owns the wildcard-bound socket every worldmesh exchange
// runs over, and dispatches received datagrams to per-type handlers.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/internal/stun"
	"github.com/worldmesh/worldmesh/pkg/wire"
)

// Handler processes one parsed datagram. Handlers run on the receive
// goroutine and must not block.
type Handler func(h wire.Header, payload []byte, from wire.SockAddr)

// Transport is a single UDP socket with a per-packet-type handler table.
// Registration happens before Run; sends are safe from any goroutine.
type Transport struct {
	conn *net.UDPConn

	mu          sync.RWMutex
	handlers    map[uint8]Handler
	stunHandler func(data []byte)
}

// Listen binds the wildcard address on the given port; 0 picks an
// ephemeral port, the usual mode for agents behind NAT.
func Listen(port uint16) (*Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("udp socket bound")
	return &Transport{
		conn:     conn,
		handlers: make(map[uint8]Handler),
	}, nil
}

// LocalPort returns the bound port, needed for the STUN fallback
// sentinel and the advertised local socket.
func (t *Transport) LocalPort() uint16 {
	return uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Handle registers the handler for one packet type. Later registrations
// for the same type replace earlier ones.
func (t *Transport) Handle(packetType uint8, fn Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = fn
}

// HandleSTUN registers the handler for STUN-framed datagrams, which
// carry no worldmesh header and are recognized by their magic cookie.
func (t *Transport) HandleSTUN(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stunHandler = fn
}

// Run reads and dispatches datagrams until Close. It always returns a
// non-nil error; net.ErrClosed after Close is the normal shutdown path.
func (t *Transport) Run() error {
	buf := make([]byte, 65535)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Debug().Err(err).Msg("udp read failed")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		t.dispatch(pkt, wire.SockAddrFromUDP(from))
	}
}

// Close shuts the socket down, unblocking Run.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) dispatch(pkt []byte, from wire.SockAddr) {
	// STUN responses share the socket but not the framing.
	if stun.IsMessage(pkt) {
		t.mu.RLock()
		fn := t.stunHandler
		t.mu.RUnlock()
		if fn != nil {
			fn(pkt)
		}
		return
	}

	h, err := wire.ParseHeader(pkt)
	if err != nil {
		log.Debug().Err(err).Str("from", from.String()).Msg("undecodable datagram")
		return
	}
	if h.Version != wire.ProtocolVersion {
		log.Debug().
			Uint8("version", h.Version).
			Str("from", from.String()).
			Msg("version mismatch, dropping")
		return
	}

	t.mu.RLock()
	fn := t.handlers[h.Type]
	t.mu.RUnlock()
	if fn == nil {
		log.Debug().Uint8("type", h.Type).Str("from", from.String()).Msg("no handler for packet type")
		return
	}
	fn(h, pkt[wire.HeaderSize:], from)
}

// SendTo sends one datagram. Oversized packets are refused, never
// fragmented.
func (t *Transport) SendTo(pkt []byte, to wire.SockAddr) error {
	if len(pkt) > wire.MaxDatagramSize {
		return fmt.Errorf("packet of %d bytes exceeds max datagram size %d", len(pkt), wire.MaxDatagramSize)
	}
	if !to.HasAddr() {
		return fmt.Errorf("send to %s: no address", to)
	}
	_, err := t.conn.WriteToUDP(pkt, to.UDPAddr())
	return err
}

// SendToHost resolves host:port and sends; used for servers configured
// by name, like the STUN server.
func (t *Transport) SendToHost(pkt []byte, hostport string) error {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", hostport, err)
	}
	_, err = t.conn.WriteToUDP(pkt, addr)
	return err
}

// SendTextStats chunks stat lines into datagrams and sends them all;
// the first send error wins but remaining chunks still go out.
func (t *Transport) SendTextStats(sender uuid.UUID, lines []string, to wire.SockAddr) error {
	var firstErr error
	for _, pkt := range wire.MarshalTextStats(sender, lines) {
		if err := t.SendTo(pkt, to); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
