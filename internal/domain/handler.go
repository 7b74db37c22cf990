// Package domain tracks the node's relationship with one domain server:
// where it is, how its address gets discovered, and whether a check-in
// has been answered yet.
package domain

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// State is the connection phase with the configured domain.
type State int

const (
	Disconnected State = iota
	IceDiscoveryInProgress
	Connected
)

// String returns the phase name for logs and the state gauge.
func (s State) String() string {
	switch s {
	case IceDiscoveryInProgress:
		return "ice-discovery"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sender sends fire-and-forget datagrams.
type Sender interface {
	SendTo(pkt []byte, to wire.SockAddr) error
}

// Handler owns the domain endpoint and connection state. Exactly one of
// the two addressing modes is active: a hostname resolved over DNS, or a
// rendezvous server plus domain ID when the domain sits behind NAT.
type Handler struct {
	mu sync.Mutex

	hostname string
	port     uint16
	ip       netip.Addr

	iceServer   wire.SockAddr
	domainID    uuid.UUID
	requiresICE bool

	state             State
	sessionID         uuid.UUID
	canAdjustSettings bool
	canCreateContent  bool

	pendingPath string

	sender Sender
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)

	// onChanged fires after the target domain itself changes; node
	// identities are scoped to one domain, so the caller clears its
	// registry here.
	onChanged []func()
}

// NewHandler creates a disconnected handler with no domain configured.
func NewHandler(sender Sender) *Handler {
	return &Handler{
		sender: sender,
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		},
	}
}

// SetLookup overrides the DNS lookup used by Resolve; tests and callers
// with a custom resolver use this.
func (h *Handler) SetLookup(fn func(ctx context.Context, host string) ([]netip.Addr, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookup = fn
}

// OnDomainChanged registers a callback fired when the target domain
// changes (not on reconnects to the same domain).
func (h *Handler) OnDomainChanged(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChanged = append(h.onChanged, fn)
}

// SetHostnameAndPort points the handler at a directly reachable domain.
// A change of target drops all connection state.
func (h *Handler) SetHostnameAndPort(hostname string, port uint16) {
	h.mu.Lock()
	changed := h.hostname != hostname || h.port != port || h.requiresICE
	h.hostname = hostname
	h.port = port
	h.requiresICE = false
	h.iceServer = wire.SockAddr{}
	h.domainID = uuid.Nil
	if changed {
		h.ip = netip.Addr{}
	}
	h.mu.Unlock()

	if changed {
		log.Info().Str("hostname", hostname).Uint16("port", port).Msg("domain target set")
		h.softReset(false)
		h.fireChanged()
	}
}

// SetIceServerAndID points the handler at a domain reachable only through
// a rendezvous server. The domain ID names which peer to ask the server
// about.
func (h *Handler) SetIceServerAndID(server wire.SockAddr, domainID uuid.UUID) {
	h.mu.Lock()
	changed := h.iceServer != server || h.domainID != domainID || !h.requiresICE
	h.iceServer = server
	h.domainID = domainID
	h.requiresICE = true
	h.hostname = ""
	if changed {
		h.ip = netip.Addr{}
		h.port = 0
		h.state = IceDiscoveryInProgress
	}
	h.mu.Unlock()

	if changed {
		log.Info().
			Str("ice_server", server.String()).
			Str("domain_id", domainID.String()).
			Msg("domain requires rendezvous discovery")
		h.softReset(false)
		h.fireChanged()
	}
}

// Resolve runs the DNS lookup for the configured hostname and stores the
// first IPv4 answer. No-op when the domain uses rendezvous discovery or
// the address is already known.
func (h *Handler) Resolve(ctx context.Context) error {
	h.mu.Lock()
	host := h.hostname
	needed := !h.requiresICE && host != "" && !h.ip.IsValid()
	h.mu.Unlock()
	if !needed {
		return nil
	}

	addrs, err := h.lookup(ctx, host)
	if err != nil {
		log.Debug().Err(err).Str("hostname", host).Msg("domain hostname lookup failed")
		return err
	}
	if len(addrs) == 0 {
		log.Debug().Str("hostname", host).Msg("domain hostname has no addresses")
		return nil
	}

	h.mu.Lock()
	h.ip = addrs[0].Unmap()
	h.mu.Unlock()

	log.Info().Str("hostname", host).Str("ip", addrs[0].String()).Msg("domain hostname resolved")
	h.flushPendingPath()
	return nil
}

// ActivateICEAddress records the domain socket the rendezvous race
// settled on.
func (h *Handler) ActivateICEAddress(addr wire.SockAddr, kind wire.PingKind) {
	h.mu.Lock()
	h.ip = addr.Addr
	h.port = addr.Port
	if h.state == IceDiscoveryInProgress {
		h.state = Disconnected
	}
	h.mu.Unlock()

	log.Info().Str("addr", addr.String()).Str("path", kind.String()).Msg("domain address set from rendezvous")
	h.flushPendingPath()
}

// SetConnected records the session identity the domain assigned on the
// first list response.
func (h *Handler) SetConnected(sessionID uuid.UUID, canAdjustSettings, canCreateContent bool) {
	h.mu.Lock()
	first := h.state != Connected
	h.state = Connected
	h.sessionID = sessionID
	h.canAdjustSettings = canAdjustSettings
	h.canCreateContent = canCreateContent
	h.mu.Unlock()

	if first {
		log.Info().Str("session_id", sessionID.String()).Msg("connected to domain")
	}
}

// SoftReset drops connection state but keeps the domain target so the
// next check-in reconnects. The pending path survives unless the handler
// itself requested the reset.
func (h *Handler) SoftReset(requestedByHandler bool) {
	h.softReset(requestedByHandler)
}

func (h *Handler) softReset(requestedByHandler bool) {
	h.mu.Lock()
	h.sessionID = uuid.Nil
	h.canAdjustSettings = false
	h.canCreateContent = false
	if h.requiresICE {
		h.state = IceDiscoveryInProgress
		h.ip = netip.Addr{}
		h.port = 0
	} else {
		h.state = Disconnected
	}
	if requestedByHandler {
		h.pendingPath = ""
	}
	h.mu.Unlock()
}

func (h *Handler) fireChanged() {
	h.mu.Lock()
	hooks := append([]func(){}, h.onChanged...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// State returns the current connection phase.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID returns the UUID the domain assigned, or uuid.Nil before the
// first list response.
func (h *Handler) SessionID() uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// CanAdjustSettings reports the domain-granted settings permission.
func (h *Handler) CanAdjustSettings() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canAdjustSettings
}

// CanCreateContent reports the domain-granted content permission.
func (h *Handler) CanCreateContent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canCreateContent
}

// RequiresICE reports whether the domain address comes from rendezvous
// discovery rather than DNS.
func (h *Handler) RequiresICE() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requiresICE
}

// ICEServer returns the rendezvous server socket, null when unused.
func (h *Handler) ICEServer() wire.SockAddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.iceServer
}

// DomainID returns the domain UUID used for rendezvous discovery.
func (h *Handler) DomainID() uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.domainID
}

// Hostname returns the configured hostname, empty in rendezvous mode.
func (h *Handler) Hostname() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hostname
}

// SockAddr returns the domain's resolved socket; null until the address
// is known.
func (h *Handler) SockAddr() wire.SockAddr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ip.IsValid() {
		return wire.SockAddr{}
	}
	return wire.SockAddr{Addr: h.ip, Port: h.port}
}

// IsSocketKnown reports whether the domain can be sent packets yet.
func (h *Handler) IsSocketKnown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ip.IsValid()
}

// IP returns the resolved domain IP; the zero Addr when unknown.
func (h *Handler) IP() netip.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ip
}
