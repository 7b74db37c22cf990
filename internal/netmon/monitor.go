// Package netmon watches the host's local interface addresses so the
// agent can restart address discovery when the machine changes networks.
package netmon

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Event signals that the local address set changed.
type Event struct {
	Addrs     []netip.Addr
	Timestamp time.Time
}

// Config holds monitor configuration.
type Config struct {
	// PollInterval is how often the address set is re-read.
	// Default: 5s.
	PollInterval time.Duration

	// DebounceInterval coalesces rapid changes (interface flaps during
	// a network switch) into one event. Default: 500ms.
	DebounceInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
	}
}

// Monitor polls the interface address set and emits a debounced event
// when it changes.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	events chan Event

	// listAddrs is swapped out in tests.
	listAddrs func() ([]netip.Addr, error)

	last string
}

// New creates a poller-based monitor.
func New(cfg Config, clk clock.Clock) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	return &Monitor{
		cfg:       cfg,
		clk:       clk,
		events:    make(chan Event, 16),
		listAddrs: systemAddrs,
	}
}

// Start begins polling. Events arrive on the returned channel, already
// debounced; the channel closes when the context ends.
func (m *Monitor) Start(ctx context.Context) <-chan Event {
	debounced := NewDebouncer(m.events, m.cfg.DebounceInterval, m.clk).Run(ctx)
	go m.pollLoop(ctx)
	return debounced
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.events)

	ticker := m.clk.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	if addrs, err := m.listAddrs(); err == nil {
		m.last = fingerprint(addrs)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			addrs, err := m.listAddrs()
			if err != nil {
				log.Debug().Err(err).Msg("interface address poll failed")
				continue
			}
			fp := fingerprint(addrs)
			if fp == m.last {
				continue
			}
			m.last = fp
			log.Info().Str("addrs", fp).Msg("local address set changed")
			select {
			case m.events <- Event{Addrs: addrs, Timestamp: m.clk.Now()}:
			default:
			}
		}
	}
}

// systemAddrs lists the usable unicast IPv4 addresses: up, not loopback,
// not link-local.
func systemAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !addr.Is4() || addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

func fingerprint(addrs []netip.Addr) string {
	ss := make([]string, len(addrs))
	for i, a := range addrs {
		ss[i] = a.String()
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}

// PreferredLocalIP returns the source address the host would use to
// reach the public internet; no packets are sent.
func PreferredLocalIP() (netip.Addr, bool) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return netip.Addr{}, false
	}
	defer conn.Close()
	addr, ok := netip.AddrFromSlice(conn.LocalAddr().(*net.UDPAddr).IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
