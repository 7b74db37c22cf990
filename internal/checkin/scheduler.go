// Package checkin drives the periodic domain check-in loop: public
// address discovery, rendezvous when the domain needs it, connect and
// list requests, and the liveness sweeps that ride on the same tick.
package checkin

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/worldmesh/worldmesh/internal/domain"
	"github.com/worldmesh/worldmesh/internal/ice"
	"github.com/worldmesh/worldmesh/internal/metrics"
	"github.com/worldmesh/worldmesh/internal/nodes"
	"github.com/worldmesh/worldmesh/internal/stun"
	"github.com/worldmesh/worldmesh/pkg/wire"
)

// STUNRefreshEvery re-issues a STUN binding request on every Nth
// check-in so a roaming NAT mapping gets noticed.
const STUNRefreshEvery = 5

// Sender is the outbound half of the transport. SendToHost resolves a
// host:port on each call, used for the STUN server which is configured
// by name.
type Sender interface {
	SendTo(pkt []byte, to wire.SockAddr) error
	SendToHost(pkt []byte, hostport string) error
}

// Deps are the collaborators the scheduler drives each tick.
type Deps struct {
	STUN      *stun.Client
	ICE       *ice.Client
	Domain    *domain.Handler
	Registry  *nodes.Registry
	Activator *nodes.Activator
	Sender    Sender
	Clock     clock.Clock
	Metrics   *metrics.AgentMetrics

	// LocalSocket supplies the LAN-scoped socket advertised in
	// check-ins; it changes when the host moves networks.
	LocalSocket func() wire.SockAddr
}

// Options tune the loop; zero values get defaults.
type Options struct {
	Interval        time.Duration // tick period, default 1s
	SilentMax       int           // unanswered check-ins before notifying, default 5
	EvictThreshold  time.Duration // node silence before eviction, default 5s
	OwnerType       wire.NodeType
	Interest        []wire.NodeType
	Username        string
	Signature       []byte
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.SilentMax <= 0 {
		o.SilentMax = 5
	}
	if o.EvictThreshold <= 0 {
		o.EvictThreshold = 5 * time.Second
	}
}

// Scheduler owns the check-in tick. Packet handlers may run on the
// transport goroutine concurrently with Tick.
type Scheduler struct {
	deps Deps
	opts Options

	mu           sync.Mutex
	checkInsSent int
	silentCount  int
	onSilent     []func()
}

// NewScheduler builds the scheduler; Run starts it.
func NewScheduler(deps Deps, opts Options) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{deps: deps, opts: opts}
}

// OnSilentTooLong registers a callback fired each check-in sent past the
// unanswered limit. State is not reset; the loop keeps retrying.
func (s *Scheduler) OnSilentTooLong(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSilent = append(s.onSilent, fn)
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.deps.Clock.Ticker(s.opts.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.Interval).Msg("check-in loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("check-in loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler pass: address discovery or a check-in,
// followed by the path-activation pings and the silence sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	switch {
	case !s.publicSocketKnown():
		s.sendSTUNRequest()
	case !s.deps.Domain.IsSocketKnown():
		s.discoverDomainSocket(ctx)
	default:
		s.sendCheckIn()
	}

	s.deps.Activator.PingInactiveNodes()
	if evicted := s.deps.Registry.EvictSilent(s.opts.EvictThreshold); evicted > 0 {
		s.deps.Metrics.NodesEvicted.Add(float64(evicted))
	}
	s.updateGauges()
}

func (s *Scheduler) publicSocketKnown() bool {
	_, known := s.deps.STUN.PublicSocket()
	return known
}

func (s *Scheduler) sendSTUNRequest() {
	wasFallback := s.deps.STUN.InFallback()
	pkt, err := s.deps.STUN.BindingRequest()
	if err != nil {
		log.Debug().Err(err).Msg("binding request build failed")
		return
	}
	s.deps.Metrics.STUNRequestsSent.Inc()
	if !wasFallback && s.deps.STUN.InFallback() {
		s.deps.Metrics.STUNFallbacks.Inc()
	}
	if err := s.deps.Sender.SendToHost(pkt, s.deps.STUN.Server()); err != nil {
		log.Debug().Err(err).Str("server", s.deps.STUN.Server()).Msg("STUN request send failed")
	}
}

func (s *Scheduler) discoverDomainSocket(ctx context.Context) {
	if s.deps.Domain.RequiresICE() {
		s.deps.ICE.Configure(s.deps.Domain.ICEServer(), s.deps.Domain.DomainID())
		s.deps.ICE.Tick()
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.Interval)
	defer cancel()
	if err := s.deps.Domain.Resolve(rctx); err != nil {
		log.Debug().Err(err).Msg("domain resolution pending")
	}
}

func (s *Scheduler) sendCheckIn() {
	public, _ := s.deps.STUN.PublicSocket()
	req := wire.DomainCheckIn{
		OwnerType:    s.opts.OwnerType,
		PublicSocket: public,
		LocalSocket:  s.deps.LocalSocket(),
		Interest:     s.opts.Interest,
	}

	connected := s.deps.Domain.State() == domain.Connected

	var pkt []byte
	var err error
	if connected {
		pkt, err = req.MarshalListRequest(s.deps.Domain.SessionID())
	} else {
		req.Username = s.opts.Username
		req.Signature = s.opts.Signature
		pkt, err = req.MarshalConnectRequest(s.connectSender())
	}
	if err != nil {
		log.Debug().Err(err).Msg("check-in build failed")
		return
	}

	to := s.deps.Domain.SockAddr()
	if err := s.deps.Sender.SendTo(pkt, to); err != nil {
		log.Debug().Err(err).Str("domain", to.String()).Msg("check-in send failed")
		return
	}
	s.deps.Metrics.CheckInsSent.Inc()

	s.mu.Lock()
	s.checkInsSent++
	s.silentCount++
	refresh := s.checkInsSent%STUNRefreshEvery == 0
	silent := s.silentCount >= s.opts.SilentMax
	hooks := append([]func(){}, s.onSilent...)
	s.mu.Unlock()

	log.Debug().
		Bool("connected", connected).
		Str("domain", to.String()).
		Str("public", public.String()).
		Msg("check-in sent")

	if refresh {
		s.sendSTUNRequest()
	}
	if silent {
		log.Warn().Int("unanswered", s.opts.SilentMax).Msg("domain has gone silent")
		s.deps.Metrics.SilentCheckInLimit.Inc()
		for _, fn := range hooks {
			fn()
		}
	}
}

// connectSender picks the UUID stamped on a connect request: the ICE
// client ID when the domain was found via rendezvous (so the domain can
// correlate), otherwise the session UUID (null before first contact).
func (s *Scheduler) connectSender() uuid.UUID {
	if s.deps.Domain.RequiresICE() {
		return s.deps.ICE.ClientID()
	}
	return s.deps.Domain.SessionID()
}

// HandleDomainList applies a domain list response: connection state,
// node records, and the silent counter reset. Lists from anywhere other
// than the domain's known socket are dropped.
func (s *Scheduler) HandleDomainList(h wire.Header, payload []byte, from wire.SockAddr) {
	if known := s.deps.Domain.SockAddr(); !known.IsNull() && from != known {
		log.Debug().Str("from", from.String()).Str("domain", known.String()).Msg("domain list from unexpected address")
		return
	}

	list, err := wire.ParseDomainList(payload)
	if err != nil {
		log.Debug().Err(err).Msg("malformed domain list")
		return
	}

	s.mu.Lock()
	s.silentCount = 0
	s.mu.Unlock()

	s.deps.Metrics.DomainListsReceived.Inc()
	s.deps.Domain.SetConnected(list.SessionID, list.CanAdjustSettings, list.CanCreateContent)

	domainIP := s.deps.Domain.IP()
	for _, rec := range list.Nodes {
		public := rec.PublicSocket
		// A node coresident with the domain server advertises no public
		// IP; it is reachable at the domain's own address.
		if !public.HasAddr() && domainIP.IsValid() {
			public.Addr = domainIP
		}
		n := s.deps.Registry.AddOrUpdate(rec.ID, rec.Type, public, rec.LocalSocket, rec.CanAdjustSettings, rec.CanCreateContent)
		n.SetConnectionSecret(rec.ConnectionSecret)
	}

	// Ping new nodes immediately instead of waiting for the next tick.
	s.deps.Activator.PingInactiveNodes()
	s.updateGauges()
}

// HandleSTUNResponse feeds a STUN-framed datagram to the binding client.
func (s *Scheduler) HandleSTUNResponse(data []byte) {
	s.deps.STUN.ProcessResponse(data)
}

// HandleNetworkChange reacts to a local address change: public address
// discovery restarts and the domain connection resets so the next tick
// re-checks-in from the new network.
func (s *Scheduler) HandleNetworkChange() {
	log.Info().Msg("local network changed, restarting discovery")
	s.deps.STUN.Reset()
	s.deps.ICE.Reset()
	s.deps.Domain.SoftReset(false)
}

// SilentCheckIns returns how many check-ins have gone unanswered.
func (s *Scheduler) SilentCheckIns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silentCount
}

func (s *Scheduler) updateGauges() {
	s.deps.Metrics.DomainState.Set(float64(s.deps.Domain.State()))
	if _, known := s.deps.STUN.PublicSocket(); known {
		s.deps.Metrics.PublicAddressKnown.Set(1)
	} else {
		s.deps.Metrics.PublicAddressKnown.Set(0)
	}
	counts := map[wire.NodeType]int{}
	s.deps.Registry.ForEach(func(n *nodes.Node) {
		counts[n.Type()]++
	})
	s.deps.Metrics.KnownNodes.Reset()
	for t, c := range counts {
		s.deps.Metrics.KnownNodes.WithLabelValues(t.String()).Set(float64(c))
	}
}
