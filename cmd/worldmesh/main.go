// worldmesh is the discovery agent for a virtual-world domain: it finds
// its public address, checks in with the domain server, and opens
// working UDP paths to every node the domain assigns.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/worldmesh/worldmesh/internal/checkin"
	"github.com/worldmesh/worldmesh/internal/config"
	"github.com/worldmesh/worldmesh/internal/domain"
	"github.com/worldmesh/worldmesh/internal/ice"
	"github.com/worldmesh/worldmesh/internal/metrics"
	"github.com/worldmesh/worldmesh/internal/netmon"
	"github.com/worldmesh/worldmesh/internal/nodes"
	"github.com/worldmesh/worldmesh/internal/stun"
	udptransport "github.com/worldmesh/worldmesh/internal/transport/udp"
	"github.com/worldmesh/worldmesh/pkg/wire"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	startPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worldmesh",
		Short: "worldmesh - virtual world node discovery agent",
		Long: `worldmesh connects a node to a virtual-world domain server.

It discovers the node's public address over STUN (or via the domain
itself when STUN is unreachable), checks in with the domain on a fixed
cadence, and activates a working UDP path to every node the domain
assigns, punching through NATs where needed.

QUICK START:

  # Point an agent at a domain:
  cat > agent.yaml <<EOF
  domain:
    hostname: mesh.example.com
  EOF
  worldmesh agent --config agent.yaml

  # A domain behind NAT is reached through a rendezvous server:
  cat > agent.yaml <<EOF
  domain:
    ice_server: ice.example.com:7337
    id: 6ba7b810-9dad-11d1-80b4-00c04fd430c8
  EOF
  worldmesh agent --config agent.yaml`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the discovery agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
	agentCmd.Flags().StringVar(&startPath, "path", "", "location path to resolve once connected")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("worldmesh %s (commit %s, built %s, %s/%s)\n",
				Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(agentCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runAgent() error {
	if cfgFile == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadAgentConfig(cfgFile)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	setupLogging(logLevel)

	ownerType, err := cfg.OwnerNodeType()
	if err != nil {
		return err
	}
	interest, err := cfg.InterestTypes()
	if err != nil {
		return err
	}
	interval, err := cfg.CheckInInterval()
	if err != nil {
		return err
	}
	evictAfter, err := cfg.EvictAfter()
	if err != nil {
		return err
	}

	transport, err := udptransport.Listen(cfg.ListenPort)
	if err != nil {
		return err
	}
	defer transport.Close()

	clk := clock.New()
	met := metrics.New(cfg.OwnerType)

	stunClient := stun.NewClient(cfg.STUNServer, transport.LocalPort)
	iceClient := ice.NewClient(transport, clk)
	dom := domain.NewHandler(transport)
	registry := nodes.NewRegistry(clk)
	activator := nodes.NewActivator(registry, transport, clk, dom.SessionID)

	// Node identities are scoped to one domain session.
	dom.OnDomainChanged(registry.Reset)
	iceClient.OnResolved(dom.ActivateICEAddress)

	activator.SetPingHook(met.PingsSent.Inc)
	activator.SetMeasurementHook(func(n *nodes.Node, rttUsec int64) {
		met.NodeRTTMs.WithLabelValues(n.Type().String()).Set(float64(rttUsec) / 1000)
	})
	registry.OnNodeAdded(func(n *nodes.Node) {
		log.Info().Str("node", n.ID().String()).Str("type", n.Type().String()).Msg("node added")
	})
	registry.OnNodeKilled(func(n *nodes.Node) {
		log.Info().Str("node", n.ID().String()).Str("type", n.Type().String()).Msg("node killed")
	})

	if cfg.Domain.Hostname != "" {
		dom.SetHostnameAndPort(cfg.Domain.Hostname, cfg.Domain.Port)
	} else {
		iceServer, err := wire.ParseSockAddr(cfg.Domain.ICEServer)
		if err != nil {
			return err
		}
		dom.SetIceServerAndID(iceServer, cfg.DomainID())
	}
	if startPath != "" {
		dom.SendPathQuery(startPath)
	}

	scheduler := checkin.NewScheduler(checkin.Deps{
		STUN:      stunClient,
		ICE:       iceClient,
		Domain:    dom,
		Registry:  registry,
		Activator: activator,
		Sender:    transport,
		Clock:     clk,
		Metrics:   met,
		LocalSocket: func() wire.SockAddr {
			addr, ok := netmon.PreferredLocalIP()
			if !ok {
				return wire.SockAddr{Port: transport.LocalPort()}
			}
			return wire.SockAddrFrom(addr, transport.LocalPort())
		},
	}, checkin.Options{
		Interval:       interval,
		SilentMax:      cfg.CheckIn.SilentMax,
		EvictThreshold: evictAfter,
		OwnerType:      ownerType,
		Interest:       interest,
		Username:       cfg.Username,
	})
	scheduler.OnSilentTooLong(func() {
		log.Warn().Str("domain", dom.SockAddr().String()).Msg("domain stopped answering check-ins")
	})

	transport.Handle(wire.PacketTypeDomainList, scheduler.HandleDomainList)
	transport.Handle(wire.PacketTypePing, activator.HandlePing)
	transport.Handle(wire.PacketTypePingReply, activator.HandlePingReply)
	transport.Handle(wire.PacketTypeUnverifiedPing, iceClient.HandleUnverifiedPing)
	transport.Handle(wire.PacketTypeUnverifiedPingReply, iceClient.HandleUnverifiedPingReply)
	transport.Handle(wire.PacketTypeICEHeartbeatResponse, iceClient.HandleHeartbeatResponse)
	transport.Handle(wire.PacketTypePathResponse, dom.HandlePathResponse)
	transport.HandleSTUN(scheduler.HandleSTUNResponse)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, met)
	}

	monitor := netmon.New(netmon.DefaultConfig(), clk)
	go func() {
		for range monitor.Start(ctx) {
			scheduler.HandleNetworkChange()
		}
	}()

	go func() {
		if err := transport.Run(); ctx.Err() == nil {
			log.Error().Err(err).Msg("transport stopped")
			stop()
		}
	}()
	go scheduler.Run(ctx)

	log.Info().
		Str("version", Version).
		Uint16("port", transport.LocalPort()).
		Str("owner_type", cfg.OwnerType).
		Msg("worldmesh agent started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

func serveMetrics(addr string, met *metrics.AgentMetrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
