// Command ironswarm runs one node of the cluster: it brings up the
// Transport, Peer Registry, Gossip, Scenario Manager and Aggregator,
// dials the configured bootstrap peers, and optionally starts one
// scenario named by -j. Grounded on distributed-queue/main.go's
// App/createApp split (background workers started up front, a single
// signal-driven context governing shutdown) and
// remote-procedure-call/cmd/root.go's cobra rootCmd/Execute shape for
// the flag surface.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ryan-h265/ironswarm/internal/aggregator"
	"github.com/ryan-h265/ironswarm/internal/config"
	"github.com/ryan-h265/ironswarm/internal/gossip"
	"github.com/ryan-h265/ironswarm/internal/identity"
	"github.com/ryan-h265/ironswarm/internal/metrics"
	"github.com/ryan-h265/ironswarm/internal/registry"
	"github.com/ryan-h265/ironswarm/internal/scenario"
	"github.com/ryan-h265/ironswarm/internal/scenarioreg"
	"github.com/ryan-h265/ironswarm/internal/transport"
	"github.com/ryan-h265/ironswarm/internal/wait"
	"github.com/ryan-h265/ironswarm/pkg/scenariodef"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxInFlight    = 1024
	defaultMaxPeers       = 256
	statsPrintInterval    = 5 * time.Second
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ironswarm",
		Short: "a peer-to-peer distributed load generator",
	}
	config.BindFlags(cmd.Flags(), cfg)
	return cmd
}

func main() {
	cfg := &config.Config{}
	cmd := newRootCmd(cfg)
	exitCode := config.ExitOK
	cmd.Run = func(*cobra.Command, []string) {
		exitCode = run(cfg)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(config.ExitConfig)
	}
	os.Exit(exitCode)
}

func run(cfg *config.Config) int {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return config.ExitConfig
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return config.ExitConfig
	}
	defer logger.Sync()

	host, err := cfg.ResolveBindHost()
	if err != nil {
		logger.Error("invalid bind configuration", zap.Error(err))
		return config.ExitConfig
	}

	id := identity.New(host, cfg.Port)
	self := id.ID
	listenAddr := id.Addr()
	logger.Info("starting ironswarm node", zap.String("identity", id.String()), zap.String("listen_addr", listenAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tr := transport.New(self, listenAddr, logger)
	if err := tr.Listen(ctx); err != nil {
		logger.Error("bind failed", zap.Error(err))
		return config.ExitBindConflict
	}
	defer tr.Shutdown()

	reg := registry.New(self, host, cfg.Port, defaultMaxPeers)
	g := gossip.New(self, reg, tr, gossip.DefaultConfig(), logger)
	core := metrics.NewCore()
	// Wired so this node answers SNAPSHOT_PING from peers aggregating a
	// cluster-wide view; --metrics-snapshot below writes only this
	// node's own local snapshot (§6), not a cluster aggregate.
	aggregator.New(self, core, reg, tr, g, aggregator.DefaultSnapshotTimeout, logger)

	loaded, haveScenario, err := loadScenario(cfg.ScenarioSpec)
	if err != nil {
		logger.Error("scenario load failed", zap.Error(err))
		return config.ExitConfig
	}
	lookup := func(scenarioID string) (scenariodef.Scenario, bool) {
		if haveScenario && loaded.ID == scenarioID {
			return loaded, true
		}
		return scenariodef.Scenario{}, false
	}
	mgr := scenario.NewManager(core, g, reg, lookup, defaultRequestTimeout, defaultMaxInFlight, logger)

	g.Start(ctx)
	for _, addr := range cfg.Bootstrap {
		go bootstrap(ctx, tr, reg, addr, logger)
	}

	if haveScenario {
		if err := mgr.Start(ctx, loaded); err != nil {
			logger.Error("scenario start failed", zap.String("scenario_id", loaded.ID), zap.Error(err))
			return config.ExitConfig
		}
	}

	if cfg.StatsPrint {
		go printStatsLoop(ctx, self, reg, core, mgr)
	}
	if cfg.WebPort > 0 {
		go serveDashboardStub(ctx, cfg.WebPort, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down, draining active scenarios")
	mgr.StopAll(scenario.DefaultShutdownGrace)

	if cfg.MetricsSnapshot != "" {
		if err := writeSnapshot(core.Snapshot(self.String()), cfg.MetricsSnapshot); err != nil {
			logger.Error("failed to write metrics snapshot", zap.Error(err))
			return config.ExitConfig
		}
	}

	return config.ExitSignal
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFile != "" {
		zc.OutputPaths = []string{cfg.LogFile}
		zc.ErrorOutputPaths = []string{cfg.LogFile}
	}
	return zc.Build()
}

// loadScenario resolves -j against the scenario module registry.
// Scenario authoring is out of scope; this only wires the mechanism a
// registered module uses to announce itself.
func loadScenario(spec string) (scenariodef.Scenario, bool, error) {
	if spec == "" {
		return scenariodef.Scenario{}, false, nil
	}
	s, err := scenarioreg.Load(spec)
	if err != nil {
		return scenariodef.Scenario{}, false, err
	}
	return s, true, nil
}

// bootstrap dials addr with full-jitter backoff until it succeeds or
// ctx is cancelled, then records the learned identity with the Peer
// Registry so gossip's peer-exchange takes over from there.
func bootstrap(ctx context.Context, tr *transport.Transport, reg *registry.Registry, addr string, logger *zap.Logger) {
	bo := wait.NewBackoff(500*time.Millisecond, 2, 30*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, _, err := tr.DialUnknown(ctx, addr)
		if err != nil {
			logger.Debug("bootstrap dial failed", zap.String("addr", addr), zap.Error(err))
			bo.Backoff()
			select {
			case <-bo.After():
			case <-ctx.Done():
			}
			continue
		}

		host, portStr, splitErr := net.SplitHostPort(addr)
		port, convErr := strconv.Atoi(portStr)
		if splitErr != nil || convErr != nil {
			logger.Warn("bootstrap address malformed, peer learned but not registered",
				zap.String("addr", addr), zap.String("identity", id.String()))
			return
		}
		reg.NoteSeen(id, host, port)
		logger.Info("bootstrap peer reachable", zap.String("addr", addr), zap.String("identity", id.String()))
		return
	}
}

// printStatsLoop is the -s periodic stats print: a point-in-time view
// of cluster size, active scenarios, and local counters, at
// statsPrintInterval.
func printStatsLoop(ctx context.Context, self uuid.UUID, reg *registry.Registry, core *metrics.Core, mgr *scenario.Manager) {
	ticker := time.NewTicker(statsPrintInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := core.Snapshot(self.String())
			fmt.Printf("[%s] peers=%d scenarios=%d counters=%d histograms=%d\n",
				time.Now().Format(time.RFC3339), reg.AliveCount(), len(mgr.Statuses()),
				len(snap.Counters), len(snap.Histograms))
		}
	}
}

// serveDashboardStub binds the --web-port listener named in §6's
// external interfaces; the dashboard subsystem itself is out of scope,
// so this only accepts and immediately closes connections to prove the
// port is reserved and reachable.
func serveDashboardStub(ctx context.Context, port int, logger *zap.Logger) {
	l, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		logger.Error("web-port bind failed", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func writeSnapshot(snap metrics.Snapshot, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	defer enc.Close()
	return enc.Encode(snap)
}
