package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dayuer/pierbridge/internal/bridge"
	"github.com/dayuer/pierbridge/internal/bus"
	"github.com/dayuer/pierbridge/internal/config"
	"github.com/dayuer/pierbridge/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect all piers and relay until interrupted",
	RunE:  runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	log.Info().Str("config", path).Str("version", Version).Msg("Starting pierbridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := buildSinks(ctx, cfg, log)
	defer sinks.close()

	m, err := cfg.Mapping()
	if err != nil {
		return err
	}
	queue := bus.NewQueue(cfg.Bridge.InboundBuffer)
	piers, err := buildPiers(cfg, m, queue, log)
	if err != nil {
		return err
	}

	b, err := bridge.New(bridge.Options{
		Inbound:        queue,
		Piers:          piers,
		Credentials:    credentials(cfg),
		Routes:         m.Routes(),
		Sink:           sinks.pool,
		OutboundBuffer: cfg.Bridge.OutboundBuffer,
		IdleTimeout:    cfg.Bridge.IdleTimeout,
		SendTimeout:    cfg.Bridge.SendTimeout,
		Retry:          cfg.Bridge.Retry,
		ConnectTimeout: cfg.Bridge.ConnectTimeout,
		ShutdownGrace:  cfg.Bridge.ShutdownGrace,
		AllowDegraded:  !cfg.Bridge.RequireAll(),
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	fmt.Printf("✓ Relaying between %v (%d routes)\n", b.Stats().Connected, m.Len())

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	stopErr := b.Stop()

	s := sinks.stats.Snapshot()
	log.Info().
		Uint64("successes", s.Successes).
		Uint64("failures", s.Failures).
		Uint64("dropped", s.Dropped).
		Dur("mean_latency", s.MeanLatency).
		Msg("Relay totals")
	return stopErr
}
