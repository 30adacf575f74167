package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/copperline/agentrelay/internal/bus"
	"github.com/copperline/agentrelay/internal/config"
	"github.com/copperline/agentrelay/internal/dispatch"
	"github.com/copperline/agentrelay/internal/gateway"
	"github.com/copperline/agentrelay/internal/ownership"
	"github.com/copperline/agentrelay/internal/routing"
	"github.com/copperline/agentrelay/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the routing gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry (no-op unless enabled in config)
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Snapshot().Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	// Core components
	msgBus := bus.NewMessageBus()
	owners := ownership.NewRegistry()
	server := gateway.NewServer(cfg, owners)

	responder := echoResponder{}
	dispatcher := dispatch.New(cfg, msgBus, owners, responder, server)

	// Run the watcher, dispatcher and server under one group: if any of
	// them fails, the shared context tears the others down.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Hot reload: rebuild the reply rule chain when the config file changes.
		err := config.Watch(gctx, cfgPath, cfg, func(*config.Config) { dispatcher.ReloadRules() })
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	slog.Info("agentrelay starting", "version", Version, "config", cfgPath)
	if err := g.Wait(); err != nil {
		slog.Error("agentrelay failed", "error", err)
		os.Exit(1)
	}
	slog.Info("agentrelay stopped")
}

// echoResponder is the built-in responder used when no external agent
// runtime is attached: it mirrors the inbound text. Connector processes
// replace it over the bus in real deployments.
type echoResponder struct{}

func (echoResponder) Respond(_ context.Context, _ routing.ResolvedAgentRoute, env bus.Envelope) (string, error) {
	return env.Text, nil
}
