// Command happennode boots a single Happen node: transport, views
// registry, the node (with its temporal store), and the Flow-Balance
// monitor, wired the way the teacher's service cmd/ entry points assemble
// config, secrets, and graceful shutdown. It registers no handlers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arc-self/happen/config"
	"github.com/arc-self/happen/event"
	"github.com/arc-self/happen/flowbalance"
	"github.com/arc-self/happen/node"
	"github.com/arc-self/happen/telemetry"
	"github.com/arc-self/happen/transport"
	"github.com/arc-self/happen/views"
)

// shutdownTimeout bounds the teardown sequence once the process receives
// its stop signal, so a hung peer or broker call can't block exit.
const shutdownTimeout = 10 * time.Second

// version is overridden at build time via -ldflags.
var version = "dev"

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a Happen node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the happennode version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(version)
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:  "happennode [command]",
		Long: "happennode runs one Happen node against a NATS JetStream transport",
	}
	root.AddCommand(newRunCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(parentCtx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := config.FromEnv()

	// --- Vault secrets (best-effort: a node without signing material
	// still runs, it just cannot be verified by peers) ---
	var secrets config.NodeSecrets
	if rt.VaultToken != "" {
		secretManager, err := config.NewSecretManager(rt.VaultAddr, rt.VaultToken)
		if err != nil {
			logger.Warn("vault client init failed, continuing without identity secrets", zap.Error(err))
		} else if s, err := secretManager.LoadNodeSecrets(rt.NodeName); err != nil {
			logger.Warn("loading node secrets failed, continuing without identity secrets", zap.Error(err))
		} else {
			secrets = s
		}
	}
	_ = secrets // loaded only; nothing below uses the signing seed or NATS credentials

	// --- Telemetry ---
	mp, err := telemetry.InitMeterProvider(ctx, "happennode", rt.OTLPEndpoint)
	if err != nil {
		logger.Warn("meter provider init failed, continuing without metrics export", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			mp.Shutdown(shutdownCtx)
		}()
	}
	tp, err := telemetry.InitTracerProvider(ctx, "happennode", rt.OTLPEndpoint)
	if err != nil {
		logger.Warn("tracer provider init failed, continuing without tracing", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			tp.Shutdown(shutdownCtx)
		}()
	}
	metrics, err := telemetry.NewMetrics("happennode")
	if err != nil {
		logger.Warn("metrics instrument init failed", zap.Error(err))
		metrics = nil
	}

	// --- Transport ---
	transportClient, err := transport.NewClient(rt.NatsURL, logger)
	if err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	defer transportClient.Close()

	if err := transportClient.ProvisionStreams(); err != nil {
		return fmt.Errorf("provision streams: %w", err)
	}
	if err := transportClient.ProvisionKVBucket(); err != nil {
		return fmt.Errorf("provision kv bucket: %w", err)
	}

	// --- Node ---
	registry := views.NewRegistry()
	n := node.New(node.Config{
		Name:             rt.NodeName,
		ConcurrencyCap:   rt.ConcurrencyCap,
		TimeoutDefault:   rt.TimeoutDefault,
		Registry:         registry,
		Transport:        transportClient,
		BroadcastSubject: transport.SubjectEvents,
		Logger:           logger,
		Persister:        transportClient,
	})
	n.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		n.Stop(shutdownCtx)
	}()

	durable := "happennode-" + rt.NodeName
	if _, err := transportClient.Subscribe(ctx, transport.SubjectEvents, durable, func(ctx context.Context, e event.Event) {
		n.Ingress(ctx, e)
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// --- Flow-Balance monitor ---
	monitor := flowbalance.NewMonitor(flowbalance.Options{
		Stream: transport.StreamEvents,
		Thresholds: flowbalance.Thresholds{
			MinorLag:    rt.MinorLag,
			ModerateLag: rt.ModerateLag,
			SevereLag:   rt.SevereLag,
			CriticalLag: rt.CriticalLag,
			MinAckRate:  rt.MinAckRate,
		},
		PollingInterval: rt.PollingInterval,
		MonitorNodeID:   event.NodeId("flowbalance-" + rt.NodeName),
		RecordLag:       metrics.RecordConsumerLag,
	}, flowbalance.TransportSource{Client: transportClient}, func(ctx context.Context, e event.Event) error {
		return transportClient.Publish(ctx, transport.SubjectEvents, e)
	}, logger)

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("flow-balance start: %w", err)
	}
	defer monitor.Stop()

	logger.Info("happennode running", zap.String("node", string(n.ID)), zap.String("nats", rt.NatsURL))
	<-ctx.Done()
	logger.Info("happennode shutting down")
	return nil
}
