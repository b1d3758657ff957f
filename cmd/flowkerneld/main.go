// Package main — cmd/flowkerneld/main.go
//
// flowkerneld entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate config from /etc/flowkernel/config.yaml.
//  3. Initialise structured logger (zap).
//  4. Start Prometheus metrics server.
//  5. Construct the kernel (fresh, in-memory subsystem state).
//  6. Start the cleanup service ticker.
//  7. Start the IPC server.
//  8. Register SIGHUP handler for config hot-reload (best effort, logged only).
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to IPC server, cleanup service, metrics server).
//  2. Wait for the IPC server's own bounded connection drain.
//  3. Flush logger.
//  4. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowkernel/flowkernel/internal/cleanup"
	"github.com/flowkernel/flowkernel/internal/config"
	"github.com/flowkernel/flowkernel/internal/ipc"
	"github.com/flowkernel/flowkernel/internal/interrupt"
	"github.com/flowkernel/flowkernel/internal/kernel"
	"github.com/flowkernel/flowkernel/internal/observability"
	"github.com/flowkernel/flowkernel/internal/ratelimiter"
	"github.com/flowkernel/flowkernel/internal/resources"
	"github.com/flowkernel/flowkernel/internal/types"
)

// interruptOverridesFromConfig translates the config file's per-kind TTL
// overrides into the kernel's internal representation, reporting any
// kind names that fail to parse rather than silently dropping them.
func interruptOverridesFromConfig(cfg map[string]config.InterruptKindOverride) (map[types.InterruptKind]interrupt.KindDefaults, []string) {
	overrides := make(map[types.InterruptKind]interrupt.KindDefaults, len(cfg))
	var badKinds []string
	for name, o := range cfg {
		kind, err := types.ParseInterruptKind(name)
		if err != nil {
			badKinds = append(badKinds, name)
			continue
		}
		overrides[kind] = interrupt.KindDefaults{
			TTL:              o.TTL,
			AutoExpire:       o.AutoExpire,
			RequiresResponse: o.RequiresResponse,
		}
	}
	return overrides, badKinds
}

func main() {
	// ── Flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/flowkernel/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("flowkerneld %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 2: Load config ─────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("flowkerneld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	// ── Root context with cancellation ───────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Prometheus metrics ───────────────────────────────────
	metr := observability.NewMetrics()
	go func() {
		if err := metr.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Construct the kernel ─────────────────────────────────
	interruptOverrides, badKinds := interruptOverridesFromConfig(cfg.Interrupts.Overrides)
	for _, name := range badKinds {
		log.Warn("ignoring interrupts.overrides entry with unknown kind", zap.String("kind", name))
	}

	k := kernel.New(kernel.Config{
		RateLimiter: ratelimiter.Config{
			Enabled:         cfg.RateLimiter.Enabled,
			PerMinuteLimit:  cfg.RateLimiter.PerMinuteLimit,
			PerHourLimit:    cfg.RateLimiter.PerHourLimit,
			PerDayLimit:     cfg.RateLimiter.PerDayLimit,
			BurstCapacity:   cfg.RateLimiter.BurstCapacity,
			BurstRefillSecs: cfg.RateLimiter.BurstRefillSecs,
		},
		DefaultQuota: resources.Quota{
			MaxLLMCalls:    cfg.Resources.MaxLLMCalls,
			MaxToolCalls:   cfg.Resources.MaxToolCalls,
			MaxAgentHops:   cfg.Resources.MaxAgentHops,
			MaxIterations:  cfg.Resources.MaxIterations,
			MaxTokensIn:    cfg.Resources.MaxTokensIn,
			MaxTokensOut:   cfg.Resources.MaxTokensOut,
			MaxTimeSeconds: cfg.Resources.MaxTimeSeconds,
		},
		InterruptOverrides: interruptOverrides,
		CommBusQueueDepth:  cfg.CommBus.SubscriberQueueDepth,
	}, nil, log, metr)
	log.Info("kernel constructed")

	// ── Step 6: Cleanup service ──────────────────────────────────────
	cleaner := cleanup.New(cleanup.Config{
		Interval:           cfg.Cleanup.Interval,
		ZombieGracePeriod:  cfg.Scheduler.ZombieGracePeriod,
		InterruptRetention: cfg.Interrupts.ResolvedRetention,
		EnvelopeCapacity:   cfg.Cleanup.EnvelopeCapacity,
	}, k, log)
	go cleaner.Run(ctx)
	log.Info("cleanup service started", zap.Duration("interval", cfg.Cleanup.Interval))

	// ── Step 7: IPC server ────────────────────────────────────────────
	srv := ipc.NewServer(ipc.Config{
		BindAddr:       cfg.IPC.BindAddr,
		MaxConnections: cfg.IPC.MaxConnections,
		MaxFrameBytes:  cfg.IPC.MaxFrameBytes,
		ReadTimeout:    cfg.IPC.ReadTimeout,
		WriteTimeout:   cfg.IPC.WriteTimeout,
		ShutdownDrain:  cfg.IPC.ShutdownDrain,
	}, k, log, metr)
	ipcDone := make(chan struct{})
	go func() {
		defer close(ipcDone)
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Error("ipc server error", zap.Error(err))
		}
	}()
	log.Info("ipc server started", zap.String("addr", cfg.IPC.BindAddr))

	// ── Step 8: SIGHUP hot-reload ─────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Only the observability knobs are safe to hot-swap; the
			// rest require restart since they shape subsystem state
			// the kernel already constructed.
			log.Info("config hot-reload successful",
				zap.String("new_log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(cfg.IPC.ShutdownDrain + time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-ipcDone:
		log.Info("ipc server drained")
	}

	log.Info("flowkerneld shutdown complete")
}
