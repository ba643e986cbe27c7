package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/btl-go/engine"
	"github.com/rocketbitz/btl-go/internal/config"
	"github.com/rocketbitz/btl-go/internal/simrun"
)

type runOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
	ranks       int
	messages    int
	payloadSize int
	timeout     time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect all ranks and exchange short messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSim(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.IntVar(&opts.ranks, "ranks", 2, "Number of simulated ranks")
	flags.IntVar(&opts.messages, "messages", 100, "Messages sent from each rank to every other rank")
	flags.IntVar(&opts.payloadSize, "payload-size", 64, "Payload size in bytes")
	flags.DurationVar(&opts.timeout, "timeout", time.Minute, "Abort the run after this long")
	return cmd
}

func runSim(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load(opts.configPath, config.Options{
		LogLevel:    opts.logLevel,
		MetricsAddr: opts.metricsAddr,
	})
	if err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level())
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics, err := engine.NewPrometheusMetrics(engine.PrometheusMetricsOptions{
		Registerer: reg,
		Namespace:  cfg.Metrics.Namespace,
	})
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})
	if srv != nil {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-runDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var report *simrun.Report
	g.Go(func() error {
		defer close(runDone)
		var err error
		report, err = simrun.Run(gctx, cfg, simrun.Options{
			Ranks:       opts.ranks,
			Messages:    opts.messages,
			PayloadSize: opts.payloadSize,
			Logger:      logger,
			Metrics:     metrics,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ranks=%d sent=%d received=%d duration=%s\n",
		report.Ranks, report.Sent, report.Received, report.Duration.Round(time.Microsecond))
	for i, stats := range report.Modules {
		fmt.Fprintf(out, "rank%d: connects=%d queued=%d handshakes=%d handle_exhausted=%d\n",
			i, stats.Connects, stats.MessagesQueued, stats.HandshakesPosted, stats.HandlesExhausted)
	}
	return nil
}
