package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoobzio/collectz"
	"github.com/zoobzio/collectz/prom"
)

var (
	configPath  string
	metricsAddr string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		Long: `Run the pipeline described by --config until the source is exhausted.

SIGINT stops the run gracefully: queued work drains before exit. A second
SIGINT kills the run and releases everything still queued.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context())
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline config without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := collectz.LoadConfig(configPath)
			if err != nil {
				return err
			}
			stages, consumers, err := newRegistry().Build(cfg)
			if err != nil {
				return err
			}
			for _, c := range append(stages, consumers...) {
				_ = c.Close() //nolint:errcheck // validation only
			}
			if _, err := newSource(cfg.Source); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d stages, %d consumers\n", len(stages), len(consumers))
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().StringVarP(&configPath, "config", "c", "", "pipeline config file (YAML)")
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
}

func runPipeline(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := collectz.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := collectz.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }() //nolint:errcheck // stdout sync is not supported everywhere

	source, err := newSource(cfg.Source)
	if err != nil {
		return err
	}
	stages, consumers, err := newRegistry().Build(cfg)
	if err != nil {
		return err
	}

	opts := append(cfg.Options(), collectz.WithLogger(logger))
	engine, err := collectz.NewEngine(cfg.Name, source, collectz.NewCASFactory(), opts...)
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck // tracer and hooks only
	engine.AddStages(stages...).AddConsumers(consumers...)
	engine.AddListener(collectz.ListenerFuncs[*collectz.CAS]{
		OnRun: func(_ context.Context, s collectz.Summary) {
			logger.Info("run summary",
				zap.String("run", s.RunID),
				zap.Int64("completed", s.Completed),
				zap.Int64("failed", s.Failed),
				zap.Duration("elapsed", s.Duration))
		},
	})
	if err := engine.OnChunkTimeout(func(_ context.Context, ev collectz.EngineEvent) error {
		if ev.Chunk != nil {
			logger.Warn("chunk series timed out", zap.String("document", ev.Chunk.DocumentID))
		}
		return nil
	}); err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, engine, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx) //nolint:errcheck // exiting anyway
		}()
	}

	if err := engine.Start(parent); err != nil {
		return err
	}
	go handleSignals(engine, logger)

	runErr := engine.Wait()
	stats := engine.Stats()
	fmt.Fprintf(os.Stderr, "%s: produced=%d completed=%d failed=%d elapsed=%s\n",
		stats.Name, stats.Produced, stats.Completed, stats.Failed, stats.Elapsed.Round(time.Millisecond))
	return runErr
}

// handleSignals stops on the first signal and kills on the second.
func handleSignals(engine *collectz.Engine[*collectz.CAS], logger *zap.Logger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		logger.Info("signal received, stopping")
		engine.Stop()
	case <-engine.Done():
		return
	}
	select {
	case <-sig:
		logger.Warn("second signal received, killing")
		engine.Kill()
	case <-engine.Done():
	}
}

func serveMetrics(addr string, engine *collectz.Engine[*collectz.CAS], logger *zap.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prom.NewCollector("collectz", engine))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
