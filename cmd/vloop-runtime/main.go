// vloop-runtime serves the voice pipeline: it loads the YAML configuration,
// registers the configured providers, and exposes the websocket transport
// plus Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tiger/voiceloop/internal/config"
	"github.com/tiger/voiceloop/internal/metrics"
	"github.com/tiger/voiceloop/internal/runtime/provider/bootstrap"
	"github.com/tiger/voiceloop/internal/telemetry"
	wstransport "github.com/tiger/voiceloop/transports/websocket"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vloop-runtime: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("vloop-runtime", flag.ContinueOnError)
	flags.SetOutput(stdout)
	configPath := flags.String("config", "vloop.yaml", "path to the pipeline configuration")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	pipelineMetrics := metrics.NewPipeline(promReg)

	reg, err := bootstrap.Build(cfg)
	if err != nil {
		return err
	}

	catalog, err := cfg.DegradedCatalog()
	if err != nil {
		return err
	}

	server, err := wstransport.NewServer(wstransport.Config{
		Registry:          reg,
		Budget:            cfg.BudgetTable(),
		Defaults:          catalog,
		Segment:           cfg.SegmentPolicy(),
		TTSWindow:         cfg.TTSWindow,
		HistoryLimit:      cfg.Session.HistoryLimit,
		FrameLimit:        cfg.Session.FrameLimit,
		AckTimeout:        cfg.AckTimeout(),
		DisconnectTimeout: cfg.DisconnectTimeout(),
		Emitter:           telemetry.NewEmitter(logger),
		Metrics:           pipelineMetrics,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: cfg.Listen.Addr, Handler: mux}
	var metricsServer *http.Server
	if cfg.Listen.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Listen.MetricsAddr, Handler: metricsMux}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Listen.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return httpServer.Shutdown(shutdownCtx)
}
