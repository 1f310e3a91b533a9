package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitea-mirror/syncd/internal/api"
	"github.com/gitea-mirror/syncd/internal/clonestore"
	"github.com/gitea-mirror/syncd/internal/config"
	"github.com/gitea-mirror/syncd/internal/engine"
	"github.com/gitea-mirror/syncd/internal/gitdriver"
	"github.com/gitea-mirror/syncd/internal/giteaclient"
	"github.com/gitea-mirror/syncd/internal/logging"
	"github.com/gitea-mirror/syncd/internal/metrics"
	"github.com/gitea-mirror/syncd/internal/scheduler"
	"github.com/gitea-mirror/syncd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	metricsRegistry := metrics.New()

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.Ping(bootCtx); err != nil {
		logger.Error("store unreachable", "err", err)
		bootCancel()
		os.Exit(1)
	}
	bootCancel()

	clones, err := clonestore.New(cfg.LocalCloneRoot, cfg.CloneRootMaxBytes, logger)
	if err != nil {
		logger.Error("clone store init failed", "err", err)
		os.Exit(1)
	}
	clones.OnEvict(func(mirrorID string) {
		metricsRegistry.ClonesEvicted.Inc()
		logger.Info("clone evicted", "mirror_id", mirrorID)
	})

	git := gitdriver.New("")

	gitea := giteaclient.New(cfg.DownstreamURL, cfg.DownstreamToken, cfg.SyncTimeout, 10, 20, "syncd/1")

	whoCtx, whoCancel := context.WithTimeout(context.Background(), 10*time.Second)
	who, err := gitea.WhoAmI(whoCtx)
	whoCancel()
	if err != nil {
		logger.Error("downstream gitea unreachable", "err", err)
		os.Exit(1)
	}
	logger.Info("authenticated to downstream gitea", "user", who)

	eng := engine.New(engine.Config{
		DownstreamBaseURL: cfg.DownstreamURL,
		DownstreamUser:    cfg.DownstreamUser,
		DownstreamToken:   cfg.DownstreamToken,
		UpstreamToken:     cfg.UpstreamToken,
		SyncTimeout:       cfg.SyncTimeout,
		RetryMax:          cfg.RetryMax,
	}, st, git, gitea, clones, metricsRegistry, logger)

	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.MaxConcurrentSyncs,
		DefaultInterval: cfg.DefaultSyncInterval,
		LeaseTTL:        cfg.LeaseTTL(),
		HolderID:        "syncd-" + uuid.New().String(),
	}, st, eng, metricsRegistry, logger)
	sched.Start()

	apiServer := api.New(st, sched, clones, metricsRegistry, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.HealthPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := st.Ping(healthCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unreachable\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", apiServer.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "downstream_url", cfg.DownstreamURL, "clone_root", cfg.LocalCloneRoot)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	sched.Shutdown(shutdownCtx, cfg.ShutdownGrace)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful http shutdown failed", "err", err)
	}
}
