package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "easy-content-upgrade/internal/api/http"
	"easy-content-upgrade/internal/cluster"
	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/infra/etcd"
	"easy-content-upgrade/internal/scheduler"
	"easy-content-upgrade/internal/tracing"
	"easy-content-upgrade/internal/usecase"
	"easy-content-upgrade/internal/version"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console API and the scheduled actions",
	RunE:  serveRun,
}

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func serveRun(cmd *cobra.Command, _ []string) error {
	logger := newLogger(os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tracerShutdown, err := tracing.InitTracer("aecu", version.Version, cfg.TracingEnabled, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger = logger.With("node_id", a.nodeID)
	logger.Info("starting aecu node", "version", version.Version, "history_store", cfg.HistoryStore, "cluster", cfg.ClusterEnabled)

	var nodes http_api.NodeLister = cluster.Static{{ID: a.nodeID, Addr: cfg.HttpListenAddr}}
	var leader domain.LeaderElectionManager
	g, gctx := errgroup.WithContext(ctx)

	if cfg.ClusterEnabled {
		registry := cluster.NewRegistry(a.etcdClient, logger)
		regCtx, regCancel := context.WithTimeout(ctx, cfg.EtcdTimeout)
		err := registry.Register(regCtx, a.nodeID, cfg.HttpListenAddr, int64(cfg.LeaderElectionTTL.Seconds()))
		regCancel()
		if err != nil {
			return err
		}
		defer func() {
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister node", "error", err)
			}
		}()

		discovery := cluster.NewDiscovery(a.etcdClient, a.etcdClient, logger)
		g.Go(func() error { return ignoreCanceled(discovery.Watch(gctx)) })
		nodes = discovery
		leader = etcd.NewEtcdLeaderElectionManager(a.etcdClient, a.nodeID, cfg.LeaderElectionTTL, logger)
	}

	cronScheduler := scheduler.NewCronScheduler(a.service, logger)
	schedulerService := usecase.NewSchedulerService(leader, cronScheduler, cfg.DomainSchedules(), a.nodeID, logger)
	g.Go(func() error { return ignoreCanceled(schedulerService.Start(gctx)) })

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewAecuHandler(a.service, nodes, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("aecu node stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
