// Command proxy runs the forwarding HTTP cache proxy.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"httpcacheproxy/pkg/cache"
	"httpcacheproxy/pkg/config"
	"httpcacheproxy/pkg/connpool"
	"httpcacheproxy/pkg/logger"
	"httpcacheproxy/pkg/metrics"
	"httpcacheproxy/pkg/pipeline"
	"httpcacheproxy/pkg/server"
	"httpcacheproxy/pkg/workerpool"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()

	var (
		workersFlag       int
		cacheMaxBytesFlag int64
		poolSizeFlag      int
	)

	root := &cobra.Command{
		Use:   "proxy [port]",
		Short: "Forwarding HTTP cache proxy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil || port <= 0 || port > 65535 {
					return fmt.Errorf("invalid port %q: must be a number in 1..65535", args[0])
				}
				cfg.Port = port
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workersFlag
			}
			if cmd.Flags().Changed("cache-max-bytes") {
				cfg.CacheMaxBytes = cacheMaxBytesFlag
			}
			if cmd.Flags().Changed("pool-size") {
				cfg.PoolSize = poolSizeFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().IntVar(&workersFlag, "workers", cfg.Workers, "worker pool size")
	root.Flags().Int64Var(&cacheMaxBytesFlag, "cache-max-bytes", cfg.CacheMaxBytes, "response cache byte budget")
	root.Flags().IntVar(&poolSizeFlag, "pool-size", cfg.PoolSize, "upstream connection pool slot count")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger.Init(cfg.LogLevel)
	logger.Info("starting httpcacheproxy", "port", cfg.Port, "workers", cfg.Workers)

	reg := metrics.NewRegistry()

	respCache := cache.New(cfg.CacheMaxBytes, cfg.CacheMaxElementBytes, cfg.CacheDefaultTTL, reg)
	connPool := connpool.New(cfg.PoolSize, cfg.PoolKeepAliveWindow, reg)

	pipe := pipeline.New(pipeline.Config{
		MaxRequestBytes:     cfg.MaxRequestBytes,
		MaxResponseBytes:    cfg.MaxResponseBytes,
		UpstreamRecvTimeout: cfg.UpstreamRecvTimeout,
		DefaultTTL:          cfg.CacheDefaultTTL,
	}, respCache, connPool, reg)

	pool := workerpool.New(cfg.Workers, cfg.QueueCapacity, cfg.MaxInFlight, pipe.Handle, reg)

	srv, err := server.New("0.0.0.0", cfg.Port, pool)
	if err != nil {
		logger.Fatal("failed to start proxy", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Start()
	})

	if diagSrv := startDiagnostics(cfg.MetricsAddr, reg); diagSrv != nil {
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return diagSrv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				respCache.SweepExpired()
				connPool.SweepIdle()
			case <-gctx.Done():
				return nil
			}
		}
	})

	<-gctx.Done()
	logger.Info("shutting down")
	_ = srv.Stop()
	pool.Shutdown()
	connPool.Destroy()
	respCache.Destroy()

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// startDiagnostics runs the secondary diagnostics listener (GET /metrics,
// GET /healthz) described in SPEC_FULL.md §6. An addr whose port is 0
// disables it; it returns nil in that case.
func startDiagnostics(addr string, reg *metrics.Registry) *http.Server {
	host, portStr, err := net.SplitHostPort(addr)
	if err == nil {
		if portStr == "0" {
			return nil
		}
	}
	_ = host

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("diagnostics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server error", "err", err)
		}
	}()
	return srv
}
