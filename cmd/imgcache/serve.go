package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgcache/internal/imgcache"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := newLogger(cfg)
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg imgcache.Config, log *zap.Logger) error {
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serveOn(parent, ln, cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// serveOn runs the proxy on ln until parent is cancelled or a signal
// arrives. It owns ln and closes it on return.
func serveOn(parent context.Context, ln net.Listener, cfg imgcache.Config, log *zap.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer ln.Close()

	store, err := imgcache.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if !cfg.Metrics.Enabled {
		reg = nil
	}
	proxy, err := imgcache.NewProxy(cfg, store, imgcache.Options{Logger: log, Registerer: reg})
	if err != nil {
		return fmt.Errorf("init proxy: %w", err)
	}
	defer proxy.Close()

	if err := proxy.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}

	log.Info("imgcache listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("origin", cfg.Server.Origin),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int64("storage_max_bytes", cfg.Storage.MaxBytes()),
		zap.String("state", proxy.State().String()),
	)
	return serveHandler(ctx, ln, rootHandler(cfg, proxy.Handler(), gatherer))
}

// rootHandler puts the metrics endpoint in front of the proxy. The path is
// compared as is; every other path goes to the proxy untouched.
func rootHandler(cfg imgcache.Config, proxy http.Handler, gatherer prometheus.Gatherer) http.Handler {
	if !cfg.Metrics.Enabled {
		return proxy
	}
	metrics := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == cfg.Metrics.Path {
			metrics.ServeHTTP(w, r)
			return
		}
		proxy.ServeHTTP(w, r)
	})
}
