package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgcache/internal/static"
)

func newStaticCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "static",
		Short: "Serve the site's static files (the proxy's usual origin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if root, _ := cmd.Flags().GetString("root"); root != "" {
				cfg.Static.Root = root
			}
			if cfg.Static.Root == "" {
				cfg.Static.Root = "."
			}

			log := newLogger(cfg)
			defer func() { _ = log.Sync() }()

			site, err := static.New(static.Config{
				Root:        cfg.Static.Root,
				MaxAge:      cfg.StaticMaxAge(),
				SPAFallback: cfg.Static.SPAFallback,
			}, log)
			if err != nil {
				return err
			}

			addr := fmt.Sprintf(":%d", cfg.Static.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			log.Info("static site listening", zap.String("addr", addr), zap.String("root", cfg.Static.Root))
			return serveHandler(cmd.Context(), ln, site)
		},
	}
	cmd.Flags().String("root", "", "directory to serve (overrides static.root)")
	return cmd
}

// serveHandler serves h on ln until ctx is cancelled or a signal arrives,
// then shuts down gracefully.
func serveHandler(parent context.Context, ln net.Listener, h http.Handler) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
