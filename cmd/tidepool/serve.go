package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidepool/internal/discovery"
)

var (
	serveAddr   string
	serveConfig string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve GET /api/prefetch-images/<path>",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":3001", "listen address, e.g. :3001 or 0.0.0.0:3001")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "optional YAML config overlay")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr := serveAddr
	if env := os.Getenv("PORT"); env != "" {
		addr = ":" + env
	}
	cfg := discovery.DefaultConfig()
	if serveConfig != "" {
		var err error
		if cfg, err = discovery.LoadConfigFile(cfg, serveConfig); err != nil {
			return err
		}
	}
	cfg.Logger = logger
	handler, err := discovery.New(cfg)
	if err != nil {
		return err
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Conservative timeouts to avoid slowloris and leaked connections blocking the server
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("env", string(cfg.Env)))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
