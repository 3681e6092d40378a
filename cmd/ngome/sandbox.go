package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/secrets"
	toolsmcp "github.com/jkaninda/ngome/internal/tools/mcp"
)

var sandboxListenAddr string

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Serve the sandbox toolkit over MCP for remote gateways",
	Long: `Runs the execution engine, workspace tools and skills registry as a
standalone MCP server. Gateways reach it through catalog endpoints of the
form http://host:port/mcp.`,
	RunE: runSandbox,
}

func init() {
	sandboxCmd.Flags().StringVar(&sandboxListenAddr, "listen", "", "listen address (overrides sandbox.listen_addr)")
}

func runSandbox(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	if sandboxListenAddr != "" {
		cfg.Sandbox.ListenAddr = sandboxListenAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	token, err := secrets.ResolveValue(ctx, c.Secrets, cfg.Sandbox.TokenRef)
	if err != nil {
		return fmt.Errorf("resolving sandbox token: %w", err)
	}
	if token == "" {
		logger.Warn("sandbox token is not set; every caller is accepted")
	}

	srv := toolsmcp.NewServer(c.Toolkit, toolsmcp.Options{
		Name:    "ngome-sandbox",
		Version: version,
		Token:   token,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Sandbox.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("sandbox server starting",
			slog.String("addr", cfg.Sandbox.ListenAddr),
			slog.Int("tools", len(c.Toolkit.All())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("sandbox server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping sandbox server", slog.String("error", err.Error()))
	}
	return nil
}
