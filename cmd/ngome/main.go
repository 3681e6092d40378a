// Ngome is a multi-tenant tool gateway: it authenticates MCP clients,
// exposes the tool sets their roles allow and runs tool calls in
// confined sandboxes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome is a multi-tenant MCP tool gateway.",
	Long: `Ngome sits between MCP clients and tool backends. Every request is
authenticated, authorized against a role-gated tool catalog, routed to its
backend and written to the audit log. Code runs in a Starlark sandbox with
per-tenant workspaces and a reusable skills library.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", goutils.Env("NGOME_CONFIG", ""), "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", goutils.Env("NGOME_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", goutils.Env("NGOME_LOG_FORMAT", "json"), "log format: json or text")

	rootCmd.AddCommand(serveCmd, sandboxCmd, keysCmd, catalogCmd, skillsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the --log-level and
// --log-format flags.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(logFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
