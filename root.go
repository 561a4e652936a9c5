package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/liveconnect-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the persistent flags bound on the root command.
type CLIFlags struct {
	ConfigPath  string
	ClientID    string
	TokenPath   string
	MetricsAddr string
	JSON        bool
	Verbose     bool
	Quiet       bool
}

// CLIContext is built once per invocation by the root pre-run and carried
// on the command's context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root pre-run.
// Commands only run after the pre-run, so a missing value is a bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cli context missing")
	}

	return cc
}

// metricsShutdownTimeout bounds the metrics server shutdown on exit.
const metricsShutdownTimeout = 2 * time.Second

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "liveconnect",
		Short:   "Command-line client for the Live Connect content API",
		Long:    "Sign in, call the API, and move files through resumable upload sessions.",
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.ClientID, "client-id", "", "OAuth2 application (client) ID")
	pf.StringVar(&flags.TokenPath, "token-path", "", "token file location")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newCallCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newUploadCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain. Only explicitly set flags become CLI overrides.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("client-id") {
		cli.ClientID = &flags.ClientID
	}

	if cmd.Flags().Changed("token-path") {
		cli.TokenPath = &flags.TokenPath
	}

	if cmd.Flags().Changed("metrics-addr") {
		cli.MetricsAddr = &flags.MetricsAddr
	}

	if flow := loginFlowFlag(cmd); flow != "" {
		cli.LoginFlow = &flow
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(resolved.LogLevel, flags)

	if resolved.Path != "" {
		logger.Debug("config loaded", slog.String("path", resolved.Path))
	}

	return &CLIContext{Flags: flags, Cfg: resolved, Logger: logger}, nil
}

// loginFlowFlag reads the login command's --browser/--device switches.
// Other commands do not define them.
func loginFlowFlag(cmd *cobra.Command) string {
	for _, name := range []string{"browser", "device"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed && f.Value.String() == "true" {
			return name
		}
	}

	return ""
}

// buildLogger creates an slog.Logger. The config-file log level provides the
// baseline; --verbose and --quiet override it because CLI flags always win.
func buildLogger(configLevel string, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn

	switch configLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serveMetrics exposes h on addr until the returned stop function is
// called. An empty addr disables the server.
func serveMetrics(addr string, h http.Handler, logger *slog.Logger) (stop func()) {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Debug("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
