package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"

	"github.com/tonimelisma/liveconnect-go/internal/config"
	"github.com/tonimelisma/liveconnect-go/internal/metrics"
	"github.com/tonimelisma/liveconnect-go/internal/tokenfile"
	"github.com/tonimelisma/liveconnect-go/pkg/live"
	"github.com/tonimelisma/liveconnect-go/pkg/oauthprovider"
)

// app is the per-invocation SDK wiring: token file, OAuth2 provider,
// session engine, API client and metrics.
type app struct {
	provider *oauthprovider.Provider
	engine   *live.Engine
	client   *live.Client
	metrics  *metrics.Collector
	logger   *slog.Logger

	stopMetrics func()
}

// newApp builds the SDK stack from the resolved config and restores the
// stored session, if any.
func newApp(cc *CLIContext) (*app, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	flow, err := oauthprovider.ParseFlow(cfg.LoginFlow)
	if err != nil {
		return nil, err
	}

	provider, err := oauthprovider.New(oauthprovider.Config{
		ClientID: cfg.ClientID,
		Tenant:   cfg.Tenant,
		Scopes:   cfg.Scopes,
		Flow:     flow,
		Store:    tokenfile.New(cfg.TokenPath),
		Display:  showDeviceCode,
		OpenURL:  openBrowser,
	}, logger)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()

	engine := live.NewEngine(provider, cfg.ClientID, logger)
	engine.Observer = collector
	engine.OnSessionChange = func(s *live.Session) {
		if s == nil {
			logger.Debug("session cleared")
			return
		}

		logger.Debug("session changed", slog.Time("expiry", s.Expiry()))
	}

	client := live.NewClient(cfg.BaseURL, live.NewHTTPTransport(http.DefaultClient, userAgent(cfg)), engine, logger)
	client.Observer = collector

	if err := client.SetChunkSize(cfg.ChunkBytes); err != nil {
		return nil, err
	}

	stored, err := provider.StoredSession()
	if err != nil {
		return nil, fmt.Errorf("loading saved token: %w", err)
	}

	if stored != nil {
		engine.Restore(stored)
	}

	return &app{
		provider:    provider,
		engine:      engine,
		client:      client,
		metrics:     collector,
		logger:      logger,
		stopMetrics: serveMetrics(cfg.MetricsAddr, collector.Handler(), logger),
	}, nil
}

// Close stops the metrics server.
func (a *app) Close() {
	a.stopMetrics()
}

func userAgent(cfg *config.Resolved) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}

	return live.UserAgent + " (" + runtime.GOOS + ")"
}

// showDeviceCode prints the device code prompt. It must stay visible even
// with --quiet. The browser flow reuses it, without a code, when no
// browser could be launched.
func showDeviceCode(da oauthprovider.DeviceAuth) {
	fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)

	if da.UserCode == "" {
		return
	}

	fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
}

// openBrowser launches the system browser on url.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening browser: %w", err)
	}

	go func() { _ = cmd.Wait() }()

	return nil
}
