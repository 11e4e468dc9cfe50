// homedash serves a home-automation dashboard backed by a live mirror of the hub's entity states.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/markus-barta/homedash/internal/config"
	"github.com/markus-barta/homedash/internal/core"
	"github.com/markus-barta/homedash/internal/dashboard"
	"github.com/markus-barta/homedash/internal/history"
	"github.com/markus-barta/homedash/internal/hubapi"
	"github.com/rs/zerolog"
)

// historyRetention is how long command log entries are kept.
const historyRetention = 30 * 24 * time.Hour

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test hub connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("homedash %s\n", dashboard.VersionInfo())
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", dashboard.VersionInfo()).
		Str("hub", cfg.HubURL).
		Msg("homedash starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("homedash failed")
	}
	log.Info().Msg("shut down")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	var (
		hist     dashboard.History
		recorder *history.Store
	)
	if cfg.DatabasePath != "" {
		h, err := openHistory(ctx, cfg.DatabasePath, log)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()
		hist, recorder = h, h
	}

	// closed before the history so late command results are still recorded
	c := core.New(core.OptionsFromConfig(cfg), log)
	defer func() { _ = c.Close() }()
	if recorder != nil {
		c.SetRecorder(recorder)
	}

	c.OnAuthError(func(err error) {
		log.Error().Err(err).Msg("hub token rejected; update HOMEDASH_HUB_TOKEN and restart")
	})

	if err := c.Connect(ctx, hubapi.Credentials{BaseURL: cfg.HubURL, Token: cfg.HubToken}); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}

	if cfg.ListenAddr == "" {
		log.Info().Msg("dashboard server disabled")
		<-ctx.Done()
		return nil
	}

	server := dashboard.New(cfg, c, hist, log)
	return server.Run(ctx)
}

func openHistory(ctx context.Context, path string, log zerolog.Logger) (*history.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	h, err := history.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("opening command history: %w", err)
	}
	if n, err := h.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		log.Warn().Err(err).Msg("failed to prune command history")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("pruned old command history")
	}
	return h, nil
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Printf(`Usage: homedash [options]

homedash %s - home-automation dashboard with a live mirror of hub entity states.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test hub connectivity

Environment variables:
  HOMEDASH_CONFIG            Optional config file (.toml, .yaml or .yml)
  HOMEDASH_HUB_URL           Hub base URL, http:// or https:// (required)
  HOMEDASH_HUB_TOKEN         Hub long-lived access token (required)
  HOMEDASH_LISTEN            Dashboard listen address (default: :8000)
  HOMEDASH_API_TOKEN         Token browsers must present (required)
  HOMEDASH_ALLOWED_ORIGINS   Comma-separated WebSocket origins
  HOMEDASH_DATA_DIR          Data directory (default: /data)
  HOMEDASH_DB_PATH           Command history database; empty disables
  HOMEDASH_RECONNECT_DELAY   Push channel reconnect delay (default: 5s)
  HOMEDASH_RESYNC_INTERVAL   Full-state resync period (default: 5m)
  HOMEDASH_LEVEL_DEBOUNCE    Slider debounce, 250ms-300ms (default: 300ms)
  HOMEDASH_COLOR_DEBOUNCE    Color picker debounce (default: 200ms)
  HOMEDASH_PENDING_TIMEOUT   Optimistic write confirmation window (default: 8s)
  HOMEDASH_REQUEST_TIMEOUT   Hub request timeout (default: 15s)
  HOMEDASH_FETCH_ATTEMPTS    Tries per full-state fetch (default: 3)
  HOMEDASH_ERROR_TTL         How long command errors stay visible (default: 1m)
  HOMEDASH_LOG_LEVEL         Log level: debug, info, warn, error
`, dashboard.VersionInfo())
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Hub:         %s\n", cfg.HubURL)
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	if cfg.DatabasePath != "" {
		fmt.Printf("  History:     %s\n", cfg.DatabasePath)
	}
	fmt.Printf("  Resync:      %s\n", cfg.ResyncInterval)
	fmt.Println()

	fmt.Print("Testing hub connectivity... ")

	creds := hubapi.NewCredentialStore(hubapi.Credentials{BaseURL: cfg.HubURL, Token: cfg.HubToken})
	client := hubapi.NewClient(creds, cfg.RequestTimeout, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	err = client.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		if hubapi.IsAuthError(err) {
			fmt.Println("  Error: token rejected")
		} else {
			fmt.Printf("  Error: %v\n", err)
		}
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
