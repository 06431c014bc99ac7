// Command ble-server runs the counter peripheral: it advertises, accepts
// one central, and notifies it with an incrementing counter until the
// process is signalled or no central connects within the inactivity
// timeout.
//
// Usage:
//
//	ble-server [--config path] [--init-config]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/ble-server/internal/ble"
	"github.com/chaz8081/ble-server/internal/config"
	"github.com/chaz8081/ble-server/internal/sink"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ble-server/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

// run serves until ctx is done or the inactivity timeout fires and returns
// the process exit code. Deferred cleanup runs before main exits.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	writes, closeSinks, err := openSinks(cfg, logger)
	if err != nil {
		logger.Error("Failed to open sink", "error", err)
		return 1
	}
	defer closeSinks()

	host, err := ble.NewHost(ble.HostConfig{
		Backend:   cfg.BLE.Backend,
		AdapterID: cfg.BLE.AdapterID,
		HCIDevice: cfg.BLE.HCIDevice,
	}, logger)
	if err != nil {
		logger.Error("Failed to create BLE host", "error", err)
		return 1
	}

	srv := ble.NewServer(host, ble.Options{
		DeviceName:        cfg.DeviceName,
		NotifyPeriod:      cfg.Notify.Period,
		MaxNotifyFailures: cfg.Notify.MaxFailures,
		InactivityTimeout: cfg.Lifecycle.InactivityTimeout,
		PollInterval:      cfg.Lifecycle.PollInterval,
		AdvertiseRetryMax: cfg.Lifecycle.AdvertiseRetryMax,
		ReadPayload:       []byte(cfg.Read.Payload),
		Sink:              writes,
		Logger:            logger,
	})

	if err := srv.Init(); err != nil {
		logger.Error("Failed to start BLE server. Check that the adapter is present and powered, and that the process may use it.", "error", err)
		return 1
	}

	logger.Info("Ready! Waiting for a central. Ctrl+C to quit.")
	runErr := srv.Run(ctx)
	switch {
	case errors.Is(runErr, ble.ErrInactivityTimeout):
		logger.Warn("No central connected, exiting", "timeout", cfg.Lifecycle.InactivityTimeout)
	case errors.Is(runErr, context.Canceled):
		logger.Info("Signal received, shutting down")
	case runErr != nil:
		logger.Error("Supervisory loop failed", "error", runErr)
	}

	if err := srv.Deinit(); err != nil {
		logger.Error("Deinit failed", "error", err)
	}
	logger.Info("Goodbye!", "notifications", srv.Count())

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	return 0
}

// openSinks builds the sink for client writes. They are always logged;
// sink.path adds a file copy, released by the returned close func.
func openSinks(cfg *config.Config, logger *slog.Logger) (sink.Tee, func(), error) {
	writes := sink.Tee{sink.NewLogSink(logger)}
	if cfg.Sink.Path == "" {
		return writes, func() {}, nil
	}
	fs, err := sink.OpenFile(cfg.Sink.Path)
	if err != nil {
		return nil, nil, err
	}
	closeFile := func() {
		if err := fs.Close(); err != nil {
			logger.Error("Failed to close sink", "path", cfg.Sink.Path, "error", err)
		}
	}
	return append(writes, fs), closeFile, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== ble-server ===")
	fmt.Printf("  Name:     %s\n", cfg.DeviceName)
	fmt.Printf("  Backend:  %s\n", backendLabel(cfg))
	fmt.Printf("  Service:  %s (write %s, notify %s)\n", ble.ServiceUUID, ble.WriteCharUUID, ble.NotifyCharUUID)
	fmt.Printf("  Notify:   every %s\n", cfg.Notify.Period)
	fmt.Printf("  Timeout:  %s\n", cfg.Lifecycle.InactivityTimeout)
	if cfg.Sink.Path != "" {
		fmt.Printf("  Sink:     %s\n", cfg.Sink.Path)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==================")
}

func backendLabel(cfg *config.Config) string {
	switch cfg.BLE.Backend {
	case "bluez":
		return fmt.Sprintf("bluez (%s)", cfg.BLE.AdapterID)
	case "hci":
		return fmt.Sprintf("hci (device %d)", cfg.BLE.HCIDevice)
	default:
		return cfg.BLE.Backend
	}
}
