// Command ble-servicetest is a manual bring-up test for the peripheral.
// It initializes the server, leaves it advertising for the hold window,
// then deinitializes it. Any step failing exits non-zero.
//
// Usage:
//
//	go run ./cmd/ble-servicetest [--backend bluez|hci|tinygo] [--hold 25s]
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/ble-server/internal/ble"
	"github.com/chaz8081/ble-server/internal/sink"
)

func main() {
	backend := flag.String("backend", "bluez", "host backend: bluez, hci or tinygo")
	adapter := flag.String("adapter", "hci0", "BlueZ adapter id")
	hciDev := flag.Int("hci-device", -1, "raw HCI device index, -1 for any")
	hold := flag.Duration("hold", 25*time.Second, "how long to stay up before deinit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	host, err := ble.NewHost(ble.HostConfig{Backend: *backend, AdapterID: *adapter, HCIDevice: *hciDev}, logger)
	if err != nil {
		log.Fatalf("host: %v", err)
	}

	srv := ble.NewServer(host, ble.Options{
		NotifyPeriod: 2 * time.Second,
		// Outlast the hold window so the test controls shutdown.
		InactivityTimeout: *hold + time.Minute,
		Sink:              sink.NewLogSink(logger),
		Logger:            logger,
	})

	if err := srv.Init(); err != nil {
		log.Fatalf("init: %v", err)
	}
	fmt.Println("BLE service initialized, advertising...")

	deadline := time.Now().Add(*hold)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		fmt.Printf("  phase=%s state=%s count=%d (%s left)\n", srv.Phase(), srv.State(), srv.Count(), remaining.Round(time.Second))
		time.Sleep(min(5*time.Second, remaining))
	}

	if err := srv.Deinit(); err != nil {
		log.Fatalf("deinit: %v", err)
	}
	if err := srv.Deinit(); err == nil {
		log.Fatalf("second deinit: expected an error")
	}
	fmt.Println("\nBLE service deinitialized. Done!")
}
