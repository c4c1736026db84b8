// Command flashctl is the client half of the one-time firmware-flash
// session protocol: it probes hardware identity, establishes a session,
// fetches and decrypts firmware, and supervises the device-specific
// flashing tool.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashgrove/flashvault/internal/apiclient"
	"github.com/ashgrove/flashvault/internal/clientconfig"
	"github.com/ashgrove/flashvault/internal/ferrors"
	"github.com/ashgrove/flashvault/internal/flashagent"
	"github.com/ashgrove/flashvault/internal/hwprobe"
	"github.com/ashgrove/flashvault/internal/keycustodian"
	"github.com/ashgrove/flashvault/internal/toolrunner"
)

func main() {
	configPath := flag.String("config", "flashctl.yaml", "path to client config file")
	deviceType := flag.String("device", "", "device type to flash (must match a server device type)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *deviceType == "" {
		log.Fatal("-device is required")
	}

	cfg, err := clientconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	profile, ok := cfg.Profile(*deviceType)
	if !ok {
		log.Fatalf("no device profile configured for %q", *deviceType)
	}

	custodian, err := keycustodian.Open(cfg.ServiceName, cfg.KeySize)
	if err != nil {
		log.Fatalf("open key custodian: %v", err)
	}

	api := apiclient.New(cfg.ServerBaseURL, cfg.RequestTimeout())

	observer := flashagent.ObserverFunc(func(ev flashagent.Event) {
		if ev.ToolLine != "" {
			slog.Info("tool", "line", ev.ToolLine)
			return
		}
		slog.Info("flash session", "state", ev.Kind, "detail", ev.Detail, "artifact", ev.Artifact)
	})

	agent := flashagent.New(api, custodian, observer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fingerprint := hwprobe.Fingerprint()
	slog.Info("hardware identity established", "fingerprint_prefix", fingerprint[:8])

	tool := flashagent.ToolConfig{
		ToolsDir:          cfg.ToolsDir,
		ToolName:          profile.Tool,
		ArgumentTemplate:  profile.ArgumentTemplate,
		Allowlist:         toolrunner.AllowlistFromConfig(cfg.Allowlist),
		OverwritePasses:   cfg.OverwritePasses,
		IntegrityRequired: cfg.IntegrityRequired,
	}

	if err := agent.Run(ctx, fingerprint, *deviceType, tool); err != nil {
		if ferrors.Is(err, ferrors.Cancelled) {
			slog.Warn("flash session cancelled")
			os.Exit(1)
		}
		slog.Error("flash session failed", "error", err)
		os.Exit(1)
	}
	slog.Info("flash session complete")
}
