// Command flashd is the server half of the one-time firmware-flash session
// protocol: it hosts the Firmware Vault, the Session Authority, and the
// Transfer Endpoint behind an HTTP/JSON API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashgrove/flashvault/internal/ledger"
	"github.com/ashgrove/flashvault/internal/serverconfig"
	"github.com/ashgrove/flashvault/internal/session"
	"github.com/ashgrove/flashvault/internal/transfer"
	"github.com/ashgrove/flashvault/internal/vault"
	"github.com/ashgrove/flashvault/pkg/flashcrypto"
)

func main() {
	configPath := flag.String("config", "flashd.yaml", "path to server config file")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	cfg, err := serverconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		if !serverconfig.IsDevGenerate(err) {
			log.Fatalf("master key unavailable: %v", err)
		}
		slog.Warn("no master_key_base64 configured; generating a DEVELOPMENT-ONLY key for this process", "dev_mode", true)
		masterKey, err = flashcrypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate dev master key: %v", err)
		}
	}
	defer flashcrypto.Zero(masterKey)

	devices := vault.NewTable(cfg.Devices)
	v, err := vault.New(masterKey, cfg.StorageDir, devices)
	if err != nil {
		log.Fatalf("vault init failed: %v", err)
	}
	defer v.Close()

	authority := session.New(cfg.SessionTTL())
	srv := transfer.New(v, authority, ledger.NoopLedger{})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				authority.Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
