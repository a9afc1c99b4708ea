// Package main runs the Lumen sync daemon: the offline-first sync engine
// for notes and call recordings, headless, driven by the local database and
// the remote sync service.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenhq/lumen/internal/api"
	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/auth"
	"github.com/lumenhq/lumen/internal/config"
	"github.com/lumenhq/lumen/internal/db"
	"github.com/lumenhq/lumen/internal/logging"
	"github.com/lumenhq/lumen/internal/push"
	"github.com/lumenhq/lumen/internal/sync"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lumen-syncd v%s\n", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lumen-syncd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Init(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.WithComponent("main")
	log.WithField("version", Version).Info("lumen-syncd starting")

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database)
	if err := migrator.Apply(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := db.NewStore(database)

	tokenStore, err := auth.NewTokenStore(database)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	tokens, err := tokenStore.Load()
	if err != nil {
		if apperrors.IsNotFound(err) {
			return fmt.Errorf("no stored credentials; sign in from the app first")
		}
		return fmt.Errorf("load tokens: %w", err)
	}

	client := api.NewClient(cfg.ServerURL, cfg.API, *tokens)

	channel, err := push.NewChannel(cfg.ServerURL, cfg.UserID, cfg.Push)
	if err != nil {
		return fmt.Errorf("build push channel: %w", err)
	}

	orch := sync.NewOrchestrator(store, client, channel, tokenStore, cfg.Sync)
	orch.OnStatusChange(func(s sync.Status) {
		log.WithField("status", string(s)).Info("sync status changed")
	})
	orch.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	orch.Stop()
	return nil
}
