package main

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qyb/claude-relay-service/internal/account"
	"github.com/qyb/claude-relay-service/internal/antigravity"
	"github.com/qyb/claude-relay-service/internal/config"
	"github.com/qyb/claude-relay-service/internal/cooldown"
	"github.com/qyb/claude-relay-service/internal/executor"
	"github.com/qyb/claude-relay-service/internal/handler"
)

// startMaintenance prunes expired cooldown rows from the store once an
// hour so the sqlite file does not accumulate stale state across restarts.
func startMaintenance(store *cooldown.Store) {
	go func() {
		time.Sleep(2 * time.Second)
		if err := store.PruneExpired(); err != nil {
			log.WithError(err).Warn("cooldown store prune failed")
		}

		ticker := time.NewTicker(1 * time.Hour)
		for range ticker.C {
			if err := store.PruneExpired(); err != nil {
				log.WithError(err).Warn("cooldown store prune failed")
			}
		}
	}()
}

func main() {
	cfg := config.Load()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cooldowns := cooldown.NewManager()
	if cfg.CooldownDBPath != "" {
		store, err := cooldown.NewStore(cfg.CooldownDBPath)
		if err != nil {
			log.WithError(err).Fatal("failed to open cooldown store")
		}
		if err := cooldowns.SetStore(store); err != nil {
			log.WithError(err).Fatal("failed to load cooldown state")
		}
		startMaintenance(store)
	}

	transport := antigravity.NewTransport(cooldowns, antigravity.TransportConfig{
		BaseURLOverride:          cfg.BaseURLOverride,
		DisableFallback:          cfg.DisableFallback,
		MaxFallbacks:             cfg.MaxEndpointFallbacks,
		ModelUnavailableCooldown: cfg.ModelUnavailableCooldown,
		ModelCapacityCooldown:    cfg.ModelCapacityCooldown,
	})

	exec := executor.New(
		account.NewStaticPoolFromEnv(),
		transport,
		cooldowns,
		antigravity.NewSignatureCache(),
		cfg,
	)

	mux := http.NewServeMux()
	handler.NewProxy(exec).Register(mux)

	log.Infof("listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
