package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/cache"
	"github.com/mcalero11/pos-inteligente-sv/internal/changelog"
	"github.com/mcalero11/pos-inteligente-sv/internal/config"
	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
	"github.com/mcalero11/pos-inteligente-sv/internal/register"
	"github.com/mcalero11/pos-inteligente-sv/internal/signing"
	"github.com/mcalero11/pos-inteligente-sv/internal/syncer"
	"github.com/mcalero11/pos-inteligente-sv/internal/transport"
)

func main() {
	// Structured logger — dev: pretty, prod: JSON
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Env == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Exclusive store ownership: refuse to run next to another process.
	lock, err := changelog.AcquireLock(cfg.DataDir, cfg.TerminalID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to lock terminal store")
	}
	defer lock.Release()

	db, err := changelog.Open(cfg.DataDir, cfg.TerminalID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open change log")
	}
	clog := changelog.NewLog(db)

	clock := document.NewClock()
	store := document.NewStore(cfg.TerminalID, clog, clock)

	signer, err := signing.NewHMACSigner([]byte(cfg.SigningKey), cfg.TerminalID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build signer")
	}
	store.SetVerifier(signer.Verify)

	// Rebuild the document from durable state. Corruption poisons the store
	// but the process stays up so the operator can inspect and resync.
	if err := changelog.Restore(clog, store); err != nil {
		log.Error().Err(err).Msg("restore failed, store refusing mutations until resync")
	}

	machine := register.NewMachine(store, clock, signer)
	products := cache.NewManager(store, clock, cfg.MaxCachedProducts)

	peers := syncer.NewDirectory(cfg.PeerTimeout())
	engine := syncer.NewEngine(store, clog, peers, transport.NewWSTransport(), syncer.Config{
		SyncInterval: cfg.SyncInterval(),
		SendTimeout:  cfg.SendTimeout(),
		GapTimeout:   cfg.GapTimeout(),
	})
	compactor := changelog.NewCompactor(clog, store, cfg.CompactInterval(), cfg.SalesRetention())
	machine.SetArchiver(compactor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go compactor.Run(ctx)
	go logNotifications(ctx, store)

	if cfg.ServerAddr != "" {
		go announceToServer(ctx, cfg, peers)
	}

	srv := transport.NewServer(store, engine, peers, machine, products, cfg.Env)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.P2PPort),
		Handler: srv.Router(),
	}
	go func() {
		log.Info().Int("port", cfg.P2PPort).Str("terminal_id", cfg.TerminalID).
			Msg("terminal sync core listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listener failed")
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// logNotifications drains the store's change stream; the host UI subscribes
// the same way to refresh after every committed mutation.
func logNotifications(ctx context.Context, store *document.Store) {
	ch := store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			log.Debug().Str("change_set", n.ChangeSetID).Bool("remote", n.Remote).
				Msg("document changed")
		}
	}
}

// announceToServer registers this terminal with the reconciliation server and
// keeps the registration fresh. The server is just a peer with IsServer set.
func announceToServer(ctx context.Context, cfg *config.Config, peers *syncer.Directory) {
	body, _ := json.Marshal(map[string]any{
		"terminal_id": cfg.TerminalID,
		"address":     fmt.Sprintf("0.0.0.0:%d", cfg.P2PPort),
	})
	ticker := time.NewTicker(cfg.PeerTimeout() / 2)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			"http://"+cfg.ServerAddr+"/announce", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			if resp, err := http.DefaultClient.Do(req); err == nil {
				var info model.PeerInfo
				if decodeErr := json.NewDecoder(resp.Body).Decode(&info); decodeErr == nil && info.TerminalID != "" {
					peers.Observe(info.TerminalID, cfg.ServerAddr, true)
				}
				_ = resp.Body.Close()
			} else {
				log.Debug().Err(err).Msg("server announce failed, will retry")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
