package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"idgate.io/internal/config"
	"idgate.io/internal/httpapi"
	"idgate.io/internal/keys"
	"idgate.io/internal/oauth"
	"idgate.io/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	km, err := keys.NewFromFiles(cfg.PrivateKeyFile, cfg.PublicKeyFile)
	if err != nil {
		log.Fatalf("load signing keys: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise (dev mode).
	var (
		db    *sql.DB
		store oauth.Store
	)
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = oauth.NewPGStore(db)
	} else {
		log.Printf("IDGATE_PG_DSN not set, using in-memory store")
		store = oauth.NewMemoryStore()
	}

	svc, err := oauth.NewService(store, km,
		oauth.WithIssuer(cfg.Issuer),
		oauth.WithAccessTTL(cfg.AccessTTL),
		oauth.WithIDTokenTTL(cfg.IDTokenTTL),
		oauth.WithRefreshTTL(cfg.RefreshTTL),
		oauth.WithCodeTTL(cfg.CodeTTL),
		oauth.WithReuseHook(obs.RefreshReuseDetected),
	)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	verifier := oauth.NewVerifier(km, cfg.Issuer)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, verifier, km)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Background sweep for expired codes and refresh tokens. Expiry is
	// enforced at validation time regardless; this just bounds table growth.
	cleanupCtx, cleanupStop := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				codes, tokens, err := svc.CleanupExpired(cleanupCtx)
				if err != nil {
					log.Printf("cleanup: %v", err)
					continue
				}
				if codes > 0 || tokens > 0 {
					log.Printf("cleanup: removed %d codes, %d refresh tokens", codes, tokens)
				}
			}
		}
	}()

	log.Printf("Starting idgate-api %s on %s (issuer %s)", version, srv.Addr, cfg.Issuer)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cleanupStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
