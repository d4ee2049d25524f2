// Worker periodically prunes expired consumed-challenge markers and magic links.
// Set DATABASE_URL; JANITOR_INTERVAL controls the sweep period (default 10m).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"livre-auth/backend/internal/challenge"
	challengerepo "livre-auth/backend/internal/challenge/repository"
	"livre-auth/backend/internal/config"
	"livre-auth/backend/internal/db"
	"livre-auth/backend/internal/janitor"
	userrepo "livre-auth/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	users := userrepo.NewPostgresRepository(conn)
	// The ledger only needs its marker store to purge; it never issues tokens here.
	ledger := challenge.NewLedger(users, challengerepo.NewPostgresRepository(conn), nil, cfg.ChallengeTTL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	interval := cfg.JanitorInterval()
	log.Printf("worker: sweeping expired challenges and magic links every %s", interval)
	janitor.New(ledger, users, interval).Run(ctx)
	log.Println("worker: stopped")
}
