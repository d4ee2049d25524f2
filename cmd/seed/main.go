// seed creates the development user (dev@example.com) for local testing.
// Idempotent: does nothing if the user already exists. Sign in through a magic link; there is no password.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"livre-auth/backend/internal/config"
	"livre-auth/backend/internal/db"
	userdomain "livre-auth/backend/internal/user/domain"
	userrepo "livre-auth/backend/internal/user/repository"
)

const devUserEmail = "dev@example.com"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users := userrepo.NewPostgresRepository(conn)
	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		log.Fatalf("seed: lookup: %v", err)
	}
	if existing != nil {
		log.Printf("seed: %s already exists (id %s)", devUserEmail, existing.ID)
		return
	}

	now := time.Now().UTC()
	u := &userdomain.User{
		ID:        uuid.New().String(),
		Email:     devUserEmail,
		Username:  userdomain.UsernameFromEmail(devUserEmail),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := u.Validate(); err != nil {
		log.Fatalf("seed: %v", err)
	}
	if err := users.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrEmailTaken) {
			log.Printf("seed: %s created concurrently", devUserEmail)
			return
		}
		log.Fatalf("seed: create: %v", err)
	}
	log.Printf("seed: created %s (id %s)", devUserEmail, u.ID)
}
