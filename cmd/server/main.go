package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livre-auth/backend/internal/audit"
	auditrepo "livre-auth/backend/internal/audit/repository"
	"livre-auth/backend/internal/challenge"
	challengerepo "livre-auth/backend/internal/challenge/repository"
	"livre-auth/backend/internal/config"
	"livre-auth/backend/internal/db"
	identityservice "livre-auth/backend/internal/identity/service"
	"livre-auth/backend/internal/mail"
	"livre-auth/backend/internal/passkey/ceremony"
	passkeyrepo "livre-auth/backend/internal/passkey/repository"
	"livre-auth/backend/internal/security"
	"livre-auth/backend/internal/server"
	"livre-auth/backend/internal/server/middleware"
	"livre-auth/backend/internal/telemetry"
	otelsetup "livre-auth/backend/internal/telemetry/otel"
	userrepo "livre-auth/backend/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tokens, err := security.LoadTokenCodec(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.AccessTTL())
	if err != nil {
		log.Fatalf("jwt: %v", err)
	}

	var (
		conn      *sql.DB
		users     userrepo.Repository
		passkeys  passkeyrepo.Repository
		markers   challenge.MarkerStore
		auditRepo auditrepo.Repository
	)
	if cfg.DatabaseURL != "" {
		conn, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer conn.Close()
		users = userrepo.NewPostgresRepository(conn)
		passkeys = passkeyrepo.NewPostgresRepository(conn)
		markers = challengerepo.NewPostgresRepository(conn)
		auditRepo = auditrepo.NewPostgresRepository(conn)
	} else {
		if cfg.IsProduction() {
			log.Fatal("DATABASE_URL is required when APP_ENV=production")
		}
		log.Println("DATABASE_URL not set; using in-memory stores (state is lost on restart)")
		users = userrepo.NewMemoryRepository()
		passkeys = passkeyrepo.NewMemoryRepository()
		markers = challengerepo.NewMemoryStore()
		auditRepo = auditrepo.NewMemoryRepository()
	}

	ctx := context.Background()
	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	events := otelsetup.NewEventEmitter(providers.LoggerProvider)

	auditLogger := audit.NewLogger(auditRepo, middleware.ClientIPFromContext)
	ledger := challenge.NewLedger(users, markers, tokens, cfg.ChallengeTTL())
	engine, err := ceremony.New(ceremony.Config{
		RPID:               cfg.WebAuthnRPID,
		RPDisplayName:      cfg.WebAuthnRPName,
		RPOrigins:          cfg.RPOrigins(),
		Timeout:            cfg.ChallengeTTL(),
		AllowZeroSignCount: cfg.AllowZeroSignCount,
	}, ledger, users, passkeys, auditLogger, events)
	if err != nil {
		log.Fatalf("webauthn: %v", err)
	}

	var senders mail.Multi
	if cfg.MailRelayURL != "" {
		senders = append(senders, mail.NewRelayClient(cfg.MailRelayAPIKey, cfg.MailRelayURL, cfg.MailFrom))
	}
	var outbox *mail.Outbox
	if cfg.MailDevOutbox {
		outbox = mail.NewOutbox()
		senders = append(senders, outbox)
	}
	if len(senders) == 0 {
		log.Println("mail: no relay or dev outbox configured; outgoing mail is discarded")
		senders = append(senders, mail.Discard{})
	}

	authService := identityservice.NewAuthService(identityservice.Config{
		AppOrigin:    cfg.AppOrigin,
		MagicLinkTTL: cfg.MagicLinkTTL(),
	}, users, passkeys, engine, ledger, tokens, mail.NewAsync(senders), auditLogger, events)

	deps := server.Deps{
		Auth:         authService,
		Tokens:       tokens,
		Users:        users,
		CookieSecure: !cfg.CookieInsecure,
		AuditLogger:  auditLogger,
		Events:       events,
	}
	if conn != nil {
		deps.HealthPinger = conn
	}
	if outbox != nil && !cfg.IsProduction() {
		deps.DevMagicLinks = outbox
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}
