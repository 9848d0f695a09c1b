package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/shellgate/shellgate/internal/audit"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/handlers"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/middleware"
	"github.com/shellgate/shellgate/internal/provider"
	"github.com/shellgate/shellgate/internal/session"
	"github.com/shellgate/shellgate/internal/token"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--generate-token-key":
			runGenerateTokenKey()
			return
		case "--issue-token":
			runIssueToken()
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

	verifier, err := token.NewVerifier(config.Cfg.TokenKey, config.Cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Token key init: %v", err)
	}
	if verifier == nil {
		log.Printf("WARNING: no token key configured, WebSocket endpoint is unauthenticated")
	}

	providers := map[provider.Kind]provider.Provider{
		provider.KindSSH: &provider.SSHProvider{Timeout: config.Cfg.ConnectTimeout},
	}
	if config.Cfg.DockerEnabled {
		providers[provider.KindDocker] = &provider.DockerProvider{Host: config.Cfg.DockerHost}
		log.Printf("Docker provider enabled (host=%q)", config.Cfg.DockerHost)
	}

	registry := session.NewRegistry()

	handlers.Registry = registry
	handlers.Providers = providers
	handlers.TokenVerifier = verifier

	// Audit pruning on a schedule
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.AuditPruneSchedule, func() {
		if _, err := audit.Get().Prune(); err != nil {
			log.Printf("Audit prune: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid audit prune schedule %q: %v", config.Cfg.AuditPruneSchedule, err)
	}
	scheduler.Start()

	restrictIPs, err := middleware.RestrictIPs(config.Cfg.AllowedIPs)
	if err != nil {
		log.Fatalf("Invalid SHELLGATE_ALLOWED_IPS: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(restrictIPs)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws", handlers.GatewayWS)
	r.Get("/api/v1/audit", handlers.ListAuditLogs)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runGenerateTokenKey() {
	key, err := token.GenerateKey()
	if err != nil {
		log.Fatalf("Generate token key: %v", err)
	}
	fmt.Println(key)
}

func runIssueToken() {
	config.Load()
	verifier, err := token.NewVerifier(config.Cfg.TokenKey, config.Cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Token key init: %v", err)
	}
	if verifier == nil {
		log.Fatal("SHELLGATE_TOKEN_KEY is not set")
	}
	tok, err := verifier.Issue()
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(tok)
}
