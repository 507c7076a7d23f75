package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ajeebtech/betabondly-sub000/internal/archive"
	"github.com/ajeebtech/betabondly-sub000/internal/handler"
	"github.com/ajeebtech/betabondly-sub000/internal/moderator"
	"github.com/ajeebtech/betabondly-sub000/internal/notify"
	"github.com/ajeebtech/betabondly-sub000/internal/presence"
	"github.com/ajeebtech/betabondly-sub000/internal/ratelimit"
	"github.com/ajeebtech/betabondly-sub000/internal/storylog"
)

func main() {
	log.Println("Starting story coordination server...")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	listenAddr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	// --- Redis (story log + presence + rate limiting) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	logStore, err := storylog.Connect(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	presenceStore := presence.NewStore(logStore.Client())
	limiter := ratelimit.NewLimiter(logStore.Client())

	// --- NATS (optional: update nudges) ---
	var notifier *notify.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := notify.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "storyd"
		notifier, err = notify.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	} else {
		log.Println("NATS_URL not set, update nudges disabled")
	}

	// --- Postgres (optional: durable archive) ---
	var archiveStore *archive.Store
	archiveCtx, archiveCancel := context.WithCancel(context.Background())
	defer archiveCancel()
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		archiveStore, err = archive.Open(dsn)
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		migrationsURL := "file://migrations"
		if v := os.Getenv("MIGRATIONS_URL"); v != "" {
			migrationsURL = v
		}
		if err := archiveStore.Migrate(migrationsURL); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		go archive.Run(archiveCtx, archiveStore, logStore, logStore)
	} else {
		log.Println("POSTGRES_DSN not set, archiving disabled")
	}

	var notifierIface moderator.Notifier
	if notifier != nil {
		notifierIface = notifier
	}
	overrideService := moderator.NewService(logStore, notifierIface)

	var archiveIface handler.Archive
	if archiveStore != nil {
		archiveIface = archiveStore
	}
	api := handler.NewAPI(presenceStore, overrideService, logStore, limiter, archiveIface)
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	log.Printf("story coordination server running")
	log.Printf("  listen_addr: %s", listenAddr)
	log.Printf("  redis_addr:  %s", redisAddr)
	log.Printf("  nats:        %v", notifier != nil)
	log.Printf("  archive:     %v", archiveStore != nil)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		archiveCancel()
		if notifier != nil {
			notifier.Close()
		}
		if archiveStore != nil {
			archiveStore.Close()
		}
		if err := logStore.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	log.Println("server stopped")
}
