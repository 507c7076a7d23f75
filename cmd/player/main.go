package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ajeebtech/betabondly-sub000/internal/gate"
	"github.com/ajeebtech/betabondly-sub000/internal/narrator"
	"github.com/ajeebtech/betabondly-sub000/internal/notify"
	"github.com/ajeebtech/betabondly-sub000/internal/reconcile"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
	"github.com/ajeebtech/betabondly-sub000/internal/storylog"
)

func main() {
	log.Println("Starting story player...")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
		log.Printf("SESSION_ID not set, generated %s (share it with the other player)", sessionID)
	}

	role := story.Sender(os.Getenv("ROLE"))
	if role == "" {
		role = story.SenderParticipantA
	}
	if !role.Valid() || role == story.SenderModerator {
		log.Fatalf("ROLE must be %q or %q", story.SenderParticipantA, story.SenderParticipantB)
	}

	logStore, err := storylog.Connect(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// Narrator: use the Ark model when configured, otherwise canned beats so
	// the game is playable without an API key.
	var gen gate.Narrator
	arkCfg := narrator.ArkConfigFromEnv()
	if arkCfg.Enabled() {
		ark, err := narrator.NewArk(context.Background(), arkCfg)
		if err != nil {
			log.Fatalf("failed to init ark narrator: %v", err)
		}
		gen = ark
		log.Printf("narrator: ark model %s", arkCfg.Model)
	} else {
		gen = narrator.NewScripted()
		log.Println("narrator: scripted (set ARK_API_KEY and ARK_MODEL for a live model)")
	}

	narrationGate := gate.New(logStore, gen, logStore.Client())

	// The gate is evaluated on every poll tick, not only when the history
	// changes: a failed generation leaves the history untouched and must be
	// retried on the next natural tick. It runs in its own goroutine so a slow
	// model call never blocks the polling loop; the gate's in-flight guard
	// dedupes overlapping evaluations.
	var loop *reconcile.Loop
	tr := newTranscript(os.Stdout, role)
	loop = reconcile.NewLoop(logStore, reconcile.Config{
		SessionID: sessionID,
		Role:      role,
		OnPoll: func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				defer cancel()
				outcome, err := narrationGate.Evaluate(ctx, sessionID)
				if err != nil {
					log.Printf("[player] gate: %v", err)
				}
				if outcome == gate.OutcomeNarrated {
					loop.Poke()
				}
			}()
		},
	}, tr.render)

	// NATS nudges are optional: a nudge just moves the next poll forward.
	var notifier *notify.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := notify.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "player-" + string(role)
		notifier, err = notify.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		if err := notifier.SubscribeUpdates(sessionID, loop.Poke); err != nil {
			log.Printf("nudge subscribe failed (polling continues): %v", err)
		}
	}

	loop.Start()

	log.Printf("player running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  session_id: %s", sessionID)
	log.Printf("  role:       %s", role)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		shutdown(loop, notifier, logStore, sessionID)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			shutdown(loop, notifier, logStore, sessionID)
		}

		if turn := loop.Turn(); turn != story.Turn(role) {
			fmt.Printf("(not your turn: waiting on %s)\n", turn)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := loop.Send(ctx, text)
		cancel()
		if err != nil {
			log.Printf("send failed, message discarded: %v", err)
			continue
		}
		if notifier != nil {
			notifier.PublishUpdate(sessionID)
		}
	}

	shutdown(loop, notifier, logStore, sessionID)
}

func shutdown(loop *reconcile.Loop, notifier *notify.Client, logStore *storylog.Store, sessionID string) {
	loop.Stop()
	if notifier != nil {
		if err := notifier.UnsubscribeUpdates(sessionID); err != nil {
			log.Printf("nudge unsubscribe: %v", err)
		}
		notifier.Close()
	}
	if err := logStore.Close(); err != nil {
		log.Printf("redis close error: %v", err)
	}
	os.Exit(0)
}
