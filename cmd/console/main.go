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

	"github.com/ajeebtech/betabondly-sub000/internal/console"
	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

func main() {
	log.Println("Starting moderator console...")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	baseURL := "http://localhost:8080"
	if v := os.Getenv("STORYD_URL"); v != "" {
		baseURL = v
	}
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
		log.Printf("SESSION_ID not set, generated %s", sessionID)
	}

	client := console.NewClient(baseURL)
	watchdog := console.NewWatchdog(client, console.WatchdogConfig{
		SessionID: sessionID,
		OnReconnect: func() {
			log.Printf("[console] presence restored for session=%s", sessionID)
		},
	})

	ctx := context.Background()
	if err := watchdog.Start(ctx); err != nil {
		log.Fatalf("failed to connect to %s: %v", baseURL, err)
	}

	log.Printf("moderator console connected")
	log.Printf("  storyd_url: %s", baseURL)
	log.Printf("  session_id: %s", sessionID)
	fmt.Println("Type a message to send it as the moderator.")
	fmt.Println("Commands: /log (show history), /sessions (list active), /quit")

	// Clean disconnect on signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, disconnecting...", sig)
		shutdown(watchdog)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			shutdown(watchdog)

		case line == "/sessions":
			active, err := client.ListActive(ctx)
			if err != nil {
				log.Printf("list sessions: %v", err)
				continue
			}
			fmt.Printf("active sessions (%d):\n", len(active))
			for _, id := range active {
				fmt.Printf("  %s\n", id)
			}

		case line == "/log":
			history, turn, err := client.Messages(ctx, sessionID)
			if err != nil {
				log.Printf("fetch history: %v", err)
				continue
			}
			for _, msg := range history {
				printMessage(msg)
			}
			fmt.Printf("-- turn: %s --\n", turn)

		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)

		default:
			msg, err := client.SendOverride(ctx, sessionID, line)
			if err != nil {
				log.Printf("send override: %v", err)
				continue
			}
			printMessage(msg)
		}
	}

	shutdown(watchdog)
}

func printMessage(msg story.Message) {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	fmt.Printf("[%s] %-12s %s\n", ts, msg.Sender, msg.Text)
}

func shutdown(watchdog *console.Watchdog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watchdog.Stop(ctx); err != nil {
		log.Printf("disconnect error: %v", err)
	}
	os.Exit(0)
}
