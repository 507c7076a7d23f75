// Package archive provides PostgreSQL-backed durable storage for story
// messages. The Redis story log is the source of truth while a session is
// live but carries a TTL; the archiver copies confirmed messages into
// Postgres so finished stories survive the log's expiry.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/ajeebtech/betabondly-sub000/internal/story"
)

// Store persists story messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies any pending schema migrations from the given source
// directory (e.g. "file://migrations").
func (s *Store) Migrate(sourceURL string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// SaveMessages inserts messages for a session. Message ids are globally
// unique, so re-archiving the same history is a no-op: the insert skips rows
// that already exist. Returns the number of newly archived messages.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, msgs []story.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO story_messages (id, session_id, sender, text, sent_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	saved := 0
	for _, msg := range msgs {
		res, err := tx.ExecContext(ctx, query,
			msg.ID, sessionID, string(msg.Sender), msg.Text, msg.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("archive: insert %s: %w", msg.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			saved += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive: commit: %w", err)
	}
	return saved, nil
}

// History returns a session's archived messages in timestamp order.
func (s *Store) History(ctx context.Context, sessionID string) ([]story.Message, error) {
	const query = `
		SELECT id, sender, text, sent_at_ms
		FROM story_messages
		WHERE session_id = $1
		ORDER BY sent_at_ms, id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: history: %w", err)
	}
	defer rows.Close()

	var msgs []story.Message
	for rows.Next() {
		var msg story.Message
		var sender string
		if err := rows.Scan(&msg.ID, &sender, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		msg.Sender = story.Sender(sender)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: rows: %w", err)
	}
	return msgs, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		log.Printf("[archive] close: %v", err)
		return err
	}
	return nil
}
