// Package session persists session-id to card-id bindings so that a
// SessionUnicast message can be routed to the same upstream a prior
// CardUnicast message on the same session was routed to.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// TTL is how long a session binding is retained before the eviction sweep
// purges it.
const TTL = 48 * time.Hour

// EvictionInterval is how often the background sweep runs after its
// initial pass on Open.
const EvictionInterval = 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS session_users (
	session_id TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is a durable session_id -> user_id table backed by sqlite. All
// operations are safe for concurrent use.
type Store struct {
	db *sqlx.DB

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens (creating if necessary) the sqlite database at path, under
// write-ahead logging so dispatcher writes don't block concurrent reads,
// and starts the background eviction loop. The first eviction sweep runs
// immediately rather than waiting a full EvictionInterval, so a daemon
// that runs for a long time without restarting does not accumulate a full
// day of stale rows before its first pass.
func Open(path string) (*Store, error) {
	dsn := url.URL{
		Scheme: "file",
		Opaque: path,
		RawQuery: url.Values{
			"_journal_mode": {"WAL"},
			"_busy_timeout": {"5000"},
		}.Encode(),
	}

	db, err := sqlx.Connect("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{db: db, cancel: cancel}

	s.wg.Add(1)
	go s.evictLoop(ctx)

	return s, nil
}

// Put inserts or replaces the binding for sessionID, with its timestamp
// set to now.
func (s *Store) Put(sessionID, userID string) error {
	_, err := s.db.NamedExec(
		`INSERT INTO session_users (session_id, user_id, updated_at)
		 VALUES (:session_id, :user_id, :updated_at)
		 ON CONFLICT(session_id) DO UPDATE SET user_id = :user_id, updated_at = :updated_at`,
		map[string]any{
			"session_id": sessionID,
			"user_id":    userID,
			"updated_at": time.Now().Unix(),
		},
	)
	if err != nil {
		return fmt.Errorf("session: put %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the user id bound to sessionID, or ("", false) if no
// binding exists. A missing binding is not an error.
func (s *Store) Get(sessionID string) (string, bool, error) {
	var userID string
	err := s.db.Get(&userID, `SELECT user_id FROM session_users WHERE session_id = ?`, sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	return userID, true, nil
}

func (s *Store) evict() error {
	cutoff := time.Now().Add(-TTL).Unix()
	_, err := s.db.Exec(`DELETE FROM session_users WHERE updated_at < ?`, cutoff)
	return err
}

func (s *Store) evictLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.evict(); err != nil {
		// Eviction failures are not fatal to session serving; the next
		// scheduled sweep will retry.
		_ = err
	}

	ticker := time.NewTicker(EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.evict()
		}
	}
}

// Close stops the eviction loop and closes the underlying database.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
