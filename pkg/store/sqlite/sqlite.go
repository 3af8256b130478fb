package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/store"
)

// Store implements SessionStore and EventStore using SQLite.
type Store struct {
	db *sql.DB
	// appendMu keeps seq allocation and insert atomic per process.
	appendMu sync.Mutex
}

// Verify interface compliance at compile time.
var _ store.SessionStore = (*Store)(nil)
var _ store.EventStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		task TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'initialized',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		observation TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '{}',
		message TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = store.StatusInitialized
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent, model, image, task, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Agent, sess.Model, sess.Image, sess.Task, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess := &store.Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent, model, image, task, status, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Agent, &sess.Model, &sess.Image, &sess.Task, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, model, image, task, status, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.ID, &sess.Agent, &sess.Model, &sess.Image, &sess.Task, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, id, task, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET task = CASE WHEN ? = '' THEN task ELSE ? END, status = ?, updated_at = ? WHERE id = ?`,
		task, task, status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// --- EventStore ---

func (s *Store) AppendEvent(ctx context.Context, sessionID string, env domain.Envelope) (store.Event, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var maxSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq)
	if err != nil {
		return store.Event{}, err
	}

	args := string(env.Args)
	if args == "" {
		args = "{}"
	}
	ev := store.Event{SessionID: sessionID, Seq: maxSeq + 1, Envelope: env, Timestamp: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, action, observation, args, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.Seq, string(env.Action), string(env.Observation), args, env.Message, ev.Timestamp,
	)
	if err != nil {
		return store.Event{}, err
	}
	return ev, nil
}

func (s *Store) Events(ctx context.Context, sessionID string, afterSeq int) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, action, observation, args, message, timestamp
		 FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var (
			ev                        store.Event
			action, observation, args string
		)
		if err := rows.Scan(&ev.Seq, &action, &observation, &args, &ev.Envelope.Message, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID
		ev.Envelope.Action = domain.ActionType(action)
		ev.Envelope.Observation = domain.ObservationType(observation)
		ev.Envelope.Args = json.RawMessage(args)
		events = append(events, ev)
	}
	return events, rows.Err()
}
