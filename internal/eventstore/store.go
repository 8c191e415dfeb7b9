// Package eventstore journals session events to SQLite and keeps a running
// report of words that had no sign clip.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/presentation"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is a journaled session event.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// MissingWord counts how often a recognized word had no clip.
type MissingWord struct {
	Word        string    `json:"word"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store is a SQLite-backed session journal. In ephemeral mode it keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    utterances INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    last_event_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, id);
CREATE TABLE IF NOT EXISTS missing_words (
    word TEXT PRIMARY KEY,
    occurrences INTEGER NOT NULL,
    first_seen TEXT NOT NULL,
    last_seen TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit journals evt. It makes the store usable as a presentation sink.
func (s *Store) Emit(ctx context.Context, evt presentation.Event) error {
	if !s.enabled() {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	ts := created.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, utterances, created_at, last_event_at) VALUES(?, 0, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_event_at = excluded.last_event_at`,
		evt.SessionID, ts, ts); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_id, sequence, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Sequence, string(evt.Type), payload, ts); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if evt.Type == presentation.TextRecognized {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET utterances = utterances + 1 WHERE session_id = ?`, evt.SessionID); err != nil {
			return fmt.Errorf("count utterance: %w", err)
		}
	}
	if evt.Type == presentation.ResultsReady {
		for _, word := range evt.Missing {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO missing_words(word, occurrences, first_seen, last_seen) VALUES(?, 1, ?, ?)
				 ON CONFLICT(word) DO UPDATE SET occurrences = occurrences + 1, last_seen = excluded.last_seen`,
				word, ts, ts); err != nil {
				return fmt.Errorf("record missing word: %w", err)
			}
		}
	}
	return tx.Commit()
}

// ListSessionEvents returns up to limit events of a session in emission order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = payload
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MissingWords reports the most frequent words without a clip.
func (s *Store) MissingWords(ctx context.Context, limit int) ([]MissingWord, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT word, occurrences, first_seen, last_seen FROM missing_words
		 ORDER BY occurrences DESC, word ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var words []MissingWord
	for rows.Next() {
		var w MissingWord
		var first, last string
		if err := rows.Scan(&w.Word, &w.Occurrences, &first, &last); err != nil {
			return nil, err
		}
		w.FirstSeen = parseTime(first)
		w.LastSeen = parseTime(last)
		words = append(words, w)
	}
	return words, rows.Err()
}

// Prune applies the configured retention. It runs on open and may be scheduled.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_event_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_event_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
