// Package journal records the last payload published for each sensor
// in SQLite so that it survives restarts and can be inspected with
// "mqttsensord last". It is an audit aid, not a replay queue: the
// scheduler never reads it back.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/randomstring/MQTTsensord/internal/scheduler"
)

// FileName is the journal database name inside the data directory.
const FileName = "journal.db"

// Entry is the last publish recorded for one sensor.
type Entry struct {
	Sensor      string    `json:"sensor"`
	Topic       string    `json:"topic"`
	Payload     string    `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
	Publishes   int64     `json:"publishes"`
}

// Store is the SQLite-backed journal. All methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS last_published (
		sensor       TEXT PRIMARY KEY,
		topic        TEXT NOT NULL,
		payload      TEXT NOT NULL,
		published_at TEXT NOT NULL,
		publishes    INTEGER NOT NULL DEFAULT 1
	);
	`)
	return err
}

// Record upserts the last publish for a sensor and bumps its publish
// count.
func (s *Store) Record(ctx context.Context, sensor, topic string, payload []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_published (sensor, topic, payload, published_at, publishes)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (sensor) DO UPDATE
		 SET topic = excluded.topic,
		     payload = excluded.payload,
		     published_at = excluded.published_at,
		     publishes = last_published.publishes + 1`,
		sensor, topic, string(payload), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", sensor, err)
	}
	return nil
}

// Get returns the entry for one sensor. ok is false if the sensor has
// never published.
func (s *Store) Get(ctx context.Context, sensor string) (e Entry, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sensor, topic, payload, published_at, publishes
		 FROM last_published WHERE sensor = ?`, sensor)
	e, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", sensor, err)
	}
	return e, true, nil
}

// List returns every entry ordered by sensor name.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sensor, topic, payload, published_at, publishes
		 FROM last_published ORDER BY sensor`)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var at string
	if err := row.Scan(&e.Sensor, &e.Topic, &e.Payload, &at, &e.Publishes); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Entry{}, fmt.Errorf("parse published_at %q: %w", at, err)
	}
	e.PublishedAt = t
	return e, nil
}

// Observe records successful publishes. It implements
// [scheduler.Observer]; write failures are logged and never reach the
// polling loop.
func (s *Store) Observe(ctx context.Context, ev scheduler.Event) {
	if ev.Outcome != scheduler.OutcomePublished {
		return
	}
	if err := s.Record(ctx, ev.Sensor, ev.Topic, ev.Payload, ev.State.LastPublishedTime); err != nil {
		s.logger.Warn("journal write failed", "sensor", ev.Sensor, "error", err)
	}
}
