// Package store is the durable parameter store and program-guide sink backed by sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snapetech/teleboy-pvr/internal/epg"
)

const schema = `
CREATE TABLE IF NOT EXISTS params (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS broadcasts (
	id          INTEGER PRIMARY KEY,
	channel_id  INTEGER NOT NULL,
	title       TEXT NOT NULL,
	subtitle    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	start_unix  INTEGER NOT NULL,
	end_unix    INTEGER NOT NULL,
	genre_id    INTEGER NOT NULL DEFAULT 0,
	year        INTEGER NOT NULL DEFAULT 0,
	season      INTEGER NOT NULL DEFAULT 0,
	episode     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS broadcasts_channel_start ON broadcasts(channel_id, start_unix);
`

// Store wraps the sqlite handle. One connection: writes are serialized by sqlite anyway.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, or "" when it was never set.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM params WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, nil
}

// Set upserts key. An empty value is stored as-is (used to forget the session cookie).
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO params(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Emit writes a batch of broadcasts for one channel in a single transaction.
// Re-emitting the same broadcast ID replaces the row, so duplicate work items are harmless.
func (s *Store) Emit(ctx context.Context, channelID int, batch []epg.Broadcast) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: emit channel %d: %w", channelID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO broadcasts(id, channel_id, title, subtitle, description, start_unix, end_unix, genre_id, year, season, episode)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	channel_id = excluded.channel_id, title = excluded.title, subtitle = excluded.subtitle,
	description = excluded.description, start_unix = excluded.start_unix, end_unix = excluded.end_unix,
	genre_id = excluded.genre_id, year = excluded.year, season = excluded.season,
	episode = excluded.episode
`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: emit channel %d: %w", channelID, err)
	}
	defer stmt.Close()
	for _, b := range batch {
		if _, err := stmt.ExecContext(ctx, b.ID, channelID, b.Title, b.Subtitle, b.Description,
			b.Start.Unix(), b.End.Unix(), b.GenreID, b.Year, b.Season, b.Episode); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: emit broadcast %d: %w", b.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: emit channel %d: %w", channelID, err)
	}
	return nil
}

const broadcastColumns = `id, channel_id, title, subtitle, description, start_unix, end_unix, genre_id, year, season, episode`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(row rowScanner) (epg.Broadcast, error) {
	var b epg.Broadcast
	var start, end int64
	if err := row.Scan(&b.ID, &b.ChannelID, &b.Title, &b.Subtitle, &b.Description,
		&start, &end, &b.GenreID, &b.Year, &b.Season, &b.Episode); err != nil {
		return epg.Broadcast{}, err
	}
	b.Start = time.Unix(start, 0).UTC()
	b.End = time.Unix(end, 0).UTC()
	return b, nil
}

// Broadcasts returns the stored broadcasts of a channel starting in [from, to), ordered by start.
func (s *Store) Broadcasts(ctx context.Context, channelID int, from, to time.Time) ([]epg.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+broadcastColumns+`
FROM broadcasts WHERE channel_id = ? AND start_unix >= ? AND start_unix < ?
ORDER BY start_unix`, channelID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: broadcasts channel %d: %w", channelID, err)
	}
	defer rows.Close()

	var out []epg.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Broadcast looks up one stored broadcast by id.
func (s *Store) Broadcast(ctx context.Context, id int64) (epg.Broadcast, bool, error) {
	b, err := scanBroadcast(s.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return epg.Broadcast{}, false, nil
	}
	if err != nil {
		return epg.Broadcast{}, false, fmt.Errorf("store: broadcast %d: %w", id, err)
	}
	return b, true, nil
}
