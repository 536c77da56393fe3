// Package state persists the handful of values that survive a daemon
// restart: the last-played track id, the volume levels, and the queue
// snapshot. Everything is overwritten wholesale; there is no history.
package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkallio/tapedeck/playerd/internal/remote"
	"github.com/mkallio/tapedeck/playerd/internal/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS player_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_track_id TEXT NOT NULL DEFAULT '',
	volume REAL NOT NULL DEFAULT 1.0,
	premute_volume REAL NOT NULL DEFAULT 1.0,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS queue_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	items TEXT NOT NULL DEFAULT '[]',
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Store is the SQLite-backed state store. Both tables are single-row.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the state database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLastTrack records the id of the last adopted track.
func (s *Store) SaveLastTrack(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO player_state (id, last_track_id, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_track_id = excluded.last_track_id, updated_at = excluded.updated_at`,
		id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save last track: %w", err)
	}
	return nil
}

// LastTrack returns the persisted last-played track id.
func (s *Store) LastTrack() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT last_track_id FROM player_state WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", shared.ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load last track: %w", err)
	}
	if id == "" {
		return "", shared.ErrStateNotFound
	}
	return id, nil
}

// SaveVolume records the output volume and the pre-mute snapshot.
func (s *Store) SaveVolume(volume, preMuteVolume float64) error {
	_, err := s.db.Exec(`
		INSERT INTO player_state (id, volume, premute_volume, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET volume = excluded.volume, premute_volume = excluded.premute_volume, updated_at = excluded.updated_at`,
		volume, preMuteVolume, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save volume: %w", err)
	}
	return nil
}

// Volume returns the persisted volume and pre-mute volume.
func (s *Store) Volume() (float64, float64, error) {
	var volume, preMute float64
	err := s.db.QueryRow(`SELECT volume, premute_volume FROM player_state WHERE id = 1`).Scan(&volume, &preMute)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, shared.ErrStateNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load volume: %w", err)
	}
	return volume, preMute, nil
}

// SaveQueue replaces the queue snapshot.
func (s *Store) SaveQueue(tracks []remote.Track) error {
	if tracks == nil {
		tracks = []remote.Track{}
	}
	items, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO queue_snapshot (id, items, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET items = excluded.items, updated_at = excluded.updated_at`,
		string(items), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted queue snapshot.
func (s *Store) LoadQueue() ([]remote.Track, error) {
	var items string
	err := s.db.QueryRow(`SELECT items FROM queue_snapshot WHERE id = 1`).Scan(&items)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	var tracks []remote.Track
	if err := json.Unmarshal([]byte(items), &tracks); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	return tracks, nil
}
