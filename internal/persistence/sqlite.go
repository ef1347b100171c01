package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLite keeps field rows in a local database file. It has no change feed, so
// Subscribe polls the version row.
type SQLite struct {
	db    *sql.DB
	poll  time.Duration
	clock clockwork.Clock
}

func OpenSQLite(ctx context.Context, path string, poll time.Duration, clock clockwork.Clock) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS room_fields (
		room_id TEXT NOT NULL,
		path TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (room_id, path)
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if poll <= 0 {
		poll = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log.Info().Str("module", "persistence.sqlite").Str("path", path).Msg("sqlite store opened")
	return &SQLite{db: db, poll: poll, clock: clock}, nil
}

func (s *SQLite) Load(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, value FROM room_fields WHERE room_id = ?`, string(room))
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", domain.ErrPersistenceUnavailable, room, err)
	}
	defer rows.Close()

	var fields []field
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		path, err := domain.ParseFieldKey(key)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field{path: path, raw: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", domain.ErrPersistenceUnavailable, room, err)
	}
	return assemble(room, fields)
}

func (s *SQLite) MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error {
	raw, err := w.Encode()
	if err != nil {
		return err
	}
	query := `
		INSERT INTO room_fields (room_id, path, value) VALUES (?, ?, ?)
		ON CONFLICT (room_id, path) DO UPDATE SET value = excluded.value`
	if w.Path.IsVersion() {
		query = `
		INSERT INTO room_fields (room_id, path, value) VALUES (?, ?, ?)
		ON CONFLICT (room_id, path) DO UPDATE SET value = CAST(MAX(
			CAST(room_fields.value AS INTEGER) + 1,
			CAST(excluded.value AS INTEGER)
		) AS TEXT)`
	}
	_, err = s.db.ExecContext(ctx, query, string(room), w.Path.Key(), string(raw))
	if err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrPersistenceUnavailable, w.Path, err)
	}
	return nil
}

func (s *SQLite) version(ctx context.Context, room domain.RoomID) (uint64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM room_fields WHERE room_id = ? AND path = ?`,
		string(room), domain.VersionPath().Key(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(value, 10, 64)
}

func (s *SQLite) Subscribe(ctx context.Context, room domain.RoomID, onChange func(domain.Snapshot)) (func(), error) {
	last, err := s.version(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrPersistenceUnavailable, room, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.poll)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				v, err := s.version(ctx, room)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("module", "persistence.sqlite").Str("room", string(room)).Msg("poll version")
					}
					continue
				}
				if v <= last {
					continue
				}
				snap, err := s.Load(ctx, room)
				if err != nil || snap == nil {
					continue
				}
				last = v
				onChange(*snap)
			}
		}
	}()
	return cancel, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
