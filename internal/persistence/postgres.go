package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const notifyChannel = "poker_room_versions"

// Postgres stores field rows as jsonb and announces version writes with NOTIFY.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
	hub   *hub

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func OpenPostgres(ctx context.Context, dsn string, clock clockwork.Clock) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS room_fields (
			room_id TEXT NOT NULL,
			path TEXT NOT NULL,
			value JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, path)
		)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	lctx, cancel := context.WithCancel(context.Background())
	log.Info().Str("module", "persistence.postgres").Msg("postgres store opened")
	return &Postgres{
		pool:   pool,
		clock:  clock,
		hub:    newHub(),
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

func (p *Postgres) Load(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	rows, err := p.pool.Query(ctx, `SELECT path, value::text FROM room_fields WHERE room_id = $1`, string(room))
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

func (p *Postgres) MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error {
	raw, err := w.Encode()
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if !w.Path.IsVersion() {
			_, err := tx.Exec(ctx, `
				INSERT INTO room_fields (room_id, path, value, updated_at) VALUES ($1, $2, $3::jsonb, now())
				ON CONFLICT (room_id, path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				string(room), w.Path.Key(), string(raw),
			)
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO room_fields (room_id, path, value, updated_at) VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (room_id, path) DO UPDATE SET value = to_jsonb(GREATEST(
				(room_fields.value #>> '{}')::bigint + 1,
				(EXCLUDED.value #>> '{}')::bigint
			)), updated_at = now()`,
			string(room), w.Path.Key(), string(raw),
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(room))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrPersistenceUnavailable, w.Path, err)
	}
	return nil
}

func (p *Postgres) Subscribe(_ context.Context, room domain.RoomID, onChange func(domain.Snapshot)) (func(), error) {
	cancel := p.hub.add(room, onChange)
	p.listenOnce.Do(func() { go p.listen() })
	return cancel, nil
}

// listen holds one pooled connection on LISTEN and reconnects with a fixed delay.
func (p *Postgres) listen() {
	defer close(p.done)
	for {
		err := p.listenConn(p.ctx)
		if p.ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("module", "persistence.postgres").Msg("listener lost, reconnecting")
		select {
		case <-p.ctx.Done():
			return
		case <-p.clock.After(2 * time.Second):
		}
	}
}

func (p *Postgres) listenConn(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Str("module", "persistence.postgres").Str("channel", notifyChannel).Msg("listening for notifications")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		room := domain.RoomID(n.Payload)
		listeners := p.hub.listeners(room)
		if len(listeners) == 0 {
			continue
		}
		snap, err := p.Load(ctx, room)
		if err != nil {
			log.Warn().Err(err).Str("module", "persistence.postgres").Str("room", n.Payload).Msg("reload after notify")
			continue
		}
		if snap == nil {
			continue
		}
		for _, fn := range listeners {
			fn(*snap)
		}
	}
}

func (p *Postgres) Close() error {
	p.cancel()
	// no listener was ever started
	p.listenOnce.Do(func() { close(p.done) })
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("module", "persistence.postgres").Msg("listener did not stop in time")
	}
	p.pool.Close()
	return nil
}
