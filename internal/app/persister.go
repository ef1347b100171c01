package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// FieldWriter is the durable side of the persister.
type FieldWriter interface {
	MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error
}

type PersisterConfig struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryDelay   time.Duration
	DrainTimeout time.Duration
}

func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		Workers:      4,
		QueueSize:    256,
		MaxRetries:   5,
		RetryDelay:   200 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}
}

type batch struct {
	room    domain.RoomID
	version uint64
	writes  []domain.FieldWrite
}

type PersisterStats struct {
	Batches uint64
	Failed  uint64
	Dropped uint64
}

// Persister writes field batches behind the rooms. Batches of one room always land on
// the same worker, so they reach the store in version order.
type Persister struct {
	writer FieldWriter
	cfg    PersisterConfig
	clock  clockwork.Clock
	shards []chan batch

	batches atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// written is signalled after every batch, tests wait on it.
	written func(room domain.RoomID, version uint64, err error)
}

func NewPersister(writer FieldWriter, cfg PersisterConfig, clock clockwork.Clock) *Persister {
	def := DefaultPersisterConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	p := &Persister{writer: writer, cfg: cfg, clock: clock}
	p.shards = make([]chan batch, cfg.Workers)
	for i := range p.shards {
		p.shards[i] = make(chan batch, cfg.QueueSize)
	}
	return p
}

// Enqueue never blocks. When the room's shard is full the batch is dropped and the
// in-memory state stays authoritative.
func (p *Persister) Enqueue(room domain.RoomID, version uint64, writes []domain.FieldWrite) {
	if len(writes) == 0 {
		return
	}
	b := batch{room: room, version: version, writes: writes}
	select {
	case p.shards[p.shardOf(room)] <- b:
	default:
		p.dropped.Add(1)
		log.Error().Err(domain.ErrPersistenceUnavailable).Str("module", "app.persister").
			Str("room", string(room)).Uint64("version", version).Msg("write queue full, batch dropped")
	}
}

func (p *Persister) shardOf(room domain.RoomID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Run blocks until ctx is done, then drains what is already queued.
func (p *Persister) Run(ctx context.Context) error {
	log.Info().Str("module", "app.persister").Int("workers", len(p.shards)).Msg("persister started")
	var wg sync.WaitGroup
	for i, ch := range p.shards {
		wg.Add(1)
		go func(id int, ch chan batch) {
			defer wg.Done()
			p.worker(ctx, id, ch)
		}(i, ch)
	}
	wg.Wait()
	log.Info().Str("module", "app.persister").Msg("persister stopped")
	return nil
}

func (p *Persister) worker(ctx context.Context, id int, ch chan batch) {
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx, id, ch)
			return
		case b := <-ch:
			p.write(ctx, b)
		}
	}
}

func (p *Persister) drain(ctx context.Context, id int, ch chan batch) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.DrainTimeout)
	defer cancel()
	n := 0
	for {
		select {
		case b := <-ch:
			p.write(dctx, b)
			n++
		default:
			if n > 0 {
				log.Info().Str("module", "app.persister").Int("worker", id).Int("batches", n).Msg("drained queue")
			}
			return
		}
	}
}

// write applies the batch in order; a field that keeps failing abandons the rest so
// the version write never lands without the fields before it.
func (p *Persister) write(ctx context.Context, b batch) {
	var err error
	for _, w := range b.writes {
		if err = p.writeWithRetry(ctx, b.room, w); err != nil {
			break
		}
	}
	p.batches.Add(1)
	if err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("module", "app.persister").Str("room", string(b.room)).
			Uint64("version", b.version).Msg("batch not persisted")
	}
	if p.written != nil {
		p.written(b.room, b.version, err)
	}
}

func (p *Persister) writeWithRetry(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceUnavailable, w.Path, ctx.Err())
			case <-p.clock.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := p.writer.MergeField(ctx, room, w); err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "app.persister").Str("room", string(room)).
				Str("path", w.Path.String()).Int("attempt", attempt+1).Msg("merge failed, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().Str("module", "app.persister").Str("room", string(room)).
				Int("attempt", attempt+1).Msg("merge succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrPersistenceUnavailable, w.Path, p.cfg.MaxRetries+1, lastErr)
}

func (p *Persister) Stats() PersisterStats {
	return PersisterStats{
		Batches: p.batches.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}
