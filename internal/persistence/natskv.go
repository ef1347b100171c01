package persistence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/Poker/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type NATSConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
	History       uint8
	Replicas      int
}

func DefaultNATSConfig(url, bucket string) NATSConfig {
	if url == "" {
		url = nats.DefaultURL
	}
	if bucket == "" {
		bucket = "POKER_ROOMS"
	}
	return NATSConfig{
		URL:           url,
		Bucket:        bucket,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		History:       1,
		Replicas:      1,
	}
}

// NATSKV stores one KV key per field: <room>.revealed, <room>.m.<member>.vote and so
// on, where room and member ids are base64url encoded to fit the key alphabet.
type NATSKV struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

func OpenNATS(ctx context.Context, cfg NATSConfig) (*NATSKV, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Str("module", "persistence.nats").Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("module", "persistence.nats").Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("module", "persistence.nats").Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "planning poker room fields",
			History:     cfg.History,
			Storage:     jetstream.FileStorage,
			Replicas:    cfg.Replicas,
		})
		if err == nil {
			log.Info().Str("module", "persistence.nats").Str("bucket", cfg.Bucket).Msg("created KV bucket")
		}
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open KV bucket %s: %w", cfg.Bucket, err)
	}
	return &NATSKV{nc: nc, kv: kv}, nil
}

var keyEncoding = base64.RawURLEncoding

func roomPrefix(room domain.RoomID) string {
	return keyEncoding.EncodeToString([]byte(room))
}

func kvKey(room domain.RoomID, path domain.FieldPath) string {
	tokens := make([]string, 0, len(path)+1)
	tokens = append(tokens, roomPrefix(room))
	if len(path) == 3 && path[0] == "members" {
		tokens = append(tokens, "m", keyEncoding.EncodeToString([]byte(path[1])), path[2])
	} else {
		tokens = append(tokens, path...)
	}
	return strings.Join(tokens, ".")
}

func parseKVKey(key string) (domain.FieldPath, error) {
	tokens := strings.Split(key, ".")
	if len(tokens) < 2 {
		return nil, fmt.Errorf("malformed key %q", key)
	}
	rest := tokens[1:]
	if len(rest) == 3 && rest[0] == "m" {
		member, err := keyEncoding.DecodeString(rest[1])
		if err != nil {
			return nil, fmt.Errorf("malformed member in key %q: %w", key, err)
		}
		return domain.FieldPath{"members", string(member), rest[2]}, nil
	}
	return domain.FieldPath(rest), nil
}

func (n *NATSKV) Load(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	w, err := n.kv.Watch(ctx, roomPrefix(room)+".>", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", domain.ErrPersistenceUnavailable, room, err)
	}
	defer func() { _ = w.Stop() }()

	var fields []field
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, fmt.Errorf("%w: load %s: watcher closed", domain.ErrPersistenceUnavailable, room)
			}
			// nil marks the end of the initial values
			if entry == nil {
				return assemble(room, fields)
			}
			path, err := parseKVKey(entry.Key())
			if err != nil {
				log.Warn().Err(err).Str("module", "persistence.nats").Msg("skipping key")
				continue
			}
			fields = append(fields, field{path: path, raw: entry.Value()})
		}
	}
}

func (n *NATSKV) MergeField(ctx context.Context, room domain.RoomID, w domain.FieldWrite) error {
	raw, err := w.Encode()
	if err != nil {
		return err
	}
	key := kvKey(room, w.Path)
	if w.Path.IsVersion() {
		err = n.raiseVersion(ctx, key, raw)
	} else {
		_, err = n.kv.Put(ctx, key, raw)
	}
	if err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrPersistenceUnavailable, w.Path, err)
	}
	return nil
}

// raiseVersion compare-and-swaps the version key until the write lands on the
// revision it was computed from.
func (n *NATSKV) raiseVersion(ctx context.Context, key string, raw []byte) error {
	for {
		entry, err := n.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = n.kv.Create(ctx, key, raw)
		case err != nil:
			return err
		default:
			var next []byte
			if next, err = nextVersion(entry.Value(), raw); err != nil {
				return err
			}
			_, err = n.kv.Update(ctx, key, next, entry.Revision())
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (n *NATSKV) Subscribe(ctx context.Context, room domain.RoomID, onChange func(domain.Snapshot)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	w, err := n.kv.Watch(ctx, kvKey(room, domain.VersionPath()), jetstream.UpdatesOnly(), jetstream.IgnoreDeletes())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %w", domain.ErrPersistenceUnavailable, room, err)
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				snap, err := n.Load(ctx, room)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("module", "persistence.nats").Str("room", string(room)).Msg("reload after update")
					}
					continue
				}
				if snap != nil {
					onChange(*snap)
				}
			}
		}
	}()
	return cancel, nil
}

func (n *NATSKV) Close() error {
	return n.nc.Drain()
}
