// Package redis keeps offline messages in Redis lists, one list per identity,
// so several relay processes can share a backlog.
package redis

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/relay/internal/relay"
)

// Config selects the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Defaults to "relay:offline:".
	Prefix string
	// Logger reports entries that cannot be decoded.
	Logger zerolog.Logger
}

// Queue is a relay.Queue backed by Redis.
type Queue struct {
	rdb    *goredis.Client
	prefix string
	log    zerolog.Logger
}

var _ relay.Queue = (*Queue)(nil)

// Open connects to Redis and checks the connection with PING.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}
	return New(rdb, cfg.Prefix, cfg.Logger), nil
}

// New wraps an existing client.
func New(rdb *goredis.Client, prefix string, log zerolog.Logger) *Queue {
	if prefix == "" {
		prefix = "relay:offline:"
	}
	return &Queue{rdb: rdb, prefix: prefix, log: log}
}

func (q *Queue) key(id relay.Identity) string {
	return q.prefix + string(id)
}

// Enqueue appends msg to the tail of id's list.
func (q *Queue) Enqueue(ctx context.Context, id relay.Identity, msg *relay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return errors.Wrapf(q.rdb.RPush(ctx, q.key(id), payload).Err(), "rpush offline message for %s", id)
}

// Drain reads the whole list and deletes the key inside one MULTI/EXEC, so a
// concurrent RPUSH lands either before the read or in a fresh list. Entries
// that cannot be decoded are skipped.
func (q *Queue) Drain(ctx context.Context, id relay.Identity) ([]*relay.Message, error) {
	key := q.key(id)

	var values *goredis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		values = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "drain offline messages for %s", id)
	}

	return q.decode(id, values.Val()), nil
}

// decode turns list entries into messages. The list is already gone, so an
// entry that does not decode is logged and skipped rather than failing the
// whole drain.
func (q *Queue) decode(id relay.Identity, raw []string) []*relay.Message {
	msgs := make([]*relay.Message, 0, len(raw))
	for i, v := range raw {
		var msg relay.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			q.log.Warn().Err(err).Str("identity", string(id)).Int("index", i).
				Msg("discarding undecodable offline message")
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs
}

// Pending returns the length of id's list.
func (q *Queue) Pending(ctx context.Context, id relay.Identity) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key(id)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "llen offline messages for %s", id)
	}
	return int(n), nil
}

// Close closes the client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
