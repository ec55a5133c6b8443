// Package sqlite persists offline messages in a SQLite database so they
// survive a relay restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/relay/internal/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	identity   TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_messages_identity ON offline_messages(identity, id);`

// Queue is a relay.Queue backed by SQLite.
type Queue struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ relay.Queue = (*Queue)(nil)

// Open opens (creating if needed) the database at path and prepares the
// schema. Rows that cannot be decoded are reported on log.
func Open(path string, log zerolog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite database %s", path)
	}

	// A single connection keeps drains strictly serialised with enqueues.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create offline_messages table")
	}

	return &Queue{db: db, log: log}, nil
}

// Enqueue appends msg to id's queue.
func (q *Queue) Enqueue(ctx context.Context, id relay.Identity, msg *relay.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO offline_messages (identity, payload, created_at) VALUES (?, ?, ?)`,
		string(id), payload, time.Now().UnixMilli())
	return errors.Wrapf(err, "insert offline message for %s", id)
}

// Drain reads and deletes id's messages in one transaction. A row whose
// payload no longer decodes is logged, skipped and deleted with the rest.
func (q *Queue) Drain(ctx context.Context, id relay.Identity) ([]*relay.Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin drain")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM offline_messages WHERE identity = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, errors.Wrapf(err, "select offline messages for %s", id)
	}

	msgs := []*relay.Message{}
	var lastID int64
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&lastID, &payload); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan offline message")
		}
		var msg relay.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			q.log.Warn().Err(err).Str("identity", string(id)).Int64("row", lastID).
				Msg("discarding undecodable offline message")
			continue
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate offline messages")
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, "close rows")
	}

	if lastID == 0 {
		return msgs, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM offline_messages WHERE identity = ? AND id <= ?`, string(id), lastID); err != nil {
		return nil, errors.Wrapf(err, "delete offline messages for %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit drain")
	}
	return msgs, nil
}

// Pending counts id's queued messages.
func (q *Queue) Pending(ctx context.Context, id relay.Identity) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_messages WHERE identity = ?`, string(id)).Scan(&n)
	return n, errors.Wrapf(err, "count offline messages for %s", id)
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}
