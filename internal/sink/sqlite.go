package sink

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/nokwatch/internal/core"
)

// The SQLite index mirrors the JSONL logs into one queryable table. The JSONL
// files stay the durability source of truth; the index exists for the status
// API and ad-hoc queries across broadcasts.
const schema = `CREATE TABLE IF NOT EXISTS events (
  stream_id TEXT NOT NULL,
  type TEXT NOT NULL,
  t_ms INTEGER NOT NULL,
  user TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL DEFAULT '',
  amount INTEGER NOT NULL DEFAULT 0,
  donation_type TEXT NOT NULL DEFAULT '',
  message_id TEXT NOT NULL DEFAULT '',
  received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events (stream_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_msg
  ON events (stream_id, message_id) WHERE message_id <> '';`

// SQLiteIndex writes events into a SQLite database.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the event index at path.
func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Close() error { return s.db.Close() }

func (s *SQLiteIndex) Ping() error { return s.db.Ping() }

func (s *SQLiteIndex) Write(ev core.ChatEvent) error {
	const q = `INSERT OR IGNORE INTO events
(stream_id, type, t_ms, user, user_id, text, amount, donation_type, message_id, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := s.db.Exec(q,
		ev.StreamID, string(ev.Type), ev.TMs, ev.User, ev.UserID, ev.Text,
		ev.Amount, ev.DonationType, ev.MessageID,
		ev.ReceivedAt.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert event")
}

// CountEvents returns the number of indexed events, optionally scoped to one
// stream when streamID is non-empty.
func (s *SQLiteIndex) CountEvents(ctx context.Context, streamID string) (int64, error) {
	var (
		n   int64
		err error
	)
	if streamID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE stream_id = ?;`, streamID).Scan(&n)
	}
	return n, errors.Wrap(err, "count events")
}
