package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nexus-labs/nexus/core/pkg/retry"
)

// SQLiteSink is the default durable sink. One row per entry, the whole
// entry serialized as JSON next to the columns queries need.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens or creates the sink database.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dead letter db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	connect := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return s.migrate(ctx)
	}
	if err := retry.Connect(ctx, "deadletter-sqlite", retry.DefaultConnectPolicy(), connect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect dead letter db: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id  TEXT NOT NULL,
		function  TEXT NOT NULL,
		outcome   TEXT NOT NULL,
		entry     TEXT NOT NULL,
		at        TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate dead letters: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("serialize dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, function, outcome, entry, at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Envelope.ID, e.Function, string(e.Outcome), string(raw),
		e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteSink) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("corrupt dead letter row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }
