package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/retry"

	_ "modernc.org/sqlite"
)

// SQLiteLog is the default durable backend. WAL mode keeps readers
// unblocked while the single writer commits appends.
type SQLiteLog struct {
	db        *sql.DB
	retention Retention

	// appendMu serializes sequence assignment; reads take no lock.
	appendMu  sync.Mutex
	connected atomic.Bool
}

// OpenSQLite opens (or creates) the log at path and verifies connectivity
// with bounded backoff. Use ":memory:" only in tests.
func OpenSQLite(ctx context.Context, path string, retention Retention) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nexuserr.LogUnavailable(err)
	}
	// The modernc driver serializes per-connection; a single connection
	// sidesteps SQLITE_BUSY between the writer and WAL checkpoints.
	db.SetMaxOpenConns(1)

	l := &SQLiteLog{db: db, retention: retention}
	connect := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return l.migrate(ctx)
	}
	if err := retry.Connect(ctx, "eventlog-sqlite", retry.DefaultConnectPolicy(), connect); err != nil {
		_ = db.Close()
		return nil, nexuserr.LogUnavailable(err)
	}
	l.connected.Store(true)
	return l, nil
}

func (l *SQLiteLog) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`CREATE TABLE IF NOT EXISTS events (
			sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id      TEXT NOT NULL UNIQUE,
			event_type    TEXT NOT NULL,
			source        TEXT NOT NULL,
			envelope      TEXT NOT NULL,
			data          BLOB,
			payload_hash  TEXT NOT NULL,
			is_replay     INTEGER NOT NULL DEFAULT 0,
			original_time TEXT,
			trace_id      TEXT NOT NULL,
			committed_at  TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate event log: %w", err)
		}
	}
	return nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec *events.Record) (uint64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	rec.CommittedAt = time.Now().UTC()
	envJSON, err := rec.Envelope.JSON()
	if err != nil {
		return 0, nexuserr.Internal(fmt.Errorf("serialize envelope: %w", err))
	}

	var originalTime any
	if rec.OriginalTime != nil {
		originalTime = rec.OriginalTime.UTC().Format(time.RFC3339Nano)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, source, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Envelope.ID, rec.Envelope.Type, rec.Envelope.Source,
		string(envJSON), []byte(rec.Envelope.Data), rec.PayloadHash,
		boolToInt(rec.IsReplay), originalTime, rec.TraceID,
		rec.CommittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, nexuserr.LogUnavailable(fmt.Errorf("append: %w", err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, nexuserr.LogUnavailable(fmt.Errorf("append sequence: %w", err))
	}
	rec.Sequence = uint64(seq)
	return rec.Sequence, nil
}

const recordColumns = `sequence, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at`

func (l *SQLiteLog) Get(ctx context.Context, eventID string) (*events.Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM events WHERE event_id = ?`, eventID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nexuserr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, nexuserr.LogUnavailable(err)
	}
	return rec, nil
}

func (l *SQLiteLog) List(ctx context.Context, typeFilter string, limit int) ([]*events.Record, int, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return nil, 0, nexuserr.LogUnavailable(err)
	}

	query := `SELECT ` + recordColumns + ` FROM events ORDER BY sequence ASC LIMIT ?`
	args := []any{limit}
	if typeFilter != "" {
		query = `SELECT ` + recordColumns + ` FROM events WHERE event_type = ? ORDER BY sequence ASC LIMIT ?`
		args = []any{typeFilter, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, nexuserr.LogUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*events.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, nexuserr.Internal(err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, nexuserr.LogUnavailable(err)
	}
	return recs, total, nil
}

func (l *SQLiteLog) Purge(ctx context.Context) (int, error) {
	purged := 0
	if l.retention.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-l.retention.MaxAge).Format(time.RFC3339Nano)
		res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE committed_at < ?`, cutoff)
		if err != nil {
			return purged, nexuserr.LogUnavailable(err)
		}
		n, _ := res.RowsAffected()
		purged += int(n)
	}
	if l.retention.MaxCount > 0 {
		res, err := l.db.ExecContext(ctx, `
			DELETE FROM events WHERE sequence NOT IN (
				SELECT sequence FROM events ORDER BY sequence DESC LIMIT ?
			)`, l.retention.MaxCount)
		if err != nil {
			return purged, nexuserr.LogUnavailable(err)
		}
		n, _ := res.RowsAffected()
		purged += int(n)
	}
	return purged, nil
}

func (l *SQLiteLog) Connected() bool { return l.connected.Load() }

func (l *SQLiteLog) Close() error {
	l.connected.Store(false)
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*events.Record, error) {
	var (
		seq          uint64
		envJSON      string
		data         []byte
		payloadHash  string
		isReplay     int
		originalTime sql.NullString
		traceID      string
		committedAt  string
	)
	if err := row.Scan(&seq, &envJSON, &data, &payloadHash, &isReplay, &originalTime, &traceID, &committedAt); err != nil {
		return nil, err
	}

	env, err := events.Parse([]byte(envJSON))
	if err != nil {
		return nil, fmt.Errorf("corrupt envelope at sequence %d: %w", seq, err)
	}
	// The data column is authoritative: it holds the payload bytes exactly
	// as submitted, independent of envelope re-serialization.
	if data != nil {
		env.Data = json.RawMessage(data)
	}

	rec := &events.Record{
		Envelope:    *env,
		Sequence:    seq,
		IsReplay:    isReplay != 0,
		TraceID:     traceID,
		PayloadHash: payloadHash,
		CommittedAt: parseTime(committedAt),
	}
	if originalTime.Valid && originalTime.String != "" {
		t := parseTime(originalTime.String)
		rec.OriginalTime = &t
	}
	return rec, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StartRetentionLoop purges on the given interval until ctx is canceled.
func StartRetentionLoop(ctx context.Context, log Log, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := log.Purge(ctx)
				if err != nil {
					logger.Warn("retention purge failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("retention purge", "removed", n)
				}
			}
		}
	}()
}
