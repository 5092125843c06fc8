package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encoding/json"

	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/retry"

	_ "github.com/lib/pq"
)

// PostgresLog is the shared-database backend for deployments that already
// run postgres. Semantics match SQLiteLog.
type PostgresLog struct {
	db        *sql.DB
	retention Retention

	appendMu  sync.Mutex
	connected atomic.Bool
}

// OpenPostgres connects with bounded backoff and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string, retention Retention) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nexuserr.LogUnavailable(err)
	}
	l := &PostgresLog{db: db, retention: retention}
	connect := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return l.migrate(ctx)
	}
	if err := retry.Connect(ctx, "eventlog-postgres", retry.DefaultConnectPolicy(), connect); err != nil {
		_ = db.Close()
		return nil, nexuserr.LogUnavailable(err)
	}
	l.connected.Store(true)
	return l, nil
}

// NewPostgresLogFromDB wraps an existing connection; used by tests.
func NewPostgresLogFromDB(db *sql.DB, retention Retention) *PostgresLog {
	l := &PostgresLog{db: db, retention: retention}
	l.connected.Store(true)
	return l
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		sequence      BIGSERIAL PRIMARY KEY,
		event_id      TEXT NOT NULL UNIQUE,
		event_type    TEXT NOT NULL,
		source        TEXT NOT NULL,
		envelope      TEXT NOT NULL,
		data          BYTEA,
		payload_hash  TEXT NOT NULL,
		is_replay     BOOLEAN NOT NULL DEFAULT FALSE,
		original_time TIMESTAMPTZ,
		trace_id      TEXT NOT NULL,
		committed_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate event log: %w", err)
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, rec *events.Record) (uint64, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	rec.CommittedAt = time.Now().UTC()
	envJSON, err := rec.Envelope.JSON()
	if err != nil {
		return 0, nexuserr.Internal(fmt.Errorf("serialize envelope: %w", err))
	}

	var originalTime any
	if rec.OriginalTime != nil {
		originalTime = rec.OriginalTime.UTC()
	}

	var seq uint64
	err = l.db.QueryRowContext(ctx, `
		INSERT INTO events (event_id, event_type, source, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING sequence`,
		rec.Envelope.ID, rec.Envelope.Type, rec.Envelope.Source,
		string(envJSON), []byte(rec.Envelope.Data), rec.PayloadHash,
		rec.IsReplay, originalTime, rec.TraceID, rec.CommittedAt,
	).Scan(&seq)
	if err != nil {
		return 0, nexuserr.LogUnavailable(fmt.Errorf("append: %w", err))
	}
	rec.Sequence = seq
	return seq, nil
}

func (l *PostgresLog) Get(ctx context.Context, eventID string) (*events.Record, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT sequence, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at
		FROM events WHERE event_id = $1`, eventID)
	rec, err := scanPostgresRecord(row)
	if err == sql.ErrNoRows {
		return nil, nexuserr.NotFound("event", eventID)
	}
	if err != nil {
		return nil, nexuserr.LogUnavailable(err)
	}
	return rec, nil
}

func (l *PostgresLog) List(ctx context.Context, typeFilter string, limit int) ([]*events.Record, int, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var total int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return nil, 0, nexuserr.LogUnavailable(err)
	}

	query := `
		SELECT sequence, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at
		FROM events ORDER BY sequence ASC LIMIT $1`
	args := []any{limit}
	if typeFilter != "" {
		query = `
			SELECT sequence, envelope, data, payload_hash, is_replay, original_time, trace_id, committed_at
			FROM events WHERE event_type = $1 ORDER BY sequence ASC LIMIT $2`
		args = []any{typeFilter, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, nexuserr.LogUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*events.Record
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
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

func (l *PostgresLog) Purge(ctx context.Context) (int, error) {
	purged := 0
	if l.retention.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-l.retention.MaxAge)
		res, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE committed_at < $1`, cutoff)
		if err != nil {
			return purged, nexuserr.LogUnavailable(err)
		}
		n, _ := res.RowsAffected()
		purged += int(n)
	}
	if l.retention.MaxCount > 0 {
		res, err := l.db.ExecContext(ctx, `
			DELETE FROM events WHERE sequence NOT IN (
				SELECT sequence FROM events ORDER BY sequence DESC LIMIT $1
			)`, l.retention.MaxCount)
		if err != nil {
			return purged, nexuserr.LogUnavailable(err)
		}
		n, _ := res.RowsAffected()
		purged += int(n)
	}
	return purged, nil
}

func (l *PostgresLog) Connected() bool { return l.connected.Load() }

func (l *PostgresLog) Close() error {
	l.connected.Store(false)
	return l.db.Close()
}

func scanPostgresRecord(row rowScanner) (*events.Record, error) {
	var (
		seq          uint64
		envJSON      string
		data         []byte
		payloadHash  string
		isReplay     bool
		originalTime sql.NullTime
		traceID      string
		committedAt  time.Time
	)
	if err := row.Scan(&seq, &envJSON, &data, &payloadHash, &isReplay, &originalTime, &traceID, &committedAt); err != nil {
		return nil, err
	}

	env, err := events.Parse([]byte(envJSON))
	if err != nil {
		return nil, fmt.Errorf("corrupt envelope at sequence %d: %w", seq, err)
	}
	if data != nil {
		env.Data = json.RawMessage(data)
	}

	rec := &events.Record{
		Envelope:    *env,
		Sequence:    seq,
		IsReplay:    isReplay,
		TraceID:     traceID,
		PayloadHash: payloadHash,
		CommittedAt: committedAt,
	}
	if originalTime.Valid {
		t := originalTime.Time
		rec.OriginalTime = &t
	}
	return rec, nil
}
