package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

func openTestLog(t *testing.T, retention Retention) *SQLiteLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	log, err := OpenSQLite(context.Background(), path, retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func testRecord(t *testing.T, eventType string, payload any) *events.Record {
	t.Helper()
	env, err := events.New(eventType, "/test").WithData(payload)
	require.NoError(t, err)
	return events.NewRecord(env, "trace-"+env.ID[:8])
}

func TestSQLiteAppendGetRoundTrip(t *testing.T) {
	log := openTestLog(t, Retention{})
	ctx := context.Background()

	rec := testRecord(t, "user.created", map[string]string{"user_id": "u42"})
	submitted := append(json.RawMessage(nil), rec.Envelope.Data...)

	seq, err := log.Append(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.False(t, rec.CommittedAt.IsZero())

	got, err := log.Get(ctx, rec.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(submitted), []byte(got.Envelope.Data), "payload must round-trip byte-exact")
	assert.Equal(t, rec.TraceID, got.TraceID)
	assert.Equal(t, rec.PayloadHash, got.PayloadHash)
	assert.Equal(t, uint64(1), got.Sequence)
	assert.False(t, got.IsReplay)
}

func TestSQLiteGetUnknownIDIsNotFound(t *testing.T) {
	log := openTestLog(t, Retention{})
	_, err := log.Get(context.Background(), "no-such-id")
	assert.True(t, nexuserr.Is(err, nexuserr.CodeNotFound))
}

func TestSQLiteSequencesStrictlyIncrease(t *testing.T) {
	log := openTestLog(t, Retention{})
	ctx := context.Background()

	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := log.Append(ctx, testRecord(t, "seq.test", i))
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestSQLiteConcurrentAppendsSerialized(t *testing.T) {
	log := openTestLog(t, Retention{})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := log.Append(ctx, testRecord(t, "concurrent.append", i))
			assert.NoError(t, err)
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
}

func TestSQLiteListOrderFilterAndLimit(t *testing.T) {
	log := openTestLog(t, Retention{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, testRecord(t, "a.type", i))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, testRecord(t, "b.type", i))
		require.NoError(t, err)
	}

	recs, total, err := log.List(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, 8, total)
	require.Len(t, recs, 8)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Sequence, recs[i-1].Sequence, "insertion order, oldest first")
	}

	recs, total, err = log.List(ctx, "b.type", 100)
	require.NoError(t, err)
	assert.Equal(t, 8, total, "total is the unfiltered count")
	assert.Len(t, recs, 3)

	recs, _, err = log.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "limit honored")
}

func TestSQLitePurgeByCountKeepsSequences(t *testing.T) {
	log := openTestLog(t, Retention{MaxCount: 3})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := log.Append(ctx, testRecord(t, "purge.test", i))
		require.NoError(t, err)
	}

	removed, err := log.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	recs, total, err := log.List(ctx, "", 100)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 3)
	// Survivors keep their original numbers: 4, 5, 6.
	assert.Equal(t, uint64(4), recs[0].Sequence)
	assert.Equal(t, uint64(6), recs[2].Sequence)

	// New appends continue past the purged range, no renumbering.
	seq, err := log.Append(ctx, testRecord(t, "purge.test", 99))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
}

func TestSQLiteStoresReplayMarkers(t *testing.T) {
	log := openTestLog(t, Retention{})
	ctx := context.Background()

	orig := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := testRecord(t, "replay.markers", "x")
	rec.IsReplay = true
	rec.OriginalTime = &orig

	_, err := log.Append(ctx, rec)
	require.NoError(t, err)

	got, err := log.Get(ctx, rec.Envelope.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReplay)
	require.NotNil(t, got.OriginalTime)
	assert.True(t, got.OriginalTime.Equal(orig))
}

func TestSQLiteConnectedLifecycle(t *testing.T) {
	log := openTestLog(t, Retention{})
	assert.True(t, log.Connected())
	require.NoError(t, log.Close())
	assert.False(t, log.Connected())
}
