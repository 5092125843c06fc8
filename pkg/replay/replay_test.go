package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-labs/nexus/core/pkg/dispatch"
	"github.com/nexus-labs/nexus/core/pkg/eventlog"
	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/registry"
)

type captureQueue struct {
	tasks []dispatch.Task
}

func (q *captureQueue) Enqueue(ctx context.Context, task dispatch.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func setup(t *testing.T) (*Orchestrator, eventlog.Log, *captureQueue, *metrics.Collector) {
	t.Helper()
	log := eventlog.NewMemoryLog(eventlog.Retention{})
	reg, err := registry.New([]registry.FunctionDefinition{
		{Name: "audit", Trigger: "user.*"},
		{Name: "welcome", Trigger: "user.created"},
		{Name: "uninvolved", Trigger: "order.*"},
	})
	require.NoError(t, err)
	queue := &captureQueue{}
	collector := metrics.New()
	return NewOrchestrator(log, reg, queue, collector), log, queue, collector
}

func commit(t *testing.T, log eventlog.Log, eventType string) *events.Record {
	t.Helper()
	env, err := events.New(eventType, "/test").WithData(map[string]string{"user_id": "u1"})
	require.NoError(t, err)
	rec := events.NewRecord(env, "original-trace")
	_, err = log.Append(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func TestReplayDispatchesMatchedFunctions(t *testing.T) {
	orch, log, queue, collector := setup(t)
	ctx := context.Background()
	rec := commit(t, log, "user.created")

	res, err := orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Envelope.ID, res.EventID)
	assert.Equal(t, 2, res.Matched)
	require.Len(t, queue.tasks, 2)
	assert.Equal(t, "audit", queue.tasks[0].Def.Name)
	assert.Equal(t, "welcome", queue.tasks[1].Def.Name)

	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Events.Replayed)
	assert.Equal(t, uint64(0), snap.Events.Published)
}

func TestReplayTasksCarryReplayMarkers(t *testing.T) {
	orch, log, queue, _ := setup(t)
	ctx := context.Background()
	rec := commit(t, log, "user.created")

	_, err := orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)

	require.Len(t, queue.tasks, 2)
	for _, task := range queue.tasks {
		assert.True(t, task.IsReplay)
		require.NotNil(t, task.OriginalTime)
		assert.Equal(t, rec.Envelope.Time, *task.OriginalTime)
	}
	// The fan-out shares one failure marker so a replayed event that fails
	// in several functions still counts once.
	require.NotNil(t, queue.tasks[0].EventFailure)
	assert.Same(t, queue.tasks[0].EventFailure, queue.tasks[1].EventFailure)
}

func TestReplayEnvelopeIsByteIdenticalWithFreshTrace(t *testing.T) {
	orch, log, queue, _ := setup(t)
	ctx := context.Background()
	rec := commit(t, log, "user.created")

	res, err := orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)

	require.NotEmpty(t, queue.tasks)
	replayed := queue.tasks[0].Envelope

	origJSON, err := rec.Envelope.JSON()
	require.NoError(t, err)
	replayJSON, err := replayed.JSON()
	require.NoError(t, err)
	assert.Equal(t, origJSON, replayJSON, "replayed envelope matches the committed one byte for byte")

	assert.NotEqual(t, "original-trace", res.TraceID)
	assert.Equal(t, res.TraceID, queue.tasks[0].TraceID)
}

func TestReplayDoesNotAppendToLog(t *testing.T) {
	orch, log, _, _ := setup(t)
	ctx := context.Background()
	rec := commit(t, log, "user.created")

	_, err := orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)
	_, err = orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)

	_, total, err := log.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "replay never re-appends")
}

func TestReplayUnknownEventIsNotFound(t *testing.T) {
	orch, _, queue, collector := setup(t)

	_, err := orch.Replay(context.Background(), "no-such-event")
	assert.True(t, nexuserr.Is(err, nexuserr.CodeNotFound))
	assert.Empty(t, queue.tasks)
	assert.Equal(t, uint64(0), collector.Snapshot().Events.Replayed)
}

func TestReplayWithNoMatchesStillSucceeds(t *testing.T) {
	orch, log, queue, collector := setup(t)
	ctx := context.Background()
	rec := commit(t, log, "billing.cycle")

	res, err := orch.Replay(ctx, rec.Envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, queue.tasks)
	assert.Equal(t, uint64(1), collector.Snapshot().Events.Replayed)
}
