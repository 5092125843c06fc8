package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-labs/nexus/core/pkg/deadletter"
	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/observability"
	"github.com/nexus-labs/nexus/core/pkg/registry"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// stubRunner records executions and fails functions listed in failures.
type stubRunner struct {
	mu       sync.Mutex
	executed []string
	failures map[string]sandbox.Outcome
	block    chan struct{} // when set, Execute waits for it
	count    atomic.Int32
}

func (s *stubRunner) Execute(ctx context.Context, def registry.FunctionDefinition, env *events.Envelope) (sandbox.Result, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.executed = append(s.executed, def.Name)
	s.mu.Unlock()
	s.count.Add(1)

	if outcome, ok := s.failures[def.Name]; ok {
		res := sandbox.Result{Outcome: outcome, Duration: time.Millisecond}
		return res, nexuserr.Execution(def.Name, string(outcome), errors.New("stub failure"))
	}
	return sandbox.Result{Outcome: sandbox.OutcomeSuccess, Duration: time.Millisecond}, nil
}

func task(t *testing.T, name string) Task {
	t.Helper()
	env, err := events.New("test.event", "/test").WithData("x")
	require.NoError(t, err)
	return Task{
		Def:      registry.FunctionDefinition{Name: name, Trigger: "test.*"},
		Envelope: env,
		TraceID:  "trace-" + name,
	}
}

func TestDispatcherRunsTasks(t *testing.T) {
	runner := &stubRunner{}
	collector := metrics.New()
	d := New(runner, collector, nil, nil, 2, 16)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(ctx, task(t, "fn")))
	}
	d.Stop()

	assert.Equal(t, int32(5), runner.count.Load())
	snap := collector.Snapshot()
	assert.Equal(t, uint64(5), snap.Functions.Executed)
	assert.Equal(t, uint64(5), snap.Functions.Succeeded)
}

func TestDispatcherDeadLettersFailures(t *testing.T) {
	runner := &stubRunner{failures: map[string]sandbox.Outcome{"bad": sandbox.OutcomeTrap}}
	sink := deadletter.NewMemorySink()
	collector := metrics.New()
	d := New(runner, collector, deadletter.NewRouter(sink), nil, 1, 16)

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, task(t, "good")))
	require.NoError(t, d.Enqueue(ctx, task(t, "bad")))
	d.Stop()

	entries, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bad", entries[0].Function)
	assert.Equal(t, sandbox.OutcomeTrap, entries[0].Outcome)
	assert.Equal(t, "trace-bad", entries[0].TraceID)
	assert.Equal(t, 1, entries[0].Attempt)

	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Functions.Failed)
	assert.Equal(t, uint64(1), snap.Events.Failed)
}

func TestDeadLetterCarriesReplayMarkers(t *testing.T) {
	runner := &stubRunner{failures: map[string]sandbox.Outcome{"bad": sandbox.OutcomeTrap}}
	sink := deadletter.NewMemorySink()
	d := New(runner, nil, deadletter.NewRouter(sink), nil, 1, 16)

	ctx := context.Background()
	original := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := task(t, "bad")
	tk.IsReplay = true
	tk.OriginalTime = &original
	require.NoError(t, d.Enqueue(ctx, tk))
	d.Stop()

	entries, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsReplay)
	require.NotNil(t, entries[0].OriginalTime)
	assert.Equal(t, original, *entries[0].OriginalTime)
}

func TestFanOutFailuresCountOneFailedEvent(t *testing.T) {
	runner := &stubRunner{failures: map[string]sandbox.Outcome{
		"bad-a": sandbox.OutcomeTrap,
		"bad-b": sandbox.OutcomeTrap,
	}}
	collector := metrics.New()
	d := New(runner, collector, nil, nil, 1, 16)

	ctx := context.Background()
	failure := new(sync.Once)
	for _, name := range []string{"bad-a", "bad-b"} {
		tk := task(t, name)
		tk.EventFailure = failure
		require.NoError(t, d.Enqueue(ctx, tk))
	}
	d.Stop()

	snap := collector.Snapshot()
	assert.Equal(t, uint64(2), snap.Functions.Failed)
	assert.Equal(t, uint64(1), snap.Events.Failed, "one event, one failure")
}

func TestTelemetryProviderObservesRuns(t *testing.T) {
	provider, err := observability.New(context.Background(), observability.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	runner := &stubRunner{}
	d := New(runner, nil, nil, provider, 1, 16)
	require.NoError(t, d.Enqueue(context.Background(), task(t, "fn")))
	d.Stop()
	assert.Equal(t, int32(1), runner.count.Load())
}

func TestEnqueueBlocksWhenQueueFull(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	d := New(runner, nil, nil, nil, 1, 1)
	ctx := context.Background()

	// First task occupies the worker, second fills the queue.
	require.NoError(t, d.Enqueue(ctx, task(t, "a")))
	require.Eventually(t, func() bool { return d.Queued() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(ctx, task(t, "b")))

	blockedCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := d.Enqueue(blockedCtx, task(t, "c"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(runner.block)
	d.Stop()
	assert.Equal(t, int32(2), runner.count.Load())
}

func TestStopDrainsQueue(t *testing.T) {
	runner := &stubRunner{}
	d := New(runner, nil, nil, nil, 1, 64)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, d.Enqueue(ctx, task(t, "fn")))
	}
	d.Stop()
	assert.Equal(t, int32(20), runner.count.Load(), "queued tasks run to completion")
	assert.Equal(t, 0, d.Queued())
}
