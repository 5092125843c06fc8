package modcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/nexus-labs/nexus/core/internal/wasmtest"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// slowCompiler wraps the real engine and counts compilations, optionally
// stalling so concurrent callers overlap.
type slowCompiler struct {
	engine   *sandbox.Engine
	delay    time.Duration
	compiles atomic.Int32
}

func (s *slowCompiler) Compile(ctx context.Context, class sandbox.MemoryClass, raw []byte) (wazero.CompiledModule, error) {
	s.compiles.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.engine.Compile(ctx, class, raw)
}

func (s *slowCompiler) Resolve(class sandbox.MemoryClass) sandbox.MemoryClass {
	return s.engine.Resolve(class)
}

func hashOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func newTestCache(t *testing.T, capacity int, delay time.Duration) (*Cache, *slowCompiler, *sandbox.Engine) {
	t.Helper()
	engine := sandbox.NewEngine(16 * 1024 * 1024)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	compiler := &slowCompiler{engine: engine, delay: delay}
	return New(compiler, capacity), compiler, engine
}

func loadBytes(raw []byte) func() ([]byte, error) {
	return func() ([]byte, error) { return raw, nil }
}

func TestGetOrCompileHitAfterMiss(t *testing.T) {
	cache, compiler, _ := newTestCache(t, 4, 0)
	ctx := context.Background()
	raw := wasmtest.EmptyModule()

	lease, err := cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	assert.False(t, lease.Hit)
	lease.Release()

	lease, err = cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	assert.True(t, lease.Hit)
	lease.Release()
	assert.Equal(t, int32(1), compiler.compiles.Load())

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestConcurrentCallersShareOneCompile(t *testing.T) {
	cache, compiler, _ := newTestCache(t, 4, 50*time.Millisecond)
	ctx := context.Background()
	raw := wasmtest.EmptyModule()
	hash := hashOf(raw)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := cache.GetOrCompile(ctx, hash, 0, loadBytes(raw))
			if assert.NoError(t, err) {
				lease.Release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), compiler.compiles.Load(), "single-flight per hash")
}

func TestDistinctMemoryClassesCompileSeparately(t *testing.T) {
	cache, compiler, _ := newTestCache(t, 4, 0)
	ctx := context.Background()
	raw := wasmtest.EmptyModule()
	hash := hashOf(raw)

	lease, err := cache.GetOrCompile(ctx, hash, sandbox.PagesFor(1<<20), loadBytes(raw))
	require.NoError(t, err)
	lease.Release()
	lease, err = cache.GetOrCompile(ctx, hash, sandbox.PagesFor(2<<20), loadBytes(raw))
	require.NoError(t, err)
	lease.Release()

	assert.Equal(t, int32(2), compiler.compiles.Load())
	assert.Equal(t, 1, cache.Stats().Entries, "one entry per artifact regardless of class")
}

func TestCapacityEviction(t *testing.T) {
	cache, _, _ := newTestCache(t, 2, 0)
	ctx := context.Background()

	modules := [][]byte{wasmtest.EmptyModule(), wasmtest.TrapModule(), wasmtest.LoopModule()}
	for _, raw := range modules {
		lease, err := cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
		require.NoError(t, err)
		lease.Release()
	}

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)

	// The first module was least recently used and must recompile.
	lease, err := cache.GetOrCompile(ctx, hashOf(modules[0]), 0, loadBytes(modules[0]))
	require.NoError(t, err)
	assert.False(t, lease.Hit)
	lease.Release()
}

func TestLoadErrorPropagatesAndCachesNothing(t *testing.T) {
	cache, _, _ := newTestCache(t, 4, 0)
	ctx := context.Background()

	boom := errors.New("artifact missing")
	_, err := cache.GetOrCompile(ctx, "sha256:deadbeef", 0, func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestClearAndInvalidate(t *testing.T) {
	cache, _, _ := newTestCache(t, 4, 0)
	ctx := context.Background()
	raw := wasmtest.EmptyModule()

	lease, err := cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	lease.Release()

	assert.True(t, cache.Invalidate(ctx, hashOf(raw)))
	assert.False(t, cache.Invalidate(ctx, hashOf(raw)))

	lease, err = cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 1, cache.Clear(ctx))
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestClearKeepsLeasedModuleUsable(t *testing.T) {
	cache, _, engine := newTestCache(t, 4, 0)
	ctx := context.Background()
	raw := wasmtest.EchoModule()

	lease, err := cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)

	// An admin clear racing an in-flight dispatch must not close the
	// module out from under the borrower.
	assert.Equal(t, 1, cache.Clear(ctx))

	res := engine.Invoke(ctx, lease.Compiled, 0, sandbox.InvokeSpec{Timeout: 5 * time.Second})
	assert.Equal(t, sandbox.OutcomeSuccess, res.Outcome)
	assert.Equal(t, wasmtest.EchoOutput, string(res.Stdout))
	lease.Release()

	// Gone from the cache, so the next call recompiles.
	lease, err = cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	assert.False(t, lease.Hit)
	lease.Release()
}

func TestEvictionKeepsLeasedModuleUsable(t *testing.T) {
	cache, _, engine := newTestCache(t, 1, 0)
	ctx := context.Background()
	held := wasmtest.EchoModule()

	lease, err := cache.GetOrCompile(ctx, hashOf(held), 0, loadBytes(held))
	require.NoError(t, err)

	// Inserting a second artifact evicts the held one.
	other, err := cache.GetOrCompile(ctx, hashOf(wasmtest.EmptyModule()), 0, loadBytes(wasmtest.EmptyModule()))
	require.NoError(t, err)
	other.Release()
	assert.Equal(t, uint64(1), cache.Stats().Evictions)

	res := engine.Invoke(ctx, lease.Compiled, 0, sandbox.InvokeSpec{Timeout: 5 * time.Second})
	assert.Equal(t, sandbox.OutcomeSuccess, res.Outcome)
	lease.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	cache, _, _ := newTestCache(t, 4, 0)
	ctx := context.Background()
	raw := wasmtest.EmptyModule()

	lease, err := cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	lease, err = cache.GetOrCompile(ctx, hashOf(raw), 0, loadBytes(raw))
	require.NoError(t, err)
	assert.True(t, lease.Hit)
	lease.Release()
}
