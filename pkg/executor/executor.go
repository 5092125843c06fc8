// Package executor runs one function against one event: resolve the
// artifact, compile through the cache, invoke in the sandbox, classify.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/artifacts"
	"github.com/nexus-labs/nexus/core/pkg/events"
	"github.com/nexus-labs/nexus/core/pkg/modcache"
	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/registry"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

// ResultPolicy decides how a non-zero guest exit code is reported.
type ResultPolicy int

const (
	// PolicyStrictExit treats any non-zero exit as a trap (default).
	PolicyStrictExit ResultPolicy = iota
	// PolicyLenientExit treats a clean non-zero exit as success; the exit
	// code stays on the result for callers that care.
	PolicyLenientExit
)

// DefaultTimeout applies when a function definition sets none.
const DefaultTimeout = 30 * time.Second

// Executor is safe for concurrent use.
type Executor struct {
	store  artifacts.Store
	cache  *modcache.Cache
	engine *sandbox.Engine
	policy ResultPolicy
	logger *slog.Logger
}

func New(store artifacts.Store, cache *modcache.Cache, engine *sandbox.Engine, policy ResultPolicy) *Executor {
	return &Executor{
		store:  store,
		cache:  cache,
		engine: engine,
		policy: policy,
		logger: slog.Default().With("component", "executor"),
	}
}

// Execute runs def against env. The full envelope JSON is the function's
// stdin. The returned error is non-nil exactly when the outcome is not
// success; the result is always populated.
func (e *Executor) Execute(ctx context.Context, def registry.FunctionDefinition, env *events.Envelope) (sandbox.Result, error) {
	input, err := env.JSON()
	if err != nil {
		res := sandbox.Result{Outcome: sandbox.OutcomeIoError, Err: err}
		return res, nexuserr.Execution(def.Name, string(res.Outcome), err)
	}

	class := e.engine.Resolve(sandbox.PagesFor(def.MemoryLimit))
	hash, load, err := e.resolveArtifact(def.ArtifactPath)
	if err != nil {
		res := sandbox.Result{Outcome: sandbox.OutcomeIoError, Err: err}
		return res, nexuserr.Execution(def.Name, string(res.Outcome), err)
	}

	lease, err := e.cache.GetOrCompile(ctx, hash, class, load)
	if err != nil {
		res := sandbox.Result{Outcome: sandbox.OutcomeIoError, Err: err}
		return res, nexuserr.Execution(def.Name, string(res.Outcome), err)
	}
	defer lease.Release()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	res := e.engine.Invoke(ctx, lease.Compiled, class, sandbox.InvokeSpec{
		Env:     def.Env,
		Input:   input,
		Timeout: timeout,
	})

	// A guest that exits non-zero without trapping is a policy question,
	// not a sandbox one.
	if e.policy == PolicyLenientExit && res.Outcome == sandbox.OutcomeTrap && res.ExitCode != 0 {
		res.Outcome = sandbox.OutcomeSuccess
		res.Err = nil
	}

	e.logger.DebugContext(ctx, "function executed",
		"function", def.Name,
		"event_id", env.ID,
		"outcome", string(res.Outcome),
		"cache_hit", lease.Hit,
		"duration_ms", res.Duration.Milliseconds(),
	)

	if res.Outcome != sandbox.OutcomeSuccess {
		return res, nexuserr.Execution(def.Name, string(res.Outcome), res.Err)
	}
	return res, nil
}

// resolveArtifact maps a definition's artifact reference to a cache key
// and a loader. "sha256:" references hit the store; anything else is a
// filesystem path, hashed after reading so the cache key follows content.
func (e *Executor) resolveArtifact(ref string) (string, func() ([]byte, error), error) {
	if strings.HasPrefix(ref, "sha256:") {
		return ref, func() ([]byte, error) {
			return e.store.Get(context.Background(), ref)
		}, nil
	}
	raw, err := artifacts.LoadWASM(ref)
	if err != nil {
		return "", nil, err
	}
	return artifacts.HashBytes(raw), func() ([]byte, error) { return raw, nil }, nil
}
