// Package sandbox runs function modules in a wazero WASI sandbox.
// Deny-by-default: no filesystem, no network, no ambient authority.
// Input arrives on stdin, output leaves on stdout.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// wasmPageSize is the WebAssembly linear memory page size.
const wasmPageSize = 64 * 1024

// MaxOutputBytes caps captured stdout and stderr per invocation.
const MaxOutputBytes = 1 << 20

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeTrap     Outcome = "trap"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeIoError  Outcome = "io_error"
)

// MemoryClass is a per-function memory ceiling expressed in wasm pages.
// Runtimes carry the limit, so the engine keeps one runtime per class.
type MemoryClass uint32

// PagesFor converts a byte limit into a memory class, rounding up.
// A zero or negative limit means the engine default.
func PagesFor(limitBytes int64) MemoryClass {
	if limitBytes <= 0 {
		return 0
	}
	pages := (limitBytes + wasmPageSize - 1) / wasmPageSize
	if pages == 0 {
		pages = 1
	}
	return MemoryClass(pages)
}

// Bytes returns the class ceiling in bytes.
func (c MemoryClass) Bytes() int64 { return int64(c) * wasmPageSize }

// InvokeSpec describes one invocation of a compiled module.
type InvokeSpec struct {
	Env     map[string]string
	Input   []byte
	Timeout time.Duration
}

// Result carries the observable outcome of an invocation.
type Result struct {
	Outcome  Outcome
	Stdout   []byte
	Stderr   []byte
	ExitCode uint32
	Duration time.Duration
	Err      error
}

// Engine owns one wazero runtime per memory class. Compiled modules are
// bound to the runtime that produced them, so callers must compile and
// invoke under the same class.
type Engine struct {
	defaultClass MemoryClass

	mu       sync.Mutex
	runtimes map[MemoryClass]wazero.Runtime
	closed   bool
}

// NewEngine builds an engine whose zero memory class resolves to
// defaultLimitBytes.
func NewEngine(defaultLimitBytes int64) *Engine {
	def := PagesFor(defaultLimitBytes)
	if def == 0 {
		def = PagesFor(128 * 1024 * 1024)
	}
	return &Engine{
		defaultClass: def,
		runtimes:     make(map[MemoryClass]wazero.Runtime),
	}
}

// Resolve maps the zero class to the engine default.
func (e *Engine) Resolve(class MemoryClass) MemoryClass {
	if class == 0 {
		return e.defaultClass
	}
	return class
}

// runtimeFor lazily creates the runtime for a class. WASI is instantiated
// once per runtime; stdin, stdout and env are per-module configuration.
func (e *Engine) runtimeFor(ctx context.Context, class MemoryClass) (wazero.Runtime, error) {
	class = e.Resolve(class)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("sandbox engine closed")
	}
	if r, ok := e.runtimes[class]; ok {
		return r, nil
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(class)).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	e.runtimes[class] = r
	return r, nil
}

// Compile validates and compiles raw module bytes under a memory class.
func (e *Engine) Compile(ctx context.Context, class MemoryClass, raw []byte) (wazero.CompiledModule, error) {
	r, err := e.runtimeFor(ctx, class)
	if err != nil {
		return nil, err
	}
	compiled, err := r.CompileModule(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return compiled, nil
}

// Invoke instantiates compiled fresh and runs its _start. Every invocation
// gets new linear memory; nothing persists between calls.
func (e *Engine) Invoke(ctx context.Context, compiled wazero.CompiledModule, class MemoryClass, spec InvokeSpec) Result {
	r, err := e.runtimeFor(ctx, class)
	if err != nil {
		return Result{Outcome: OutcomeIoError, Err: err}
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	stdout := newCappedBuffer(MaxOutputBytes)
	stderr := newCappedBuffer(MaxOutputBytes)

	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent instantiations never collide
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(spec.Input)).
		WithStdout(stdout).
		WithStderr(stderr)
	for k, v := range spec.Env {
		modCfg = modCfg.WithEnv(k, v)
	}

	start := time.Now()
	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	elapsed := time.Since(start)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	res := Result{Duration: elapsed}
	var completed bool
	res.Outcome, res.ExitCode, res.Err, completed = classify(ctx, err)
	// A killed or trapped invocation yields no partial output. Output is
	// kept only for modules that ran to completion, including a non-zero
	// proc_exit for the result policy to reconcile.
	if completed {
		res.Stdout = stdout.Bytes()
		res.Stderr = stderr.Bytes()
	}
	return res
}

// classify maps an instantiation error to the outcome taxonomy. completed
// reports whether the module ran to its own end (return or proc_exit)
// rather than being trapped or killed.
func classify(ctx context.Context, err error) (Outcome, uint32, error, bool) {
	if err == nil {
		return OutcomeSuccess, 0, nil, true
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		switch code {
		case 0:
			return OutcomeSuccess, 0, nil, true
		case sys.ExitCodeDeadlineExceeded:
			return OutcomeTimedOut, code, err, false
		case sys.ExitCodeContextCanceled:
			return OutcomeTimedOut, code, err, false
		default:
			return OutcomeTrap, code, err, true
		}
	}
	if ctx.Err() != nil {
		return OutcomeTimedOut, 0, err, false
	}
	return OutcomeTrap, 0, err, false
}

// Close shuts down every runtime.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for class, r := range e.runtimes {
		if err := r.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close runtime class %d: %w", class, err)
		}
	}
	e.runtimes = nil
	return firstErr
}

// cappedBuffer discards writes past its limit instead of failing the
// guest's fd_write.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer { return &cappedBuffer{max: max} }

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }
