package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 256, cfg.QueueDepth)
	assert.Equal(t, int64(128)*1024*1024, cfg.DefaultMemoryLimit)
	assert.False(t, cfg.LenientExit)
	assert.Equal(t, time.Minute, cfg.RetentionInterval)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NEXUS_PORT", "9999")
	t.Setenv("NEXUS_DB_DRIVER", "postgres")
	t.Setenv("NEXUS_WORKERS", "16")
	t.Setenv("NEXUS_EXIT_POLICY", "lenient")
	t.Setenv("NEXUS_RETENTION_MAX_AGE", "48h")
	t.Setenv("NEXUS_RATE_LIMIT_RPS", "2.5")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 16, cfg.Workers)
	assert.True(t, cfg.LenientExit)
	assert.Equal(t, 48*time.Hour, cfg.RetentionMaxAge)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("NEXUS_WORKERS", "many")
	t.Setenv("NEXUS_RETENTION_MAX_AGE", "soon")
	cfg := Load()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, time.Duration(0), cfg.RetentionMaxAge)
}

const validFunctionsYAML = `
version: v1
functions:
  - name: resize-avatar
    trigger: user.created
    runtime: wasi-preview1
    code: ./build/resize.wasm
    timeout: 10s
    memory: 64Mi
    env:
      QUALITY: high
  - name: audit-all
    trigger: "user.*"
    code: ./build/audit.wasm
`

func TestParseFunctionsValid(t *testing.T) {
	defs, err := ParseFunctions([]byte(validFunctionsYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "resize-avatar", defs[0].Name)
	assert.Equal(t, "user.created", defs[0].Trigger)
	assert.Equal(t, "./build/resize.wasm", defs[0].ArtifactPath)
	assert.Equal(t, 10*time.Second, defs[0].Timeout)
	assert.Equal(t, int64(64)*1024*1024, defs[0].MemoryLimit)
	assert.Equal(t, "high", defs[0].Env["QUALITY"])

	// Defaults: runtime, 5s timeout, 128Mi memory.
	assert.Equal(t, 5*time.Second, defs[1].Timeout)
	assert.Equal(t, int64(128)*1024*1024, defs[1].MemoryLimit)
}

func TestParseFunctionsRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad version", "version: v2\nfunctions: []"},
		{"duplicate names", `
version: v1
functions:
  - {name: f, trigger: a.b, code: x.wasm}
  - {name: f, trigger: c.d, code: y.wasm}
`},
		{"unknown runtime", `
version: v1
functions:
  - {name: f, trigger: a.b, code: x.wasm, runtime: lua}
`},
		{"missing code", `
version: v1
functions:
  - {name: f, trigger: a.b}
`},
		{"missing trigger", `
version: v1
functions:
  - {name: f, code: x.wasm}
`},
		{"bad timeout", `
version: v1
functions:
  - {name: f, trigger: a.b, code: x.wasm, timeout: fast}
`},
		{"bad memory", `
version: v1
functions:
  - {name: f, trigger: a.b, code: x.wasm, memory: lots}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFunctions([]byte(tt.yaml))
			assert.True(t, nexuserr.Is(err, nexuserr.CodeConfigError), "got %v", err)
		})
	}
}

func TestParseMemoryUnits(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512Ki", 512 * 1024},
		{"128Mi", 128 * 1024 * 1024},
		{"1Gi", 1024 * 1024 * 1024},
		{"65536", 65536},
	}
	for _, tt := range tests {
		got, err := parseMemory(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "Mi", "-1Mi", "0", "1.5Mi"} {
		_, err := parseMemory(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadFunctionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFunctionsYAML), 0o644))

	defs, err := LoadFunctions(path)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = LoadFunctions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, nexuserr.Is(err, nexuserr.CodeConfigError))
}
