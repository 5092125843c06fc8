// Package registry holds the function definitions loaded at startup and
// matches event types against their triggers.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

// CELPrefix marks a trigger as a CEL expression over the event type.
const CELPrefix = "cel:"

// FunctionDefinition describes one registered WASM function.
type FunctionDefinition struct {
	Name         string
	Trigger      string
	ArtifactPath string
	Timeout      time.Duration
	MemoryLimit  int64
	Env          map[string]string
}

// matcher is one compiled trigger.
type matcher struct {
	def FunctionDefinition
	// exactly one of the following is set
	exact   string
	prefix  string // trigger "user.*" matches "user.created"
	suffix  string // trigger "*.created" matches "user.created"
	program cel.Program
}

// Registry is immutable after construction; Match is safe for concurrent
// use without locking.
type Registry struct {
	matchers []matcher
}

// New compiles the given definitions in declared order. Duplicate names
// and invalid triggers are ConfigError.
func New(defs []FunctionDefinition) (*Registry, error) {
	var env *cel.Env

	seen := make(map[string]bool, len(defs))
	matchers := make([]matcher, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, nexuserr.ConfigError("function with empty name")
		}
		if seen[def.Name] {
			return nil, nexuserr.ConfigError(fmt.Sprintf("duplicate function name %q", def.Name))
		}
		seen[def.Name] = true

		m := matcher{def: def}
		trigger := def.Trigger
		switch {
		case trigger == "":
			return nil, nexuserr.ConfigError(fmt.Sprintf("function %q has no trigger", def.Name))
		case strings.HasPrefix(trigger, CELPrefix):
			if env == nil {
				var err error
				env, err = cel.NewEnv(cel.Variable("type", cel.StringType))
				if err != nil {
					return nil, nexuserr.Internal(fmt.Errorf("cel env: %w", err))
				}
			}
			expr := strings.TrimPrefix(trigger, CELPrefix)
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: invalid CEL trigger: %v", def.Name, issues.Err()))
			}
			if ast.OutputType() != cel.BoolType {
				return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: CEL trigger must yield bool", def.Name))
			}
			prog, err := env.Program(ast)
			if err != nil {
				return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: CEL trigger: %v", def.Name, err))
			}
			m.program = prog
		case strings.HasSuffix(trigger, ".*"):
			m.prefix = strings.TrimSuffix(trigger, "*")
		case strings.HasPrefix(trigger, "*."):
			m.suffix = strings.TrimPrefix(trigger, "*")
		case strings.Contains(trigger, "*"):
			return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: wildcard only allowed as leading or trailing segment", def.Name))
		default:
			m.exact = trigger
		}
		matchers = append(matchers, m)
	}
	return &Registry{matchers: matchers}, nil
}

// Match returns every function whose trigger accepts eventType, in the
// order the functions were declared. A CEL evaluation error skips that
// function rather than failing the match.
func (r *Registry) Match(eventType string) []FunctionDefinition {
	var out []FunctionDefinition
	for _, m := range r.matchers {
		if m.matches(eventType) {
			out = append(out, m.def)
		}
	}
	return out
}

func (m *matcher) matches(eventType string) bool {
	switch {
	case m.exact != "":
		return eventType == m.exact
	case m.prefix != "":
		return strings.HasPrefix(eventType, m.prefix)
	case m.suffix != "":
		return strings.HasSuffix(eventType, m.suffix)
	case m.program != nil:
		val, _, err := m.program.Eval(map[string]any{"type": eventType})
		if err != nil {
			return false
		}
		b, ok := val.Value().(bool)
		return ok && b
	}
	return false
}

// Get looks up a definition by name.
func (r *Registry) Get(name string) (FunctionDefinition, bool) {
	for _, m := range r.matchers {
		if m.def.Name == name {
			return m.def, true
		}
	}
	return FunctionDefinition{}, false
}

// Len reports the number of registered functions.
func (r *Registry) Len() int { return len(r.matchers) }
