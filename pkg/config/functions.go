package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
	"github.com/nexus-labs/nexus/core/pkg/registry"
)

// supportedVersion is the only functions-file version this build accepts.
const supportedVersion = "v1"

var validRuntimes = map[string]bool{"wasi-preview1": true}

// FunctionsFile is the YAML document listing the registered functions.
type FunctionsFile struct {
	Version   string           `yaml:"version"`
	Functions []FunctionConfig `yaml:"functions"`
}

// FunctionConfig is one function declaration.
type FunctionConfig struct {
	Name    string            `yaml:"name"`
	Trigger string            `yaml:"trigger"`
	Runtime string            `yaml:"runtime"`
	Code    string            `yaml:"code"`
	Timeout string            `yaml:"timeout"`
	Memory  string            `yaml:"memory"`
	Env     map[string]string `yaml:"env"`
}

// LoadFunctions reads and validates a functions file, returning the
// definitions in declared order.
func LoadFunctions(path string) ([]registry.FunctionDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nexuserr.ConfigError(fmt.Sprintf("read functions file %s: %v", path, err))
	}
	return ParseFunctions(raw)
}

// ParseFunctions parses the YAML document.
func ParseFunctions(raw []byte) ([]registry.FunctionDefinition, error) {
	var file FunctionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, nexuserr.ConfigError(fmt.Sprintf("parse functions file: %v", err))
	}
	if file.Version != supportedVersion {
		return nil, nexuserr.ConfigError(fmt.Sprintf("unsupported functions file version %q", file.Version))
	}

	seen := make(map[string]bool, len(file.Functions))
	defs := make([]registry.FunctionDefinition, 0, len(file.Functions))
	for _, fc := range file.Functions {
		if fc.Name == "" {
			return nil, nexuserr.ConfigError("function with empty name")
		}
		if seen[fc.Name] {
			return nil, nexuserr.ConfigError(fmt.Sprintf("duplicate function name %q", fc.Name))
		}
		seen[fc.Name] = true

		runtime := fc.Runtime
		if runtime == "" {
			runtime = "wasi-preview1"
		}
		if !validRuntimes[runtime] {
			return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: unknown runtime %q", fc.Name, runtime))
		}
		if fc.Code == "" {
			return nil, nexuserr.ConfigError(fmt.Sprintf("function %q has empty code path", fc.Name))
		}
		if fc.Trigger == "" {
			return nil, nexuserr.ConfigError(fmt.Sprintf("function %q has no trigger", fc.Name))
		}

		timeout := 5 * time.Second
		if fc.Timeout != "" {
			d, err := time.ParseDuration(fc.Timeout)
			if err != nil || d <= 0 {
				return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: invalid timeout %q", fc.Name, fc.Timeout))
			}
			timeout = d
		}

		memory := int64(128) * 1024 * 1024
		if fc.Memory != "" {
			m, err := parseMemory(fc.Memory)
			if err != nil {
				return nil, nexuserr.ConfigError(fmt.Sprintf("function %q: invalid memory %q", fc.Name, fc.Memory))
			}
			memory = m
		}

		defs = append(defs, registry.FunctionDefinition{
			Name:         fc.Name,
			Trigger:      fc.Trigger,
			ArtifactPath: fc.Code,
			Timeout:      timeout,
			MemoryLimit:  memory,
			Env:          fc.Env,
		})
	}
	return defs, nil
}

// parseMemory accepts "128Mi", "64Ki", "1Gi" or a plain byte count.
func parseMemory(s string) (int64, error) {
	mult := int64(1)
	num := s
	switch {
	case strings.HasSuffix(s, "Ki"):
		mult, num = 1024, strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		mult, num = 1024*1024, strings.TrimSuffix(s, "Mi")
	case strings.HasSuffix(s, "Gi"):
		mult, num = 1024*1024*1024, strings.TrimSuffix(s, "Gi")
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return n * mult, nil
}
