// Package envconfig reads runtime configuration from ZELKOVA_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Var returns an environment variable with surrounding spaces and quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application.
// Configurable via ZELKOVA_DEBUG: a boolean, or an integer verbosity.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ZELKOVA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Backend returns the requested driver name.
// Configurable via ZELKOVA_BACKEND. Default: cpu.
func Backend() string {
	if s := strings.ToLower(Var("ZELKOVA_BACKEND")); s != "" {
		return s
	}
	return "cpu"
}

// ResolveTimeout bounds a single resolution, including the read back wait.
// Configurable via ZELKOVA_RESOLVE_TIMEOUT as a duration or whole seconds.
// Zero, the default, means no timeout.
func ResolveTimeout() time.Duration {
	s := Var("ZELKOVA_RESOLVE_TIMEOUT")
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return max(d, 0)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return max(time.Duration(n)*time.Second, 0)
	}
	slog.Warn("invalid environment variable, using default", "key", "ZELKOVA_RESOLVE_TIMEOUT", "value", s, "default", 0)
	return 0
}

var (
	// WorkgroupSize is the compute workgroup size of generated shaders.
	WorkgroupSize = Uint("ZELKOVA_WORKGROUP_SIZE", 64)

	// MaxParallel bounds concurrent dispatches when resolving several graphs.
	MaxParallel = Uint("ZELKOVA_MAX_PARALLEL", 4)

	// UniformInputs binds small static inputs as uniform buffers.
	UniformInputs = BoolWithDefault("ZELKOVA_UNIFORM_INPUTS")

	// ValidateShaders compiles generated WGSL on the host before use.
	ValidateShaders = BoolWithDefault("ZELKOVA_VALIDATE_SHADERS")
)

// BoolWithDefault returns a reader for a boolean variable. Unparseable
// non-empty values count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Uint returns a reader for an unsigned variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable with its current value and description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"ZELKOVA_DEBUG":            {"ZELKOVA_DEBUG", LogLevel(), "Show additional debug information (e.g. ZELKOVA_DEBUG=1)"},
		"ZELKOVA_BACKEND":          {"ZELKOVA_BACKEND", Backend(), "Compute driver: cpu or webgpu (default: cpu)"},
		"ZELKOVA_WORKGROUP_SIZE":   {"ZELKOVA_WORKGROUP_SIZE", WorkgroupSize(), "Workgroup size of generated shaders (default: 64)"},
		"ZELKOVA_RESOLVE_TIMEOUT":  {"ZELKOVA_RESOLVE_TIMEOUT", ResolveTimeout(), "Give up on a resolution after this long (default: no timeout)"},
		"ZELKOVA_MAX_PARALLEL":     {"ZELKOVA_MAX_PARALLEL", MaxParallel(), "Maximum concurrent dispatches per resolution (default: 4)"},
		"ZELKOVA_UNIFORM_INPUTS":   {"ZELKOVA_UNIFORM_INPUTS", UniformInputs(true), "Bind small static inputs as uniform buffers (default: true)"},
		"ZELKOVA_VALIDATE_SHADERS": {"ZELKOVA_VALIDATE_SHADERS", ValidateShaders(true), "Validate generated WGSL on the host (default: true)"},
	}
}

// Values returns every variable formatted as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
