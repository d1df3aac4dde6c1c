package engine

import (
	"time"

	"github.com/born-ml/zelkova/internal/codegen"
	"github.com/born-ml/zelkova/internal/envconfig"
)

// Config holds the engine settings.
type Config struct {
	// WorkgroupSize is the @workgroup_size of generated entry points.
	WorkgroupSize uint32
	// ResolveTimeout bounds each resolution; zero means no bound.
	ResolveTimeout time.Duration
	// MaxParallel bounds concurrent dispatch and read back in ResolveAll.
	MaxParallel int
	// UniformInputs binds small static inputs as uniform buffers.
	UniformInputs bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		WorkgroupSize: codegen.DefaultWorkgroupSize,
		MaxParallel:   4,
		UniformInputs: true,
	}
}

// ConfigFromEnv reads the ZELKOVA_* variables.
func ConfigFromEnv() Config {
	return Config{
		WorkgroupSize:  uint32(envconfig.WorkgroupSize()),
		ResolveTimeout: envconfig.ResolveTimeout(),
		MaxParallel:    int(envconfig.MaxParallel()),
		UniformInputs:  envconfig.UniformInputs(true),
	}
}

func (c Config) normalized() Config {
	if c.WorkgroupSize == 0 {
		c.WorkgroupSize = codegen.DefaultWorkgroupSize
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 1
	}
	return c
}
