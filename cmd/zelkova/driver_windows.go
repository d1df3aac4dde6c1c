//go:build windows

package main

import (
	"fmt"

	"github.com/born-ml/zelkova/internal/backend/cpu"
	"github.com/born-ml/zelkova/internal/backend/webgpu"
	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/envconfig"
)

func openDriver(name string) (driver.Driver, error) {
	switch name {
	case "cpu":
		return cpu.New(cpu.WithValidation(envconfig.ValidateShaders(true))), nil
	case "webgpu":
		return webgpu.New(webgpu.WithValidation(envconfig.ValidateShaders(true)))
	default:
		return nil, fmt.Errorf("unknown backend %q (want cpu or webgpu)", name)
	}
}
