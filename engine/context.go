package engine

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Device names accepted by NewExecutionContext.
const (
	DeviceCPU  = "cpu"
	DeviceAuto = "auto"
)

// ExecutionContext describes where and how wide model math runs. It is
// built once from configuration and handed to model construction.
type ExecutionContext struct {
	Device        string
	Workers       int
	BrandName     string
	PhysicalCores int
	LogicalCores  int
	Features      []string
}

// NewExecutionContext resolves the device and worker count. workers <= 0
// selects one worker per logical core available to the process.
func NewExecutionContext(device string, workers int) (ExecutionContext, error) {
	device = strings.ToLower(strings.TrimSpace(device))
	switch device {
	case "", DeviceAuto, DeviceCPU:
		device = DeviceCPU
	default:
		return ExecutionContext{}, fmt.Errorf("device %q is not supported by the gorgonia CPU backend", device)
	}

	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	if workers <= 0 {
		workers = min(logical, runtime.GOMAXPROCS(0))
	}
	if workers <= 0 {
		workers = 1
	}

	return ExecutionContext{
		Device:        device,
		Workers:       workers,
		BrandName:     cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  logical,
		Features:      simdFeatures(),
	}, nil
}

// DefaultExecutionContext returns a CPU context sized to the machine.
func DefaultExecutionContext() ExecutionContext {
	ctx, _ := NewExecutionContext(DeviceCPU, 0)
	return ctx
}

// String summarises the context for logs.
func (c ExecutionContext) String() string {
	brand := c.BrandName
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s (%s, %d workers, simd: %s)", c.Device, brand, c.Workers, strings.Join(c.Features, ","))
}

func simdFeatures() []string {
	checks := []struct {
		name string
		id   cpuid.FeatureID
	}{
		{"sse4.2", cpuid.SSE42},
		{"avx", cpuid.AVX},
		{"avx2", cpuid.AVX2},
		{"fma3", cpuid.FMA3},
		{"avx512f", cpuid.AVX512F},
		{"asimd", cpuid.ASIMD},
	}
	var out []string
	for _, c := range checks {
		if cpuid.CPU.Supports(c.id) {
			out = append(out, c.name)
		}
	}
	if len(out) == 0 {
		out = append(out, "none")
	}
	return out
}
