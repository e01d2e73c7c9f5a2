package session

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"numir/internal/pipeline"
	"numir/internal/spirv"
)

// Config is the session configuration surface, loadable from a TOML file.
type Config struct {
	// MaxDiagnostics caps the diagnostic bag of each compilation.
	MaxDiagnostics int `toml:"max_diagnostics"`

	Pipeline PipelineConfig `toml:"pipeline"`
	Engine   EngineConfig   `toml:"engine"`
	Device   DeviceConfig   `toml:"device"`
}

// PipelineConfig mirrors pipeline.Config.
type PipelineConfig struct {
	EnableGPU      bool     `toml:"enable_gpu"`
	OptLevel       int      `toml:"opt_level"`
	FastMath       bool     `toml:"fast_math"`
	ForceInline    bool     `toml:"force_inline"`
	MaxConcurrency int      `toml:"max_concurrency"`
	DebugTypes     []string `toml:"debug_types"`
	PrintBefore    []string `toml:"print_before"`
	PrintAfter     []string `toml:"print_after"`
}

// EngineConfig selects engine features.
type EngineConfig struct {
	ObjectCache bool `toml:"object_cache"`
	GDBNotify   bool `toml:"gdb_notify"`
	PerfNotify  bool `toml:"perf_notify"`
}

// DeviceConfig describes what the shader target supports.
type DeviceConfig struct {
	Float64 bool `toml:"float64"`
	Float16 bool `toml:"float16"`
}

// DefaultConfig returns the configuration used without a config file: GPU
// pipeline on, object cache on, a device without 64-bit floats.
func DefaultConfig() Config {
	return Config{
		MaxDiagnostics: 64,
		Pipeline: PipelineConfig{
			EnableGPU: true,
			OptLevel:  2,
		},
		Engine: EngineConfig{
			ObjectCache: true,
		},
	}
}

// LoadConfig reads a TOML config file over the defaults. Unknown keys are
// an error so typos do not silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("session: config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("session: config %s: unknown keys: %s",
			path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// pipelineConfig converts to the pipeline's own config type.
func (c Config) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		EnableGPUPipeline: c.Pipeline.EnableGPU,
		OptLevel:          c.Pipeline.OptLevel,
		FastMath:          c.Pipeline.FastMath,
		ForceInline:       c.Pipeline.ForceInline,
		MaxConcurrency:    c.Pipeline.MaxConcurrency,
		DebugTypes:        c.Pipeline.DebugTypes,
		PrintBefore:       c.Pipeline.PrintBefore,
		PrintAfter:        c.Pipeline.PrintAfter,
	}
}

// TargetEnv builds the shader target environment the device config names.
func (c Config) TargetEnv() spirv.TargetEnv {
	env := spirv.DefaultEnv()
	if c.Device.Float64 {
		env.Capabilities[spirv.CapabilityFloat64] = true
	}
	if c.Device.Float16 {
		env.Capabilities[spirv.CapabilityFloat16] = true
	}
	return env
}
