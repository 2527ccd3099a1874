/*
PURPOSE:
  Best-effort snapshot of host, hardware and software facts that annotates a
  benchmark session.

REQUIREMENTS:
  User-specified:
  - CPU, memory, GPU, Neuron, installed packages, selected environment
    variables and cloud instance metadata.
  - A failing probe never aborts the snapshot.
  - Optional caller-supplied additional_info.

  Implementation-discovered:
  - Every external command and the metadata endpoint get their own timeout so
    a hung probe cannot stall the session.
  - PCI display devices are read from sysfs so a GPU is visible even when the
    vendor tool is not installed.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go, internal/cli/env.go
  - Uses: procfs, pcidb, aws imds, google/uuid

ERROR HANDLING:
  - Probes return sentinels ({"error": ...}, "Not available", "Not set").
  - Only Save can fail (write error).

IMPLEMENTATION RULES:
  - Probes are independent; no probe reads another's result.
  - All roots, commands and clocks are injectable for tests.

USAGE:
  snap := envinfo.Collect(ctx, envinfo.Options{})
  path, err := envinfo.Save(ctx, "results/env_info.json", extra, envinfo.Options{})

SELF-HEALING INSTRUCTIONS:
  - If a probe keeps timing out, raise its timeout constant.

RELATED FILES:
  - internal/envinfo/probes.go
  - internal/envinfo/pci.go
  - internal/envinfo/instance.go

MAINTENANCE:
  - Update the package and variable allowlists with the serving stack.
*/

package envinfo

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/daryltucker/forest-bench/internal/output"
)

const (
	vendorToolTimeout = 10 * time.Second
	packageTimeout    = 5 * time.Second
	detectTimeout     = 5 * time.Second
	metadataTimeout   = 2 * time.Second

	notAvailable = "Not available"
	notSet       = "Not set"
	notInstalled = "Not installed"
)

// Packages are the Python packages whose versions are reported.
var Packages = []string{
	"vllm",
	"torch",
	"transformers",
	"accelerate",
	"neuronx-cc",
	"torch-neuronx",
	"neuronx-distributed",
}

// EnvironmentVariables are the variables whose values are reported.
var EnvironmentVariables = []string{
	"CUDA_VISIBLE_DEVICES",
	"NEURON_RT_NUM_CORES",
	"NEURON_COMPILE_CACHE_URL",
	"NEURON_CC_FLAGS",
	"VLLM_USE_MODELSCOPE",
	"HF_HOME",
	"TRANSFORMERS_CACHE",
}

// Snapshot is the environment document. Keys follow the JSON file layout.
type Snapshot map[string]any

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Options selects probe sources. Zero values use the live system.
type Options struct {
	ProcRoot string
	SysRoot  string

	// IMDSEndpoint overrides the instance metadata endpoint.
	IMDSEndpoint string
	// SkipIMDS disables the metadata probe, reporting a provider sentinel.
	SkipIMDS bool

	Run       CommandRunner
	LookupEnv func(string) (string, bool)
	PCIName   func(vendorID, deviceID string) string
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
	if o.SysRoot == "" {
		o.SysRoot = "/sys"
	}
	if o.Run == nil {
		o.Run = execCommand
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.PCIName == nil {
		o.PCIName = lookupPCIName
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Collect runs every probe and composes the snapshot.
func Collect(ctx context.Context, opts Options) Snapshot {
	opts = opts.withDefaults()

	snap := Snapshot{
		"session_id":            uuid.NewString(),
		"timestamp":             opts.Now().Format(time.RFC3339),
		"platform":              platformInfo(opts),
		"cpu":                   cpuInfo(opts),
		"memory":                memoryInfo(opts),
		"gpu":                   gpuInfo(ctx, opts),
		"neuron":                neuronInfo(ctx, opts),
		"instance":              instanceInfo(ctx, opts),
		"python_packages":       packageVersions(ctx, opts),
		"environment_variables": environmentVariables(opts),
	}
	output.Logger.Debug("Collected environment snapshot", "session_id", snap["session_id"])
	return snap
}

// Save collects a snapshot, attaches additional under "additional_info" when
// non-empty, and writes it to path.
func Save(ctx context.Context, path string, additional map[string]any, opts Options) (Snapshot, error) {
	snap := Collect(ctx, opts)
	if len(additional) > 0 {
		snap["additional_info"] = additional
	}
	if err := output.WriteJSONFile(path, snap); err != nil {
		return nil, err
	}
	output.Logger.Info("Environment information saved", "path", path)
	return snap, nil
}
