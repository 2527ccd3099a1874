package envinfo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/forest-bench/internal/model"
	"github.com/daryltucker/forest-bench/internal/output"
)

func TestMain(m *testing.M) {
	output.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

const cpuinfo = `processor	: 0
vendor_id	: AuthenticAMD
model name	: AMD EPYC 7R32

processor	: 1
vendor_id	: AuthenticAMD
model name	: AMD EPYC 7R32
`

const meminfo = `MemTotal:       16106860 kB
MemFree:         1200000 kB
MemAvailable:   12000000 kB
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fakeProc(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "cpuinfo"), cpuinfo)
	writeFile(t, filepath.Join(root, "meminfo"), meminfo)
	writeFile(t, filepath.Join(root, "sys", "kernel", "osrelease"), "6.1.0-aws\n")
	return root
}

func fakeSys(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dev := filepath.Join(root, pciDevicesPath)
	writeFile(t, filepath.Join(dev, "0000:00:1e.0", "class"), "0x030200\n")
	writeFile(t, filepath.Join(dev, "0000:00:1e.0", "vendor"), "0x10de\n")
	writeFile(t, filepath.Join(dev, "0000:00:1e.0", "device"), "0x2237\n")
	writeFile(t, filepath.Join(dev, "0000:00:03.0", "class"), "0x020000\n")
	writeFile(t, filepath.Join(dev, "0000:00:03.0", "vendor"), "0x1d0f\n")
	writeFile(t, filepath.Join(dev, "0000:00:03.0", "device"), "0xec20\n")
	return root
}

// scriptedRunner answers commands from a table keyed by "name args...".
type scriptedRunner map[string]struct {
	out string
	err error
}

func (s scriptedRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if r, ok := s[key]; ok {
		return []byte(r.out), r.err
	}
	if r, ok := s[name]; ok {
		return []byte(r.out), r.err
	}
	return nil, &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func exitErr(stderr string) error {
	return &exec.ExitError{Stderr: []byte(stderr)}
}

func baseOptions(t *testing.T, runner scriptedRunner) Options {
	return Options{
		ProcRoot:  fakeProc(t),
		SysRoot:   fakeSys(t),
		SkipIMDS:  true,
		Run:       runner.run,
		LookupEnv: func(k string) (string, bool) { return map[string]string{"HF_HOME": "/data/hf"}[k], k == "HF_HOME" },
		PCIName:   func(v, d string) string { return "name-" + v + d },
		Now:       func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestCollectGPUHost(t *testing.T) {
	runner := scriptedRunner{
		"nvidia-smi --query-gpu=name,driver_version,memory.total --format=csv,noheader": {
			out: "NVIDIA A10G, 535.104.05, 23028 MiB\n",
		},
		"pip show vllm":  {out: "Name: vllm\nVersion: 0.6.3\n"},
		"pip show torch": {out: "Name: torch\nVersion: 2.4.0\n"},
		"pip":            {err: exitErr("WARNING: Package(s) not found")},
	}

	snap := Collect(context.Background(), baseOptions(t, runner))

	assert.Equal(t, "2025-01-01T00:00:00Z", snap["timestamp"])
	assert.NotEmpty(t, snap["session_id"])

	platform := snap["platform"].(map[string]any)
	assert.Equal(t, "6.1.0-aws", platform["release"])
	assert.Equal(t, notAvailable, platform["version"])

	gpu := snap["gpu"].(map[string]any)
	assert.Equal(t, "NVIDIA", gpu["type"])
	assert.Equal(t, "NVIDIA A10G", gpu["name"])
	assert.Equal(t, "535.104.05", gpu["driver_version"])
	assert.Equal(t, "23028 MiB", gpu["memory_total"])
	assert.Equal(t, []PCIDevice{{
		Slot: "0000:00:1e.0", VendorID: "10de", DeviceID: "2237", Class: "030200", Name: "name-10de2237",
	}}, gpu["pci_devices"])

	neuron := snap["neuron"].(map[string]any)
	assert.Equal(t, false, neuron["available"])
	assert.Equal(t, "neuron-ls not found", neuron["type"])

	pkgs := snap["python_packages"].(map[string]string)
	assert.Equal(t, "0.6.3", pkgs["vllm"])
	assert.Equal(t, "2.4.0", pkgs["torch"])
	assert.Equal(t, notInstalled, pkgs["neuronx-cc"])
	assert.Len(t, pkgs, len(Packages))

	env := snap["environment_variables"].(map[string]string)
	assert.Equal(t, "/data/hf", env["HF_HOME"])
	assert.Equal(t, notSet, env["CUDA_VISIBLE_DEVICES"])

	assert.Equal(t, map[string]any{"provider": providerUnavailable}, snap["instance"])

	mem := snap["memory"].(map[string]any)
	assert.Equal(t, "16106860 kB", mem["MemTotal"])
	assert.Equal(t, "12000000 kB", mem["MemAvailable"])
}

func TestCollectCPU(t *testing.T) {
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		t.Skip("cpuinfo fixture uses the x86 layout")
	}
	snap := Collect(context.Background(), baseOptions(t, scriptedRunner{}))
	cpu := snap["cpu"].(map[string]any)
	assert.Equal(t, "AMD EPYC 7R32", cpu["model"])
	assert.Equal(t, runtime.NumCPU(), cpu["count"])
}

func TestCollectProbeFailuresUseSentinels(t *testing.T) {
	runner := scriptedRunner{
		"nvidia-smi": {err: exitErr("NVIDIA-SMI has failed")},
		"neuron-ls":  {err: exitErr("no devices")},
		"pip":        {err: errors.New("signal: killed")},
	}
	opts := baseOptions(t, runner)
	opts.ProcRoot = filepath.Join(t.TempDir(), "missing")
	opts.SysRoot = filepath.Join(t.TempDir(), "missing")

	snap := Collect(context.Background(), opts)

	assert.Contains(t, snap["cpu"], "error")
	assert.Contains(t, snap["memory"], "error")
	assert.Equal(t, map[string]any{"type": notAvailable, "error": "NVIDIA-SMI has failed"}, snap["gpu"])
	assert.Equal(t, map[string]any{"available": false, "type": notAvailable}, snap["neuron"])
	assert.Equal(t, "Error: signal: killed", snap["python_packages"].(map[string]string)["vllm"])
}

func TestCollectNeuronHost(t *testing.T) {
	runner := scriptedRunner{"neuron-ls": {out: "instance-type: inf2.xlarge\n"}}
	snap := Collect(context.Background(), baseOptions(t, runner))

	neuron := snap["neuron"].(map[string]any)
	assert.Equal(t, true, neuron["available"])
	assert.Equal(t, "instance-type: inf2.xlarge", neuron["output"])
}

func TestDetectHardwareType(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, model.HardwareGPU, DetectHardwareType(ctx, Options{Run: scriptedRunner{"nvidia-smi": {}}.run}))
	assert.Equal(t, model.HardwareNeuron, DetectHardwareType(ctx, Options{Run: scriptedRunner{"neuron-ls": {}}.run}))
	assert.Equal(t, model.HardwareUnknown, DetectHardwareType(ctx, Options{Run: scriptedRunner{}.run}))
}

func TestDetectHardwareTypeTimeout(t *testing.T) {
	slow := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, model.HardwareUnknown, DetectHardwareType(ctx, Options{Run: slow}))
}

func newFakeIMDS(t *testing.T, values map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/latest/api/token" {
			w.Header().Set("X-Aws-Ec2-Metadata-Token-Ttl-Seconds", "21600")
			_, _ = w.Write([]byte("token"))
			return
		}
		v, ok := values[strings.TrimPrefix(r.URL.Path, "/latest/meta-data/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(v))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstanceMetadata(t *testing.T) {
	srv := newFakeIMDS(t, map[string]string{
		"instance-type":               "g5.xlarge",
		"placement/availability-zone": "us-east-1a",
	})
	opts := baseOptions(t, scriptedRunner{})
	opts.SkipIMDS = false
	opts.IMDSEndpoint = srv.URL

	snap := Collect(context.Background(), opts)
	assert.Equal(t, map[string]any{
		"instance_type":     "g5.xlarge",
		"availability_zone": "us-east-1a",
		"provider":          providerEC2,
	}, snap["instance"])

	assert.Equal(t, "g5.xlarge", DetectInstanceType(context.Background(), opts))
}

func TestInstanceMetadataUnavailable(t *testing.T) {
	srv := newFakeIMDS(t, map[string]string{})
	opts := Options{IMDSEndpoint: srv.URL}

	assert.Equal(t, unknownInstanceType, DetectInstanceType(context.Background(), opts))
	assert.Equal(t, map[string]any{"provider": providerUnavailable}, instanceInfo(context.Background(), opts.withDefaults()))
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env_info.json")
	opts := baseOptions(t, scriptedRunner{})

	_, err := Save(context.Background(), path, map[string]any{"model": "Qwen/Qwen3-0.6B-Instruct"}, opts)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"timestamp", "platform", "cpu", "memory", "gpu", "neuron", "instance", "python_packages", "environment_variables"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, map[string]any{"model": "Qwen/Qwen3-0.6B-Instruct"}, doc["additional_info"])

	_, err = Save(context.Background(), filepath.Join(t.TempDir(), "missing", "x.json"), nil, opts)
	assert.Error(t, err)
}

func TestNormalizePCIID(t *testing.T) {
	assert.Equal(t, "10de", normalizePCIID("0x10DE\n"))
	assert.Equal(t, "", normalizePCIID(notAvailable))
}
