package envinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/daryltucker/forest-bench/internal/model"
)

func platformInfo(opts Options) map[string]any {
	info := map[string]any{
		"system":     runtime.GOOS,
		"release":    readTrimmed(filepath.Join(opts.ProcRoot, "sys", "kernel", "osrelease")),
		"version":    readTrimmed(filepath.Join(opts.ProcRoot, "sys", "kernel", "version")),
		"go_version": runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	return info
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return notAvailable
	}
	return strings.TrimSpace(string(data))
}

func cpuInfo(opts Options) map[string]any {
	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return errorInfo(err)
	}
	cpus, err := fs.CPUInfo()
	if err != nil {
		return errorInfo(err)
	}

	var modelName any
	for _, cpu := range cpus {
		if cpu.ModelName != "" {
			modelName = cpu.ModelName
			break
		}
	}
	return map[string]any{
		"model":        modelName,
		"count":        runtime.NumCPU(),
		"architecture": runtime.GOARCH,
	}
}

func memoryInfo(opts Options) map[string]any {
	fs, err := procfs.NewFS(opts.ProcRoot)
	if err != nil {
		return errorInfo(err)
	}
	mem, err := fs.Meminfo()
	if err != nil {
		return errorInfo(err)
	}

	info := map[string]any{}
	if mem.MemTotal != nil {
		info["MemTotal"] = fmt.Sprintf("%d kB", *mem.MemTotal)
	}
	if mem.MemAvailable != nil {
		info["MemAvailable"] = fmt.Sprintf("%d kB", *mem.MemAvailable)
	}
	return info
}

func gpuInfo(ctx context.Context, opts Options) map[string]any {
	info := queryNvidiaSMI(ctx, opts)
	if devices := pciDisplayDevices(opts); len(devices) > 0 {
		info["pci_devices"] = devices
	}
	return info
}

func queryNvidiaSMI(ctx context.Context, opts Options) map[string]any {
	out, err := runWithTimeout(ctx, opts, vendorToolTimeout,
		"nvidia-smi", "--query-gpu=name,driver_version,memory.total", "--format=csv,noheader")
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return map[string]any{"type": "nvidia-smi not found"}
		case isExitError(err):
			return map[string]any{"type": notAvailable, "error": commandError(err)}
		default:
			return map[string]any{"type": "Error", "error": err.Error()}
		}
	}

	lines := nonEmptyLines(out)
	info := map[string]any{
		"name":           nil,
		"driver_version": nil,
		"memory_total":   nil,
		"count":          len(lines),
		"type":           "NVIDIA",
	}
	if len(lines) > 0 {
		fields := strings.Split(lines[0], ", ")
		for i, key := range []string{"name", "driver_version", "memory_total"} {
			if i < len(fields) {
				info[key] = strings.TrimSpace(fields[i])
			}
		}
	}
	return info
}

func neuronInfo(ctx context.Context, opts Options) map[string]any {
	out, err := runWithTimeout(ctx, opts, vendorToolTimeout, "neuron-ls")
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return map[string]any{"available": false, "type": "neuron-ls not found"}
		case isExitError(err):
			return map[string]any{"available": false, "type": notAvailable}
		default:
			return map[string]any{"available": false, "error": err.Error()}
		}
	}
	return map[string]any{
		"available": true,
		"output":    strings.TrimSpace(string(out)),
		"type":      "AWS Inferentia/Trainium",
	}
}

func packageVersions(ctx context.Context, opts Options) map[string]string {
	versions := make(map[string]string, len(Packages))
	for _, pkg := range Packages {
		out, err := runWithTimeout(ctx, opts, packageTimeout, "pip", "show", pkg)
		if err != nil {
			if isExitError(err) {
				versions[pkg] = notInstalled
			} else {
				versions[pkg] = "Error: " + err.Error()
			}
			continue
		}
		versions[pkg] = notInstalled
		for _, line := range nonEmptyLines(out) {
			if v, ok := strings.CutPrefix(line, "Version:"); ok {
				versions[pkg] = strings.TrimSpace(v)
				break
			}
		}
	}
	return versions
}

func environmentVariables(opts Options) map[string]string {
	vars := make(map[string]string, len(EnvironmentVariables))
	for _, name := range EnvironmentVariables {
		if v, ok := opts.LookupEnv(name); ok {
			vars[name] = v
		} else {
			vars[name] = notSet
		}
	}
	return vars
}

// DetectHardwareType reports gpu when nvidia-smi runs, neuron when neuron-ls
// runs, unknown otherwise.
func DetectHardwareType(ctx context.Context, opts Options) model.HardwareType {
	opts = opts.withDefaults()
	if _, err := runWithTimeout(ctx, opts, detectTimeout, "nvidia-smi"); err == nil {
		return model.HardwareGPU
	}
	if _, err := runWithTimeout(ctx, opts, detectTimeout, "neuron-ls"); err == nil {
		return model.HardwareNeuron
	}
	return model.HardwareUnknown
}

func runWithTimeout(ctx context.Context, opts Options, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return opts.Run(ctx, name, args...)
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func commandError(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return err.Error()
}

func nonEmptyLines(out []byte) []string {
	var lines []string
	for _, line := range bytes.Split(out, []byte("\n")) {
		if s := strings.TrimSpace(string(line)); s != "" {
			lines = append(lines, s)
		}
	}
	return lines
}

func errorInfo(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
