package colony

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUMonitorConfig configures probe paths and timing for GPUMonitor.
type GPUMonitorConfig struct {
	NvidiaSMIPath string
	ROCmSMIPath   string
	XPUSMIPath    string
	ProbeTimeout  time.Duration
}

// GPUMonitor polls vendor-specific command-line tools and normalizes their
// output into GPUReading. Probes are attempted in order: NVIDIA, AMD, Intel;
// the first success wins. All probes failing yields an Unavailable reading.
type GPUMonitor struct {
	cfg    GPUMonitorConfig
	runCmd func(ctx context.Context, name string, args ...string) ([]byte, error)
	logger *slog.Logger
}

// NewGPUMonitor constructs a GPUMonitor using the real os/exec runner.
func NewGPUMonitor(cfg GPUMonitorConfig, logger *slog.Logger) *GPUMonitor {
	if cfg.NvidiaSMIPath == "" {
		cfg.NvidiaSMIPath = "nvidia-smi"
	}
	if cfg.ROCmSMIPath == "" {
		cfg.ROCmSMIPath = "rocm-smi"
	}
	if cfg.XPUSMIPath == "" {
		cfg.XPUSMIPath = "xpu-smi"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = nopLogger
	}
	return &GPUMonitor{cfg: cfg, runCmd: runCommand, logger: logger}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Snapshot attempts each vendor probe in order and returns the first
// success, normalized to GPUReading. Returns Unavailable=true if every
// probe fails.
func (g *GPUMonitor) Snapshot(ctx context.Context) GPUReading {
	probeCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()

	if out, err := g.runCmd(probeCtx, g.cfg.NvidiaSMIPath,
		"--query-gpu=index,memory.total,memory.used,memory.free,utilization.gpu",
		"--format=csv,noheader,nounits"); err == nil {
		if reading, ok := parseNvidiaSMI(out); ok {
			reading.ObservedAt = time.Now()
			return reading
		}
	} else {
		g.logger.Debug("colony: nvidia-smi probe failed", "error", err)
	}

	if out, err := g.runCmd(probeCtx, g.cfg.ROCmSMIPath, "--showmeminfo", "vram", "--json"); err == nil {
		if reading, ok := parseROCmSMI(out); ok {
			reading.ObservedAt = time.Now()
			return reading
		}
	} else {
		g.logger.Debug("colony: rocm-smi probe failed", "error", err)
	}

	if out, err := g.runCmd(probeCtx, g.cfg.XPUSMIPath, "dump", "-d", "-1", "-m", "0,5", "-n", "1"); err == nil {
		if reading, ok := parseXPUSMI(out); ok {
			reading.ObservedAt = time.Now()
			return reading
		}
	} else {
		g.logger.Debug("colony: xpu-smi probe failed", "error", err)
	}

	g.logger.Warn("colony: all GPU probes failed, marking unavailable")
	return GPUReading{Unavailable: true, ObservedAt: time.Now()}
}

// Watch invokes callback(reading) every interval until ctx is cancelled.
func (g *GPUMonitor) Watch(ctx context.Context, interval time.Duration, callback func(GPUReading)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callback(g.Snapshot(ctx))
		}
	}
}

// parseNvidiaSMI parses `nvidia-smi --query-gpu=... --format=csv,noheader,nounits`
// output: one line per device, "index, total, used, free, util".
func parseNvidiaSMI(out []byte) (GPUReading, bool) {
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	var devices []DeviceReading
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			continue
		}
		idx, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
		total, err2 := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		used, err3 := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		free, err4 := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
		util, err5 := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		devices = append(devices, DeviceReading{Index: idx, TotalMB: total, UsedMB: used, FreeMB: free, UtilizationPct: util})
	}
	if len(devices) == 0 {
		return GPUReading{}, false
	}
	return aggregateDevices(devices, "nvidia"), true
}

// parseROCmSMI parses a minimal subset of `rocm-smi --showmeminfo vram
// --json` output; full AMD SMI output has a richer nested shape that
// colony does not otherwise need.
func parseROCmSMI(out []byte) (GPUReading, bool) {
	text := string(out)
	total, okT := extractROCmField(text, "VRAM Total Memory (B)")
	used, okU := extractROCmField(text, "VRAM Total Used Memory (B)")
	if !okT || !okU {
		return GPUReading{}, false
	}
	totalMB := total / (1024 * 1024)
	usedMB := used / (1024 * 1024)
	freeMB := totalMB - usedMB
	device := DeviceReading{Index: 0, TotalMB: totalMB, UsedMB: usedMB, FreeMB: freeMB}
	return aggregateDevices([]DeviceReading{device}, "amd"), true
}

func extractROCmField(text, key string) (int64, bool) {
	idx := strings.Index(text, key)
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len(key):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return 0, false
	}
	rest = rest[colon+1:]
	var digits strings.Builder
	for _, r := range rest {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseXPUSMI parses `xpu-smi dump -d -1 -m 0,5 -n 1` CSV output: a header
// row naming columns, one data row per device thereafter. Columns are
// matched by name rather than position since xpu-smi reorders them to match
// the requested metric ids.
func parseXPUSMI(out []byte) (GPUReading, bool) {
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	var header []string
	var devices []DeviceReading
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if header == nil {
			header = fields
			continue
		}
		idxOf := func(name string) int {
			for i, h := range header {
				if strings.Contains(h, name) {
					return i
				}
			}
			return -1
		}
		deviceCol, utilCol, usedCol := idxOf("DeviceId"), idxOf("GPU Utilization"), idxOf("GPU Memory Used")
		if deviceCol < 0 || usedCol < 0 || usedCol >= len(fields) {
			continue
		}
		idx, err := strconv.Atoi(fields[deviceCol])
		if err != nil {
			continue
		}
		used, err := strconv.ParseFloat(fields[usedCol], 64)
		if err != nil {
			continue
		}
		var util float64
		if utilCol >= 0 && utilCol < len(fields) {
			util, _ = strconv.ParseFloat(fields[utilCol], 64)
		}
		devices = append(devices, DeviceReading{Index: idx, UsedMB: int64(used), UtilizationPct: util})
	}
	if len(devices) == 0 {
		return GPUReading{}, false
	}
	return aggregateDevices(devices, "intel"), true
}

func aggregateDevices(devices []DeviceReading, vendor string) GPUReading {
	var total, used, free int64
	var utilSum float64
	for _, d := range devices {
		total += d.TotalMB
		used += d.UsedMB
		free += d.FreeMB
		utilSum += d.UtilizationPct
	}
	return GPUReading{
		TotalMB:        total,
		UsedMB:         used,
		FreeMB:         free,
		UtilizationPct: utilSum / float64(len(devices)),
		DeviceCount:    len(devices),
		PerDevice:      devices,
		Vendor:         vendor,
	}
}
