package colony

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseNvidiaSMIAggregatesDevices(t *testing.T) {
	out := []byte("0, 24000, 4000, 20000, 10\n1, 24000, 2000, 22000, 5\n")
	reading, ok := parseNvidiaSMI(out)
	if !ok {
		t.Fatal("expected parse success")
	}
	if reading.TotalMB != 48000 || reading.UsedMB != 6000 || reading.FreeMB != 42000 {
		t.Errorf("got %+v", reading)
	}
	if reading.DeviceCount != 2 || reading.Vendor != "nvidia" {
		t.Errorf("got %+v", reading)
	}
}

func TestParseNvidiaSMIEmptyOutputFails(t *testing.T) {
	if _, ok := parseNvidiaSMI([]byte("")); ok {
		t.Fatal("expected parse failure on empty output")
	}
}

func TestGPUMonitorSnapshotFallsBackWhenAllProbesFail(t *testing.T) {
	g := NewGPUMonitor(GPUMonitorConfig{}, nil)
	g.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("command not found")
	}
	reading := g.Snapshot(context.Background())
	if !reading.Unavailable {
		t.Error("expected Unavailable=true when every probe fails")
	}
}

func TestGPUMonitorSnapshotUsesFirstSuccessfulProbe(t *testing.T) {
	g := NewGPUMonitor(GPUMonitorConfig{}, nil)
	g.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "nvidia-smi" {
			return []byte("0, 8000, 1000, 7000, 20\n"), nil
		}
		return nil, errors.New("not reached")
	}
	reading := g.Snapshot(context.Background())
	if reading.Unavailable || reading.Vendor != "nvidia" || reading.FreeMB != 7000 {
		t.Errorf("got %+v", reading)
	}
}

func TestParseXPUSMIMatchesColumnsByHeaderName(t *testing.T) {
	out := []byte("Timestamp, DeviceId, GPU Utilization (%), GPU Memory Used (MiB)\n2026-08-01, 0, 15.0, 2048\n")
	reading, ok := parseXPUSMI(out)
	if !ok {
		t.Fatal("expected parse success")
	}
	if reading.UsedMB != 2048 || reading.DeviceCount != 1 || reading.Vendor != "intel" {
		t.Errorf("got %+v", reading)
	}
}

func TestGPUMonitorSnapshotFallsBackToIntelProbe(t *testing.T) {
	g := NewGPUMonitor(GPUMonitorConfig{}, nil)
	g.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "xpu-smi" {
			return []byte("Timestamp, DeviceId, GPU Utilization (%), GPU Memory Used (MiB)\n2026-08-01, 0, 15.0, 2048\n"), nil
		}
		return nil, errors.New("not reached")
	}
	reading := g.Snapshot(context.Background())
	if reading.Unavailable || reading.Vendor != "intel" {
		t.Errorf("got %+v", reading)
	}
}

func TestGPUMonitorWatchInvokesCallbackAndStopsOnCancel(t *testing.T) {
	g := NewGPUMonitor(GPUMonitorConfig{}, nil)
	g.runCmd = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("unused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		g.Watch(ctx, 10*time.Millisecond, func(GPUReading) { calls++ })
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
	if calls == 0 {
		t.Error("expected at least one callback invocation")
	}
}
