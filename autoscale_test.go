package colony

import (
	"testing"
	"time"
)

func TestAutoscalerZeroWorkersScaleDownRequestHolds(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyWorkload)
	cfg.MinWorkers = 0
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{ActiveWorkers: 0, IdleWorkers: 0}
	d := Decide(cfg, snap, GPUReading{}, hist, time.Now())
	if d.Action != ScaleHold {
		t.Errorf("got %+v, want hold", d)
	}
}

func TestAutoscalerGPUUnavailableNeverScalesUp(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyHybrid)
	cfg.ModelMemoryMB = 4000
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{
		ActiveWorkers:     2,
		PendingByPriority: map[int]int{0: 20},
	}
	for i := 0; i < 10; i++ {
		d := Decide(cfg, snap, GPUReading{Unavailable: true}, hist, time.Now().Add(time.Duration(i)*time.Minute))
		if d.Action == ScaleUp {
			t.Fatalf("cycle %d: got scale-up with GPU unavailable: %+v", i, d)
		}
	}
}

func TestAutoscalerGPUVetoScenario(t *testing.T) {
	// model requires 4GB, GPU reports 5GB free, buffer 1GB, safety 0.15:
	// max inferred = floor((5000-1000)*0.85/4000) == 0.
	cfg := DefaultAutoscalerConfig(StrategyHybrid)
	cfg.ModelMemoryMB = 4000
	cfg.GPUBufferMB = 1000
	cfg.SafetyMargin = 0.15
	hist := &AutoscaleHistory{}
	gpu := GPUReading{FreeMB: 5000, TotalMB: 6000, UsedMB: 1000}
	snap := FleetSnapshot{ActiveWorkers: 1, PendingByPriority: map[int]int{0: 50}}

	for i := 0; i < 10; i++ {
		d := Decide(cfg, snap, gpu, hist, time.Now().Add(time.Duration(i)*time.Minute))
		if d.Action == ScaleUp {
			t.Fatalf("cycle %d: expected hold under GPU veto, got %+v", i, d)
		}
	}
}

func TestAutoscalerWorkloadScaleUpOnQueuePressure(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyWorkload)
	cfg.MaxWorkers = 8
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{ActiveWorkers: 2, PendingByPriority: map[int]int{0: 10}}
	d := Decide(cfg, snap, GPUReading{}, hist, time.Now())
	if d.Action != ScaleUp || d.TargetCount != 3 {
		t.Errorf("got %+v, want scale-up to 3", d)
	}
}

func TestAutoscalerWorkloadScaleDownAfterTwoIdleCycles(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyWorkload)
	cfg.MinWorkers = 1
	cfg.Cooldown = 0
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{ActiveWorkers: 4, IdleWorkers: 4}

	now := time.Now()
	d1 := Decide(cfg, snap, GPUReading{}, hist, now)
	if d1.Action != ScaleHold {
		t.Errorf("cycle 1: got %+v, want hold (first idle cycle)", d1)
	}
	d2 := Decide(cfg, snap, GPUReading{}, hist, now.Add(time.Minute))
	if d2.Action != ScaleDown {
		t.Errorf("cycle 2: got %+v, want scale-down", d2)
	}
}

func TestAutoscalerCooldownSuppressesRepeatScaleUp(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyWorkload)
	cfg.Cooldown = time.Minute
	cfg.MaxWorkers = 8
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{ActiveWorkers: 1, PendingByPriority: map[int]int{0: 10}}

	now := time.Now()
	d1 := Decide(cfg, snap, GPUReading{}, hist, now)
	if d1.Action != ScaleUp {
		t.Fatalf("first decision: got %+v, want scale-up", d1)
	}
	d2 := Decide(cfg, snap, GPUReading{}, hist, now.Add(5*time.Second))
	if d2.Action != ScaleHold || d2.Reason != ReasonCooldown {
		t.Errorf("second decision: got %+v, want hold/cooldown", d2)
	}
}

func TestAutoscalerBoundsNeverExceedMax(t *testing.T) {
	cfg := DefaultAutoscalerConfig(StrategyWorkload)
	cfg.MaxWorkers = 3
	hist := &AutoscaleHistory{}
	snap := FleetSnapshot{ActiveWorkers: 3, PendingByPriority: map[int]int{0: 99}}
	d := Decide(cfg, snap, GPUReading{}, hist, time.Now())
	if d.Action != ScaleHold || d.Reason != ReasonBounds {
		t.Errorf("got %+v, want hold at max bound", d)
	}
}
