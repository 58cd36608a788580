package colony

import "time"

// ScaleAction is the closed set of autoscaler decisions.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "scale-up"
	ScaleDown ScaleAction = "scale-down"
	ScaleHold ScaleAction = "hold"
)

// ScaleReason explains why a decision was made, for logs and metrics.
type ScaleReason string

const (
	ReasonQueuePressure ScaleReason = "queue-pressure"
	ReasonIdleFraction  ScaleReason = "idle-fraction"
	ReasonGPUHeadroom   ScaleReason = "gpu-headroom"
	ReasonGPUPressure   ScaleReason = "gpu-pressure"
	ReasonGPUVeto       ScaleReason = "gpu-veto"
	ReasonCooldown      ScaleReason = "cooldown"
	ReasonBounds        ScaleReason = "bounds"
	ReasonGPUUnavailable ScaleReason = "gpu-unavailable"
)

// ScaleDecision is the autoscaler's output for one control-loop tick.
type ScaleDecision struct {
	Action      ScaleAction
	Delta       int
	Reason      ScaleReason
	TargetCount int
	DecidedAt   time.Time
}

// Strategy is the selectable autoscaling policy name.
type Strategy string

const (
	StrategyGPUMemory    Strategy = "gpu-memory"
	StrategyWorkload     Strategy = "workload"
	StrategyHybrid       Strategy = "hybrid"
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
)

// AutoscalerConfig holds the thresholds every strategy reads from.
type AutoscalerConfig struct {
	Strategy       Strategy
	MinWorkers     int
	MaxWorkers     int // 0 = derive from GPU headroom
	Cooldown       time.Duration
	ModelMemoryMB  int64
	GPUBufferMB    int64
	SafetyMargin   float64

	// workload thresholds
	QueueLenHigh    int
	WaitHigh        time.Duration
	IdleFractionLow float64

	// gpu-memory thresholds
	GPUFreeHighMB int64
	GPUUsedHighMB int64
}

// DefaultAutoscalerConfig returns sane defaults, overridable per strategy.
func DefaultAutoscalerConfig(strategy Strategy) AutoscalerConfig {
	cfg := AutoscalerConfig{
		Strategy:        strategy,
		MinWorkers:      1,
		Cooldown:        30 * time.Second,
		SafetyMargin:    0.15,
		GPUBufferMB:     1024,
		QueueLenHigh:    5,
		WaitHigh:        10 * time.Second,
		IdleFractionLow: 0.5,
		GPUFreeHighMB:   4096,
		GPUUsedHighMB:   0, // set by caller from total - buffer
	}
	switch strategy {
	case StrategyConservative:
		cfg.Cooldown = 60 * time.Second
		cfg.QueueLenHigh = 10
		cfg.WaitHigh = 20 * time.Second
		cfg.IdleFractionLow = 0.7
	case StrategyAggressive:
		cfg.Cooldown = 10 * time.Second
		cfg.QueueLenHigh = 2
		cfg.WaitHigh = 3 * time.Second
		cfg.IdleFractionLow = 0.3
	}
	return cfg
}

// AutoscaleHistory tracks cooldown timers and consecutive-cycle counters
// across Decide calls, which must be pure otherwise.
type AutoscaleHistory struct {
	LastScaleUp           time.Time
	LastScaleDown         time.Time
	ConsecutiveIdleCycles int
}

// Decide applies cfg.Strategy to (snapshot, gpu, history) and returns a
// ScaleDecision. `now` is passed explicitly so tests control timing without
// a real clock; the only side effects are on hist (cooldown timestamps and
// the consecutive-idle counter).
func Decide(cfg AutoscalerConfig, snap FleetSnapshot, gpu GPUReading, hist *AutoscaleHistory, now time.Time) ScaleDecision {
	maxWorkers := effectiveMaxWorkers(cfg, gpu)

	var decision ScaleDecision
	switch cfg.Strategy {
	case StrategyGPUMemory:
		if gpu.TotalMB == 0 && !gpu.Unavailable {
			// the reading carries no memory figures (e.g. an Intel device):
			// use the workload strategy's signals instead
			decision = decideWorkload(cfg, snap, hist)
		} else {
			decision = decideGPUMemory(cfg, gpu, snap)
		}
	case StrategyWorkload:
		decision = decideWorkload(cfg, snap, hist)
	default: // hybrid, conservative, aggressive all compose the two signals
		decision = decideHybrid(cfg, snap, gpu, hist)
	}
	decision.DecidedAt = now

	decision = applyBounds(decision, snap.ActiveWorkers, cfg.MinWorkers, maxWorkers)
	decision = applyCooldown(decision, hist, cfg, now)

	if decision.Action == ScaleUp {
		hist.LastScaleUp = now
	} else if decision.Action == ScaleDown {
		hist.LastScaleDown = now
	}
	return decision
}

// effectiveMaxWorkers derives max_workers from GPU headroom when cfg.MaxWorkers
// is unset, per §4.6: "max_workers defaults to the GPU-derived maximum but
// never falls below min_workers".
func effectiveMaxWorkers(cfg AutoscalerConfig, gpu GPUReading) int {
	if cfg.MaxWorkers > 0 {
		return cfg.MaxWorkers
	}
	if gpu.Unavailable {
		return cfg.MinWorkers
	}
	derived := MaxWorkersForMemory(gpu.FreeMB, cfg.GPUBufferMB, cfg.SafetyMargin, cfg.ModelMemoryMB)
	if derived < cfg.MinWorkers {
		return cfg.MinWorkers
	}
	return derived
}

func hold(target int) ScaleDecision {
	return ScaleDecision{Action: ScaleHold, TargetCount: target}
}

func decideGPUMemory(cfg AutoscalerConfig, gpu GPUReading, snap FleetSnapshot) ScaleDecision {
	if gpu.Unavailable {
		return hold(snap.ActiveWorkers)
	}
	if gpu.FreeMB > cfg.GPUFreeHighMB {
		return ScaleDecision{Action: ScaleUp, Delta: 1, Reason: ReasonGPUHeadroom, TargetCount: snap.ActiveWorkers + 1}
	}
	if cfg.GPUUsedHighMB > 0 && gpu.UsedMB > cfg.GPUUsedHighMB {
		return ScaleDecision{Action: ScaleDown, Delta: 1, Reason: ReasonGPUPressure, TargetCount: snap.ActiveWorkers - 1}
	}
	return hold(snap.ActiveWorkers)
}

func decideWorkload(cfg AutoscalerConfig, snap FleetSnapshot, hist *AutoscaleHistory) ScaleDecision {
	pending := snap.PendingTotal()
	wait := snap.WaitTimes.Mean()

	if pending > cfg.QueueLenHigh || wait > cfg.WaitHigh {
		hist.ConsecutiveIdleCycles = 0
		return ScaleDecision{Action: ScaleUp, Delta: 1, Reason: ReasonQueuePressure, TargetCount: snap.ActiveWorkers + 1}
	}

	if snap.IdleFraction() > cfg.IdleFractionLow {
		hist.ConsecutiveIdleCycles++
	} else {
		hist.ConsecutiveIdleCycles = 0
	}
	if hist.ConsecutiveIdleCycles >= 2 {
		return ScaleDecision{Action: ScaleDown, Delta: 1, Reason: ReasonIdleFraction, TargetCount: snap.ActiveWorkers - 1}
	}
	return hold(snap.ActiveWorkers)
}

// decideHybrid computes both recommendations and takes the more
// conservative; GPU wins on scale-up veto.
func decideHybrid(cfg AutoscalerConfig, snap FleetSnapshot, gpu GPUReading, hist *AutoscaleHistory) ScaleDecision {
	gpuRec := decideGPUMemory(cfg, gpu, snap)
	workloadRec := decideWorkload(cfg, snap, hist)

	if workloadRec.Action == ScaleUp {
		if gpu.Unavailable {
			return hold(snap.ActiveWorkers)
		}
		maxByMemory := MaxWorkersForMemory(gpu.FreeMB, cfg.GPUBufferMB, cfg.SafetyMargin, cfg.ModelMemoryMB)
		if snap.ActiveWorkers+1 > maxByMemory {
			return ScaleDecision{Action: ScaleHold, Reason: ReasonGPUVeto, TargetCount: snap.ActiveWorkers}
		}
		delta := 1
		if cfg.Strategy == StrategyAggressive {
			delta = batchDelta(snap, cfg, maxByMemory)
		}
		return ScaleDecision{Action: ScaleUp, Delta: delta, Reason: ReasonQueuePressure, TargetCount: snap.ActiveWorkers + delta}
	}

	if workloadRec.Action == ScaleDown || gpuRec.Action == ScaleDown {
		return ScaleDecision{Action: ScaleDown, Delta: 1, Reason: ReasonIdleFraction, TargetCount: snap.ActiveWorkers - 1}
	}
	return hold(snap.ActiveWorkers)
}

// batchDelta allows the aggressive strategy to scale up by more than one
// worker per tick, bounded by remaining GPU headroom.
func batchDelta(snap FleetSnapshot, cfg AutoscalerConfig, maxByMemory int) int {
	headroom := maxByMemory - snap.ActiveWorkers
	if headroom <= 1 {
		return 1
	}
	batch := snap.PendingTotal() / 5
	if batch < 1 {
		batch = 1
	}
	if batch > headroom {
		batch = headroom
	}
	return batch
}

// applyBounds clamps a decision so min_workers <= active+delta <= max_workers.
func applyBounds(d ScaleDecision, active, minWorkers, maxWorkers int) ScaleDecision {
	if d.Action == ScaleUp && active+d.Delta > maxWorkers {
		if active >= maxWorkers {
			return ScaleDecision{Action: ScaleHold, Reason: ReasonBounds, TargetCount: active, DecidedAt: d.DecidedAt}
		}
		d.Delta = maxWorkers - active
		d.TargetCount = maxWorkers
	}
	if d.Action == ScaleDown && active-d.Delta < minWorkers {
		if active <= minWorkers {
			return ScaleDecision{Action: ScaleHold, Reason: ReasonBounds, TargetCount: active, DecidedAt: d.DecidedAt}
		}
		d.Delta = active - minWorkers
		d.TargetCount = minWorkers
	}
	return d
}

// applyCooldown demotes a non-hold decision to hold if its direction's
// cooldown has not elapsed since the last decision of that direction.
func applyCooldown(d ScaleDecision, hist *AutoscaleHistory, cfg AutoscalerConfig, now time.Time) ScaleDecision {
	switch d.Action {
	case ScaleUp:
		if !hist.LastScaleUp.IsZero() && now.Sub(hist.LastScaleUp) < cfg.Cooldown {
			return ScaleDecision{Action: ScaleHold, Reason: ReasonCooldown, TargetCount: d.TargetCount - d.Delta, DecidedAt: d.DecidedAt}
		}
	case ScaleDown:
		if !hist.LastScaleDown.IsZero() && now.Sub(hist.LastScaleDown) < cfg.Cooldown {
			return ScaleDecision{Action: ScaleHold, Reason: ReasonCooldown, TargetCount: d.TargetCount + d.Delta, DecidedAt: d.DecidedAt}
		}
	}
	return d
}
