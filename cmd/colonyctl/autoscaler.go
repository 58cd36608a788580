package main

import (
	"context"
	"time"

	"github.com/nevindra/colony"
)

type autoscalerOptions struct {
	strategy  string
	minAgents int
	maxAgents int
	interval  time.Duration
	workers   []colony.AgentID
}

// startAutoscaler runs Decide on a ticker against the coordinator's own
// fleet snapshot and the host's GPU reading, applying scale-up/down
// decisions through the AgentManager and recording each decision through
// rt.inst when telemetry is enabled. Returns a function that stops the
// loop; safe to call once.
func startAutoscaler(ctx context.Context, rt *runtime, sessionID string, opts autoscalerOptions, coord *colony.Coordinator) func() {
	cfg := colony.DefaultAutoscalerConfig(colony.Strategy(opts.strategy))
	if opts.minAgents > 0 {
		cfg.MinWorkers = opts.minAgents
	}
	if opts.maxAgents > 0 {
		cfg.MaxWorkers = opts.maxAgents
	}
	cfg.ModelMemoryMB = colony.ModelMemoryHintMB(rt.cfg.Backend.Model)

	gpuMon := colony.NewGPUMonitor(colony.GPUMonitorConfig{
		NvidiaSMIPath: rt.cfg.GPU.NvidiaSMI,
		ROCmSMIPath:   rt.cfg.GPU.ROCmSMI,
		XPUSMIPath:    rt.cfg.GPU.XPUSMI,
	}, rt.logger)

	interval := opts.interval
	if interval == 0 {
		interval = 5 * time.Second
	}

	loopCtx, cancel := context.WithCancel(ctx)
	activeWorkers := append([]colony.AgentID(nil), opts.workers...)
	history := &colony.AutoscaleHistory{}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				snap := coord.Snapshot()
				gpu := gpuMon.Snapshot(loopCtx)
				decision := colony.Decide(cfg, snap, gpu, history, time.Now())

				if rt.inst != nil {
					rt.inst.RecordScaleDecision(loopCtx, string(cfg.Strategy), string(decision.Action))
				}
				if decision.Action == colony.ScaleHold {
					continue
				}

				rt.logger.Info("colonyctl: autoscaler decision", "action", decision.Action, "reason", decision.Reason, "target", decision.TargetCount)
				activeWorkers = applyScaleDecision(loopCtx, rt, sessionID, coord, activeWorkers, decision)
			}
		}
	}()

	return cancel
}

// applyScaleDecision grows or shrinks the worker pool to TargetCount and
// keeps the coordinator's worker list (and partition assignment) in sync.
func applyScaleDecision(ctx context.Context, rt *runtime, sessionID string, coord *colony.Coordinator, active []colony.AgentID, decision colony.ScaleDecision) []colony.AgentID {
	switch decision.Action {
	case colony.ScaleUp:
		need := decision.TargetCount - len(active)
		if need <= 0 {
			return active
		}
		ids, errs := rt.manager.CreateBatch(ctx, sessionID, colony.RoleGeneric, rt.cfg.Backend.Model, need)
		for _, e := range errs {
			rt.logger.Warn("colonyctl: autoscaler could not create worker", "error", e)
		}
		for _, id := range ids {
			coord.AddWorker(colony.WorkerDescriptor{ID: id, Role: colony.RoleGeneric})
		}
		return append(active, ids...)
	case colony.ScaleDown:
		remove := len(active) - decision.TargetCount
		if remove <= 0 {
			return active
		}
		for i := 0; i < remove && len(active) > 0; i++ {
			last := active[len(active)-1]
			active = active[:len(active)-1]
			rt.manager.Drain(last)
			coord.RemoveWorker(last)
		}
		return active
	default:
		return active
	}
}
