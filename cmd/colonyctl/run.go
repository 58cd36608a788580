package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevindra/colony"
	"github.com/nevindra/colony/config"
)

func newRunCmd() *cobra.Command {
	var (
		workers       int
		arch          string
		model         string
		projectFolder string
		autoScaling   bool
		strategy      string
		minAgents     int
		maxAgents     int
	)

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Decompose and run a task across a fresh worker fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd.Context(), args[0], runOptions{
				workers:       workers,
				arch:          colony.Architecture(arch),
				model:         model,
				projectFolder: projectFolder,
				autoScaling:   autoScaling,
				strategy:      colony.Strategy(strategy),
				minAgents:     minAgents,
				maxAgents:     maxAgents,
			})
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "worker fleet size (default: fleet.worker_count from config)")
	cmd.Flags().StringVar(&arch, "arch", "", "hierarchical, centralized, or mesh (default: fleet.architecture from config)")
	cmd.Flags().StringVar(&model, "model", "", "LLM model name (default: backend.model from config)")
	cmd.Flags().StringVar(&projectFolder, "project-folder", "", "project folder workers may write files into (default: fleet.project_folder from config)")
	cmd.Flags().BoolVar(&autoScaling, "auto-scaling", false, "run an autoscaler loop alongside the session")
	cmd.Flags().StringVar(&strategy, "strategy", "", "gpu-memory, workload, hybrid, conservative, or aggressive (default: autoscaler.strategy from config)")
	cmd.Flags().IntVar(&minAgents, "min-agents", 0, "autoscaler floor (default: autoscaler.min_agents from config)")
	cmd.Flags().IntVar(&maxAgents, "max-agents", 0, "autoscaler ceiling (default: autoscaler.max_agents from config)")

	return cmd
}

type runOptions struct {
	workers       int
	arch          colony.Architecture
	model         string
	projectFolder string
	autoScaling   bool
	strategy      colony.Strategy
	minAgents     int
	maxAgents     int
}

func runTask(ctx context.Context, task string, opts runOptions) error {
	cfg := loadConfig()
	applyRunOverrides(&cfg, opts)

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	if err := checkBackend(ctx, rt.provider); err != nil {
		return err
	}

	resumeReactivatedSessions(ctx, rt)

	session := &colony.Session{
		ID:           colony.NewSessionID(),
		Task:         task,
		Architecture: colony.Architecture(rt.cfg.Fleet.Architecture),
		Status:       colony.SessionRunning,
		CreatedAt:    time.Now().Unix(),
	}
	if err := rt.store.Create(ctx, *session); err != nil {
		return fail(exitInternal, fmt.Errorf("create session: %w", err))
	}

	ids, errs := rt.manager.CreateBatch(ctx, session.ID, colony.RoleGeneric, rt.cfg.Backend.Model, rt.cfg.Fleet.WorkerCount)
	for _, e := range errs {
		rt.logger.Warn("colonyctl: worker creation failed", "error", e)
	}
	if len(ids) == 0 {
		return fail(exitInternal, fmt.Errorf("no workers could be created"))
	}
	session.Agents = ids

	descriptors := make([]colony.WorkerDescriptor, len(ids))
	for i, id := range ids {
		descriptors[i] = colony.WorkerDescriptor{ID: id, Role: colony.RoleGeneric}
	}

	coord, err := colony.NewCoordinator(session, descriptors, rt.bus, rt.store, rt.provider, rt.cfg.Backend.Model, colony.DefaultCoordinatorConfig(), rt.logger)
	if err != nil {
		return fail(exitInternal, fmt.Errorf("create coordinator: %w", err))
	}
	if rt.inst != nil {
		coord.Observer = rt.inst
	}
	rt.manager.OnTransition(func(id colony.AgentID, from, to colony.LifecycleState) {
		if to == colony.StateTerminated {
			coord.HandleWorkerDeath(id)
		}
	})

	stopScaling := func() {}
	if opts.autoScaling {
		stopScaling = startAutoscaler(ctx, rt, session.ID, autoscalerOptions{
			strategy:  rt.cfg.Autoscaler.Strategy,
			minAgents: rt.cfg.Autoscaler.MinAgents,
			maxAgents: rt.cfg.Autoscaler.MaxAgents,
			interval:  rt.cfg.Autoscaler.Interval,
			workers:   ids,
		}, coord)
	}

	result, err := coord.Run(ctx)
	stopScaling()
	for _, id := range ids {
		rt.manager.Drain(id)
	}

	if err != nil {
		if ce, ok := err.(*colony.CoordError); ok && ce.Kind == colony.ErrDependencyFailed {
			return fail(exitTaskFailure, fmt.Errorf("task failed: %w (first failure: %s)", err, session.FirstFailure))
		}
		return fail(exitInternal, err)
	}

	fmt.Println(result)
	return nil
}

// applyRunOverrides layers CLI flags on top of the loaded config, leaving
// unset (zero-value) flags to fall through to whatever config.Load produced.
func applyRunOverrides(cfg *config.Config, opts runOptions) {
	if opts.workers > 0 {
		cfg.Fleet.WorkerCount = opts.workers
	}
	if opts.arch != "" {
		cfg.Fleet.Architecture = string(opts.arch)
	}
	if opts.model != "" {
		cfg.Backend.Model = opts.model
	}
	if opts.projectFolder != "" {
		cfg.Fleet.ProjectFolder = opts.projectFolder
	}
	if opts.strategy != "" {
		cfg.Autoscaler.Strategy = string(opts.strategy)
	}
	if opts.minAgents > 0 {
		cfg.Autoscaler.MinAgents = opts.minAgents
	}
	if opts.maxAgents > 0 {
		cfg.Autoscaler.MaxAgents = opts.maxAgents
	}
}
