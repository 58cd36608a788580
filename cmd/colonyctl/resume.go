package main

import (
	"context"

	"github.com/nevindra/colony"
)

// resumeReactivatedSessions implements the restart-replay contract: it
// loads every session the store still considers running, rebuilds a fresh
// worker pool for each (the pre-crash agent identities do not survive a
// restart, only the subtask graph does), and drives each one to completion
// with Coordinator.Resume before the new task below is scheduled. Best
// effort: a session that fails to resume is logged and left running in the
// store for the next restart to retry.
func resumeReactivatedSessions(ctx context.Context, rt *runtime) {
	sessions, err := colony.ReactivateNonTerminal(ctx, rt.store)
	if err != nil {
		rt.logger.Warn("colonyctl: reactivation scan failed", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}
	rt.logger.Info("colonyctl: resuming sessions from a previous run", "count", len(sessions))

	for i := range sessions {
		session := sessions[i]
		n := len(session.Agents)
		if n == 0 {
			n = rt.cfg.Fleet.WorkerCount
		}
		ids, errs := rt.manager.CreateBatch(ctx, session.ID, colony.RoleGeneric, rt.cfg.Backend.Model, n)
		for _, e := range errs {
			rt.logger.Warn("colonyctl: resume worker creation failed", "session_id", session.ID, "error", e)
		}
		if len(ids) == 0 {
			rt.logger.Warn("colonyctl: could not resume session, no workers created", "session_id", session.ID)
			continue
		}
		session.Agents = ids

		descriptors := make([]colony.WorkerDescriptor, len(ids))
		for j, id := range ids {
			descriptors[j] = colony.WorkerDescriptor{ID: id, Role: colony.RoleGeneric}
		}

		coord, err := colony.NewCoordinator(&session, descriptors, rt.bus, rt.store, rt.provider, rt.cfg.Backend.Model, colony.DefaultCoordinatorConfig(), rt.logger)
		if err != nil {
			rt.logger.Warn("colonyctl: could not resume session, coordinator setup failed", "session_id", session.ID, "error", err)
			continue
		}
		if rt.inst != nil {
			coord.Observer = rt.inst
		}

		if _, err := coord.Resume(ctx); err != nil {
			rt.logger.Warn("colonyctl: resumed session did not complete", "session_id", session.ID, "error", err)
		} else {
			rt.logger.Info("colonyctl: resumed session completed", "session_id", session.ID)
		}
		for _, id := range ids {
			rt.manager.Drain(id)
		}
	}
}
