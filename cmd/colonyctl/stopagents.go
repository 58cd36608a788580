package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevindra/colony"
)

// newStopAgentsCmd seals every currently-running session as cancelled. A
// colonyctl run process sharing the same store notices on its next poll
// tick (Coordinator.checkCancelled) and stops dispatching; there is no
// in-process agent handle to signal directly across separate CLI
// invocations.
func newStopAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-agents",
		Short: "Cancel every running session, stopping their worker fleets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			sessions, err := rt.store.List(ctx, colony.SessionRunning)
			if err != nil {
				return fail(exitInternal, err)
			}
			now := time.Now().Unix()
			for _, s := range sessions {
				if err := rt.store.Seal(ctx, s.ID, colony.SessionCancelled, now); err != nil {
					rt.logger.Warn("colonyctl: could not cancel session", "session_id", s.ID, "error", err)
					continue
				}
			}
			fmt.Printf("cancelled %d running session(s)\n", len(sessions))
			return nil
		},
	}
}
