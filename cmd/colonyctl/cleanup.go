package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nevindra/colony"
)

// newCleanupCmd prunes the message log and reports sealed sessions. The
// SessionStore interface has no per-session delete, so "prune sessions"
// here means reporting how many are sealed and eligible for an operator to
// archive or delete at the storage layer directly; the message log itself
// is truncated up to its current tail, which is safe once every session
// referencing those messages is sealed.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune the message log and report sealed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			var sealed int
			for _, status := range []colony.SessionStatus{colony.SessionCompleted, colony.SessionFailed, colony.SessionCancelled} {
				sessions, err := rt.store.List(ctx, status)
				if err != nil {
					return fail(exitInternal, err)
				}
				sealed += len(sessions)
			}

			running, err := rt.store.List(ctx, colony.SessionRunning)
			if err != nil {
				return fail(exitInternal, err)
			}
			if len(running) > 0 {
				fmt.Printf("%d session(s) still running; message log left untouched\n", len(running))
				return nil
			}

			seq, err := rt.store.NextSeq(ctx)
			if err != nil {
				return fail(exitInternal, err)
			}
			if seq > 1 {
				if err := rt.store.Prune(ctx, seq-1); err != nil {
					return fail(exitInternal, err)
				}
			}
			fmt.Printf("pruned message log up to seq %d, %d session(s) sealed\n", seq-1, sealed)
			return nil
		},
	}
}
