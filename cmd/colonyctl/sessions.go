package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevindra/colony"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsCancelCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			sessions, err := rt.store.List(cmd.Context(), colony.SessionStatus(status))
			if err != nil {
				return fail(exitInternal, err)
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions found")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%s\t%-10s\t%-13s\t%s\n", s.ID, s.Status, s.Architecture, truncate(s.Task, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, completed, failed, cancelled)")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single session's full detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			s, err := rt.store.Get(cmd.Context(), args[0])
			if err != nil {
				return fail(exitInternal, err)
			}
			fmt.Printf("id:           %s\n", s.ID)
			fmt.Printf("status:       %s\n", s.Status)
			fmt.Printf("architecture: %s\n", s.Architecture)
			fmt.Printf("task:         %s\n", s.Task)
			fmt.Printf("agents:       %d\n", len(s.Agents))
			if s.Warning != "" {
				fmt.Printf("warning:      %s\n", s.Warning)
			}
			if s.FirstFailure != "" {
				fmt.Printf("first failure: %s\n", s.FirstFailure)
			}
			if s.Status == colony.SessionCompleted {
				fmt.Printf("result:       %s\n", s.Result)
			}
			if s.Graph != nil {
				fmt.Println("subtasks:")
				for _, r := range s.Graph.All() {
					fmt.Printf("  %-14s %-10s role=%-14s assigned=%s\n", r.ID, r.State, r.Role, r.AssignedTo)
				}
			}
			return nil
		},
	}
}

func newSessionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Seal a running session as cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			if err := rt.store.Seal(cmd.Context(), args[0], colony.SessionCancelled, time.Now().Unix()); err != nil {
				return fail(exitInternal, err)
			}
			fmt.Println("cancelled", args[0])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
