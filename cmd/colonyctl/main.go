// Command colonyctl is colony's control plane: it starts new sessions,
// inspects and cancels running ones, and reports fleet and GPU status
// against a configured store and LLM backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCode classifies a command failure per the CLI's exit status contract:
// 0 success, 1 usage, 2 task failure, 3 backend unavailable, 4 internal error.
type exitCode int

const (
	exitUsage              exitCode = 1
	exitTaskFailure        exitCode = 2
	exitBackendUnavailable exitCode = 3
	exitInternal           exitCode = 4
)

// cliError pairs an error with the exit code it should produce, so RunE
// implementations can report a specific failure class instead of cobra's
// default blanket exit(1).
type cliError struct {
	code exitCode
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func fail(code exitCode, err error) error {
	return &cliError{code: code, err: err}
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "colonyctl",
	Short:         "colonyctl — control plane for a colony multi-agent runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to colony.toml (default: colony.toml in the working directory)")
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newStopAgentsCmd())
	rootCmd.AddCommand(newCleanupCmd())
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(0)
	}

	fmt.Fprintln(os.Stderr, "colonyctl:", err)

	var ce *cliError
	if errors.As(err, &ce) {
		os.Exit(int(ce.code))
	}
	os.Exit(int(exitUsage))
}
