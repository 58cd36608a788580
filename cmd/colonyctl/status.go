package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nevindra/colony"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report session counts by status and the host's GPU reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, loadConfig())
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			for _, status := range []colony.SessionStatus{
				colony.SessionRunning, colony.SessionCompleted, colony.SessionFailed, colony.SessionCancelled,
			} {
				sessions, err := rt.store.List(ctx, status)
				if err != nil {
					return fail(exitInternal, err)
				}
				fmt.Printf("%-10s %d\n", status, len(sessions))
			}

			gpuMon := colony.NewGPUMonitor(colony.GPUMonitorConfig{
				NvidiaSMIPath: rt.cfg.GPU.NvidiaSMI,
				ROCmSMIPath:   rt.cfg.GPU.ROCmSMI,
				XPUSMIPath:    rt.cfg.GPU.XPUSMI,
			}, rt.logger)
			gpu := gpuMon.Snapshot(ctx)
			if gpu.Unavailable {
				fmt.Println("gpu: unavailable")
				return nil
			}
			fmt.Printf("gpu: vendor=%s used=%dMB total=%dMB util=%.1f%%\n", gpu.Vendor, gpu.UsedMB, gpu.TotalMB, gpu.UtilizationPct)
			return nil
		},
	}
}
