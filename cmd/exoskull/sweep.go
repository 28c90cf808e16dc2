package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
)

var sweepFailOnTenant bool

var sweepCmd = &cobra.Command{
	Use:   "sweep <executor|escalations|daily|cycle>",
	Short: "Run one scheduled entry point and print its summary",
	Long: `Run one scheduled entry point across every active tenant.

  executor      every 15 minutes: expire approvals, execute due items
  escalations   every 2 hours: advance escalation chains, evaluate triggers
  daily         once a day: measure outcomes, refresh throttles, archive
  cycle         every 6 hours: ask the reasoning provider for proposals`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{autonomy.JobExecutor, autonomy.JobEscalations, autonomy.JobDaily, autonomy.JobCycle},
	RunE:      runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepFailOnTenant, "fail-on-tenant", false, "Exit non-zero when any tenant failed")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, newSender())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sum, err := runJob(ctx, a.svc, args[0])
	out, mErr := json.MarshalIndent(sum, "", "  ")
	if mErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	if err != nil {
		return err
	}
	if sweepFailOnTenant && sum.Failed > 0 {
		return fmt.Errorf("%d of %d tenants failed", sum.Failed, sum.Tenants)
	}
	return nil
}

func runJob(ctx context.Context, svc *autonomy.Service, job string) (autonomy.BatchSummary, error) {
	switch job {
	case autonomy.JobExecutor:
		return svc.SweepExecutor(ctx)
	case autonomy.JobEscalations:
		return svc.SweepEscalations(ctx)
	case autonomy.JobDaily:
		return svc.DailyMaintenance(ctx)
	case autonomy.JobCycle:
		return svc.DeepCycle(ctx)
	}
	return autonomy.BatchSummary{}, fmt.Errorf("unknown sweep %q", job)
}
