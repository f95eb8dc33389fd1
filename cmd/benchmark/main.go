package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/spf13/cobra"
)

func main() {
	cfg := defaultConfig()
	var mix, out string

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Drive concurrent intent traffic at a settlement API and report outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			weights, err := parseMix(mix)
			if err != nil {
				return err
			}
			cfg.Mix = weights

			common.Log.Infof("starting benchmark against %s; %d workers for %s, %s employees, mix %s",
				cfg.BaseURL, cfg.Workers, cfg.Duration, cfg.Workload, mix)
			res, err := run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return report(res, out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "settlement API base URL")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent workers")
	f.DurationVar(&cfg.Duration, "duration", cfg.Duration, "how long to generate load")
	f.StringVar(&cfg.Workload, "workload", cfg.Workload, "employee selection: uniform | hotspot")
	f.IntVar(&cfg.Employees, "employees", cfg.Employees, "size of the employee address space")
	f.Float64Var(&cfg.ReplayRate, "replay", cfg.ReplayRate, "fraction of writes that resend the previous Idempotency-Key")
	f.StringVar(&mix, "mix", "pay_employee=8,fund_payroll=1,stats=1", "operation weights")
	f.StringVar(&out, "out", "", "also write the JSON report to this file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
	stop()
}

func report(res *result, out string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if out == "" {
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	common.Log.Debugf("benchmark report written to %s", out)
	return nil
}
