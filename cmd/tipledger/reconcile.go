package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/tip-ledger/api"
	"github.com/warp/tip-ledger/ledger"
)

var (
	reconcileLocation string
	reconcileFrom     string
	reconcileTo       string
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report unallocated tips, missing employees, orphaned shifts and clawbacks",
		Long: `Reconcile compares the synced feed for a location against its batches
over an inclusive date range and prints the report as JSON.

It never writes: clawback candidates need an adjustment raised by hand.`,
		RunE: runReconcile,
	}
	cmd.Flags().StringVar(&reconcileLocation, "location", "", "location id")
	cmd.Flags().StringVar(&reconcileFrom, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&reconcileTo, "to", "", "last day, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	from, err := ledger.ParseDate(reconcileFrom)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := ledger.ParseDate(reconcileTo)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	ctx := cmd.Context()
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.svc.Reconciliation.Run(ctx, ledger.LocationID(reconcileLocation), from, to)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(api.NewReconciliationDTO(report))
}
