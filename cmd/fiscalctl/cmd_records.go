package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and maintain submission records",
}

var recordsGetCmd = &cobra.Command{
	Use:   "get UNIT_ID",
	Short: "Show the submission record of a unit",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsGet,
}

var recordsEvictCmd = &cobra.Command{
	Use:   "evict UNIT_ID",
	Short: "Forget that a unit was submitted so it can be sent again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsEvict,
}

var pruneFlags struct {
	olderThan time.Duration
}

var recordsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete submission records older than a cutoff",
	RunE:  runRecordsPrune,
}

func init() {
	recordsPruneCmd.Flags().DurationVar(&pruneFlags.olderThan, "older-than", 30*24*time.Hour, "Minimum record age to delete")

	recordsCmd.AddCommand(recordsGetCmd)
	recordsCmd.AddCommand(recordsEvictCmd)
	recordsCmd.AddCommand(recordsPruneCmd)
}

func runRecordsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, ok, err := rt.Guard.Check(ctx, args[0])
	if err != nil {
		return fmt.Errorf("check %s: %w", args[0], err)
	}
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No submission record for unit %s\n", args[0])
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}

func runRecordsEvict(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Guard.Evict(ctx, args[0]); err != nil {
		return fmt.Errorf("evict %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted submission record for unit %s\n", args[0])
	return nil
}

func runRecordsPrune(cmd *cobra.Command, _ []string) error {
	if pruneFlags.olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.Guard.Prune(ctx, pruneFlags.olderThan)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d submission record(s) older than %s\n", n, pruneFlags.olderThan)
	return nil
}
