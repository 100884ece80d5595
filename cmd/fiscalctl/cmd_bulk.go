package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk UNIT_ID...",
	Short: "Submit several units as one asynchronous batch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBulk,
}

func runBulk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Bulk.Run(ctx, args, printEvents(cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("bulk submit: %w", err)
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("bulk submit: %s", res.Message)
	}
	return nil
}
