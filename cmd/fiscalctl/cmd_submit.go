package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/services"
)

var submitFlags struct {
	force bool
	yes   bool
}

var submitCmd = &cobra.Command{
	Use:   "submit UNIT_ID",
	Short: "Run one unit through the submission pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.BoolVar(&submitFlags.force, "force", false, "Submit even if the unit already has a submission record")
	f.BoolVarP(&submitFlags.yes, "yes", "y", false, "Skip the confirmation prompt")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := services.RunOptions{
		Force:    submitFlags.force,
		Reporter: printEvents(cmd.ErrOrStderr()),
	}
	if !submitFlags.yes {
		opts.Confirm = promptConfirm(cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	res, err := rt.Pipeline.Run(ctx, args[0], opts)
	if err != nil {
		return fmt.Errorf("submit %s: %w", args[0], err)
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

// printEvents renders stage events as one line each.
func printEvents(w io.Writer) services.Reporter {
	return services.ReporterFunc(func(e models.StageEvent) {
		fmt.Fprintf(w, "[%3d%%] %-18s %s\n", e.Progress, e.Stage, e.Message)
	})
}

// promptConfirm asks on out and reads a y/n answer from in. Anything but yes rejects.
func promptConfirm(in io.Reader, out io.Writer) services.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(_ context.Context, req services.ConfirmRequest) (bool, error) {
		fmt.Fprintf(out, "Unit %s: %d document(s) ready for submission.\n", req.UnitID, req.DocumentCount)
		for _, d := range req.Advisory.Duplicates {
			fmt.Fprintf(out, "  possible duplicate: unit %s (correlation %s) %s\n", d.UnitID, d.CorrelationID, d.Reason)
		}
		for _, w := range req.Advisory.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		fmt.Fprint(out, "Submit? [y/N] ")

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
