package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/runs"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run log and saved reports",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List logged runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		list, err := d.ListRuns(limit)
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		}

		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs logged")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPLAN\tLAYERS\tCHANGED\tRULES\tDURATION\tTIME")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%v\t%d\t%dms\t%s\n",
				r.ID, r.Plan, r.SuccessfulStages, r.TotalStages, r.Changed, len(r.AppliedRules), r.DurationMs, r.Timestamp)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Long: `Show a run. A saved report (transform --save) is preferred; otherwise
the run log entry and its layer results are shown. --layer prints the code a
layer produced, which is only kept for verbose saved runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		layerArg, _ := cmd.Flags().GetString("layer")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openRunStore(cfg)
		if err != nil {
			return err
		}

		if layerArg != "" {
			ids, err := layer.ParseIDs([]string{layerArg})
			if err != nil {
				return err
			}
			if len(ids) != 1 || !ids[0].Valid() {
				return fmt.Errorf("--layer takes exactly one known layer")
			}
			out, err := store.LayerOutput(runID, int(ids[0]), ids[0].Name())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}

		entry, err := store.Get(runID)
		if err == nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		}
		if !errors.Is(err, runs.ErrNotFound) {
			return err
		}

		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := d.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", runID)
		}
		results, err := d.GetLayerResults(runID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:      %s\n", run.ID)
		fmt.Fprintf(out, "Time:     %s\n", run.Timestamp)
		fmt.Fprintf(out, "Plan:     %s\n", run.Plan)
		fmt.Fprintf(out, "Layers:   %d/%d succeeded\n", run.SuccessfulStages, run.TotalStages)
		fmt.Fprintf(out, "Changed:  %v\n", run.Changed)
		fmt.Fprintf(out, "Duration: %dms\n", run.DurationMs)
		if len(run.AppliedRules) > 0 {
			fmt.Fprintf(out, "Rules:    %s\n", strings.Join(run.AppliedRules, ", "))
		}
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LAYER\tNAME\tSTATUS\tATTEMPTS\tCHANGES\tDURATION\tERROR")
		for _, lr := range results {
			status := "ok"
			switch {
			case lr.Skipped:
				status = "skipped"
			case !lr.Success:
				status = "failed"
			}
			errMsg := ""
			if lr.ErrorKind != "" {
				errMsg = lr.ErrorKind + ": " + lr.ErrorReason
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%dms\t%s\n",
				lr.Layer, lr.Name, status, lr.Attempts, lr.ChangeCount, lr.DurationMs, errMsg)
		}
		return w.Flush()
	},
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete logged runs older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := d.PruneRuns(time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s)\n", n)
		return nil
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a saved report and its layer outputs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openRunStore(cfg)
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted saved run %s\n", args[0])
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("format", "table", "Output format: table or json")
	runsListCmd.Flags().Int("limit", 20, "Maximum runs to list (0 for all)")
	runsShowCmd.Flags().String("layer", "", "Print the saved output of one layer (id or name)")
	runsPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete runs logged before now minus this")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsPruneCmd)
	runsCmd.AddCommand(runsDeleteCmd)
}
