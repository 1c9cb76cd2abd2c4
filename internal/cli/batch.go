package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch <path>...",
	Short: "Transform every source file under the given paths",
	Long: `Transform files concurrently. Directories are walked for files with the
configured extensions (hidden directories and node_modules are skipped);
files named explicitly are always included.

A failure in one file is reported and the batch moves on. Only a fatal
layer failure stops the batch.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		save, _ := cmd.Flags().GetBool("save")

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		ids, err := requestedLayers(cmd, cfg)
		if err != nil {
			return err
		}
		opts, err := transformOptions(cmd, cfg)
		if err != nil {
			return err
		}
		workers := cfg.Batch.Workers
		if cmd.Flags().Changed("workers") {
			workers, _ = cmd.Flags().GetInt("workers")
		}
		write := cfg.Batch.Write
		if cmd.Flags().Changed("write") {
			write, _ = cmd.Flags().GetBool("write")
		}

		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		r := batch.NewRunner(p.orch, batch.Options{
			Layers:     ids,
			Transform:  opts,
			Workers:    workers,
			Extensions: cfg.Batch.Extensions,
			Write:      write,
		})
		r.SetProgress(progressWriter(cmd))
		if save {
			store, err := openRunStore(cfg)
			if err != nil {
				return err
			}
			r.SetReportSaver(store)
		}

		sum, runErr := r.Run(cmd.Context(), args)
		if sum == nil {
			return runErr
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
			return runErr
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tLAYERS\tCHANGED\tWRITTEN\tERROR")
		for _, o := range sum.Outcomes {
			layers := fmt.Sprintf("%d/%d", o.SuccessfulStages, o.PlannedStages)
			if o.Skipped {
				layers = "-"
			}
			errMsg := o.Error
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", o.Path, layers, o.Changed, o.Written, errMsg)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d file(s), %d changed, %d written, %d failed in %dms\n",
			sum.Files, sum.Changed, sum.Written, sum.Failed, sum.DurationMs)
		return runErr
	},
}

func init() {
	addTransformFlags(batchCmd)
	batchCmd.Flags().Int("workers", 0, "Files transformed at once (default from config)")
	batchCmd.Flags().Bool("write", false, "Replace changed files in place")
	batchCmd.Flags().String("format", "table", "Output format: table or json")
}
