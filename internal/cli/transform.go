package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/orchestrator"
	"github.com/lucasnoah/layerfix/internal/runs"
)

var transformCmd = &cobra.Command{
	Use:   "transform [file]",
	Short: "Run one file (or stdin) through the layers",
	Long: `Run source code through the requested layers and print the result.

With no file the code is read from stdin. The transformed code goes to
stdout and a one-line summary to stderr; --report prints the full JSON
report instead. --write replaces the file in place when it changed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		write, _ := cmd.Flags().GetBool("write")
		asReport, _ := cmd.Flags().GetBool("report")
		save, _ := cmd.Flags().GetBool("save")
		debug, _ := cmd.Flags().GetBool("debug")

		if write && len(args) == 0 {
			return fmt.Errorf("--write needs a file argument")
		}

		source := "stdin"
		var data []byte
		var err error
		if len(args) == 1 {
			source = args[0]
			data, err = os.ReadFile(source)
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", source, err)
		}
		code := string(data)

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

		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		rep, runErr := p.orch.Transform(cmd.Context(), code, ids, opts)
		if rep == nil {
			return runErr
		}

		if debug {
			spew.Fdump(cmd.ErrOrStderr(), rep)
		}
		if save {
			store, err := openRunStore(cfg)
			if err != nil {
				return err
			}
			if _, err := store.Save(rep, source); err != nil {
				return err
			}
		}

		if asReport {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			return runErr
		}

		if write {
			if rep.Changed(code) && !opts.DryRun && runErr == nil {
				if err := runs.ReplaceFile(source, []byte(rep.FinalCode)); err != nil {
					return fmt.Errorf("write %s: %w", source, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", source)
			}
		} else {
			fmt.Fprint(cmd.OutOrStdout(), rep.FinalCode)
		}
		printSummary(cmd.ErrOrStderr(), rep)
		return runErr
	},
}

// printSummary writes the run headline and any failed layers.
func printSummary(w io.Writer, rep *orchestrator.Report) {
	fmt.Fprintf(w, "run %s: %d/%d layer(s) succeeded in %dms\n",
		rep.RunID, rep.SuccessfulStages, len(rep.Plan), rep.TotalDurationMs)
	for _, res := range rep.Results {
		if res.Error == nil {
			continue
		}
		state := "failed"
		if res.Skipped {
			state = "skipped"
		}
		reason := res.Error.Reason
		if reason == "" && res.Error.Err != nil {
			reason = res.Error.Err.Error()
		}
		fmt.Fprintf(w, "  layer %d (%s) %s [%s]: %s\n", res.Layer, res.Name, state, res.Error.Kind, reason)
	}
	if len(rep.AppliedRules) > 0 {
		fmt.Fprintf(w, "  applied %d learned rule(s)\n", len(rep.AppliedRules))
	}
	if rep.Learned != nil && (rep.Learned.Created > 0 || rep.Learned.Updated > 0) {
		fmt.Fprintf(w, "  learned %d new rule(s), reinforced %d\n", rep.Learned.Created, rep.Learned.Updated)
	}
}

func init() {
	addTransformFlags(transformCmd)
	transformCmd.Flags().Bool("write", false, "Replace the file in place when it changed")
	transformCmd.Flags().Bool("report", false, "Print the full report as JSON")
	transformCmd.Flags().Bool("debug", false, "Dump the report structure to stderr")
}
