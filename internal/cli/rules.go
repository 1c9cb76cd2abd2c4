package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/pattern"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and manage learned rewrite rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned rules, most confident first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		eligibleOnly, _ := cmd.Flags().GetBool("eligible")

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		rules := p.engine.Rules()
		if eligibleOnly {
			conf := p.engine.Config()
			kept := rules[:0]
			for _, r := range rules {
				if conf.Eligible(r) {
					kept = append(kept, r)
				}
			}
			rules = kept
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rules)
		}

		if len(rules) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No rules learned yet")
			return nil
		}

		conf := p.engine.Config()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLAYER\tCONFIDENCE\tSEEN\tAPPLIED\tELIGIBLE\tPATTERN")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%d\t%d\t%v\t%s\n",
				r.ID, r.OriginLayer, r.Confidence, r.TimesSeen, r.Applications, conf.Eligible(r), rulePreview(r))
		}
		return w.Flush()
	},
}

var rulesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the rule store",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		st := p.engine.Statistics()
		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Rules:              %d\n", st.TotalRules)
		fmt.Fprintf(out, "Eligible:           %d\n", st.EligibleRules)
		fmt.Fprintf(out, "Average confidence: %.2f\n", st.AverageConfidence)
		fmt.Fprintf(out, "Applications:       %d\n", st.TotalApplications)
		if len(st.RulesByStage) > 0 {
			ids := make([]layer.ID, 0, len(st.RulesByStage))
			for id := range st.RulesByStage {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			fmt.Fprintln(out, "By origin layer:")
			for _, id := range ids {
				fmt.Fprintf(out, "  %d %-12s %d\n", id, id.Name(), st.RulesByStage[id])
			}
		}
		return nil
	},
}

var rulesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every learned rule (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("refusing to clear rules without --confirm")
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		n := len(p.engine.Rules())
		if err := p.engine.ClearRules(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d rule(s)\n", n)
		return nil
	},
}

// rulePreview renders a rule as "pattern => replacement" on one line.
func rulePreview(r pattern.Rule) string {
	s := fmt.Sprintf("%q => %q", r.SourcePattern, r.ReplacementAction)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

func init() {
	rulesListCmd.Flags().String("format", "table", "Output format: table or json")
	rulesListCmd.Flags().Bool("eligible", false, "Only list rules eligible for application")
	rulesStatsCmd.Flags().String("format", "text", "Output format: text or json")
	rulesClearCmd.Flags().Bool("confirm", false, "Confirm deletion")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesStatsCmd)
	rulesCmd.AddCommand(rulesClearCmd)
}
