package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/analytics"
	"github.com/lucasnoah/layerfix/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query the run log",
}

// withAnalyticsDB opens the run log and hands it to fn.
func withAnalyticsDB(fn func(d *db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, cleanup, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(d)
}

func encodeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var analyticsLayersCmd = &cobra.Command{
	Use:   "layers",
	Short: "Success, skip and retry rates with latency per layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")
		return withAnalyticsDB(func(d *db.DB) error {
			stats, err := analytics.QueryLayerStats(d, since)
			if err != nil {
				return err
			}
			if format == "json" {
				return encodeJSON(cmd, stats)
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No layer results logged")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LAYER\tNAME\tRUNS\tSUCCESS\tSKIPPED\tRETRIED\tAVG CHANGES\tP50\tP95")
			for _, s := range stats {
				fmt.Fprintf(w, "%d\t%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%.1f\t%.0fms\t%.0fms\n",
					s.Layer, s.Name, s.Total, s.Success, s.Skipped, s.Retried, s.AvgChanges, s.P50Ms, s.P95Ms)
			}
			return w.Flush()
		})
	},
}

var analyticsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Failure counts by layer and kind",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")
		return withAnalyticsDB(func(d *db.DB) error {
			kinds, err := analytics.QueryFailureKinds(d, since)
			if err != nil {
				return err
			}
			if format == "json" {
				return encodeJSON(cmd, kinds)
			}
			if len(kinds) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failures logged")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LAYER\tKIND\tCOUNT\tLAST REASON")
			for _, k := range kinds {
				reason := k.LastReason
				if len(reason) > 60 {
					reason = reason[:57] + "..."
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", k.Layer, k.Kind, k.Count, reason)
			}
			return w.Flush()
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Runs per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		since, _ := cmd.Flags().GetString("since")
		return withAnalyticsDB(func(d *db.DB) error {
			days, err := analytics.QueryRunThroughput(d, since)
			if err != nil {
				return err
			}
			if format == "json" {
				return encodeJSON(cmd, days)
			}
			if len(days) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs logged")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tRUNS\tCLEAN\tCHANGED\tAVG DURATION")
			for _, t := range days {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0fms\n", t.Period, t.Runs, t.Clean, t.Changed, t.AvgDurationMs)
			}
			return w.Flush()
		})
	},
}

var analyticsRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Most applied learned rules (sqlite store)",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		limit, _ := cmd.Flags().GetInt("limit")
		return withAnalyticsDB(func(d *db.DB) error {
			rules, err := analytics.QueryTopRules(d, limit)
			if err != nil {
				return err
			}
			if format == "json" {
				return encodeJSON(cmd, rules)
			}
			if len(rules) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rules stored")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLAYER\tCONFIDENCE\tSEEN\tAPPLIED\tPATTERN")
			for _, r := range rules {
				pat := r.Pattern
				if len(pat) > 40 {
					pat = pat[:37] + "..."
				}
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%d\t%d\t%q\n", r.ID, r.Layer, r.Confidence, r.TimesSeen, r.Applications, pat)
			}
			return w.Flush()
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{analyticsLayersCmd, analyticsFailuresCmd, analyticsThroughputCmd, analyticsRulesCmd} {
		c.Flags().String("format", "table", "Output format: table or json")
		analyticsCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{analyticsLayersCmd, analyticsFailuresCmd, analyticsThroughputCmd} {
		c.Flags().String("since", "", `Only count results at or after this time ("2006-01-02 15:04:05")`)
	}
	analyticsRulesCmd.Flags().Int("limit", 10, "Maximum rules to list")
}
