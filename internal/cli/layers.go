package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/layer"
)

var layersCmd = &cobra.Command{
	Use:   "layers",
	Short: "List the layer catalogue and what serves each layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if format == "json" {
			type entry struct {
				layer.Descriptor
				Source string `json:"source"`
			}
			out := make([]entry, 0, len(layer.Catalog))
			for _, d := range layer.Catalog {
				out = append(out, entry{Descriptor: d, Source: layerSource(cfg, d.ID)})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tREQUIRES\tSOURCE\tDESCRIPTION")
		for _, d := range layer.Catalog {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.ID, d.Name, joinIDs(d.Prerequisites), layerSource(cfg, d.ID), d.Description)
		}
		return w.Flush()
	},
}

var planCmd = &cobra.Command{
	Use:   "plan [layer]...",
	Short: "Show the execution plan for the requested layers",
	Long: `Resolve the requested layers (ids or names, comma-separated or not) into
the ordered plan, adding every prerequisite. Nothing is run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := layer.ParseIDs(args)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, id := range cfg.Defaults.Layers {
				ids = append(ids, layer.ID(id))
			}
		}
		plan, err := layer.Resolve(ids)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Plan: %s\n", plan)
		for i, id := range plan {
			fmt.Fprintf(cmd.OutOrStdout(), "  %d. %d %s\n", i+1, id, id.Name())
		}
		return nil
	},
}

func joinIDs(ids []layer.ID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(int(id))
	}
	return strings.Join(parts, ",")
}

func init() {
	layersCmd.Flags().String("format", "table", "Output format: table or json")
}
