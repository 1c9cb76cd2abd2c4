package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "layerfix",
	Short: "layerfix: a layered fixer for JavaScript and TypeScript source",
	Long: `layerfix runs source code through an ordered set of repair layers
(config, entities, components, hydration, framework, validation) and a
seventh layer that applies rewrite rules learned from earlier runs.

Every layer's output is validated before it is accepted; a rejected or
failed layer leaves the code as it was. Rules, the run log and saved
reports live under ~/.layerfix/ unless layerfix.yaml says otherwise.`,
	SilenceUsage: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to layerfix.yaml")
	rootCmd.PersistentFlags().Bool("progress", false, "Print live progress to stderr")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(layersCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
