package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the transform API over HTTP",
	Long: `Start a JSON API on the configured address (server.addr, default
127.0.0.1:8080) exposing transform, plan, layer catalogue, rules, runs and
layer analytics.

The server shares one rule store and report cache across requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}

		p, err := openPipeline(cmd.Context(), cfg, progressWriter(cmd))
		if err != nil {
			return err
		}
		defer p.Close()

		store, err := openRunStore(cfg)
		if err != nil {
			return err
		}

		srv := web.NewServer(p.orch, store, p.db, cfg.Server.Addr)
		opts, err := transformOptions(cmd, cfg)
		if err != nil {
			return err
		}
		srv.SetDefaults(opts)
		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config)")
}
