package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/layerfix/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s\n", d.Path())

		if cfg.Store.Driver == "postgres" {
			pg, err := db.OpenPG(cmd.Context(), cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrated postgres rule store")
		}
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("refusing to reset without --confirm")
		}

		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", d.Path())

		if cfg.Store.Driver == "postgres" {
			pg, err := db.OpenPG(cmd.Context(), cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reset postgres rule store")
		}
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("confirm", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
