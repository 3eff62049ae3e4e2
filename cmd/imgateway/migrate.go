package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaydesk/imgateway/internal/logger"
	"github.com/relaydesk/imgateway/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to store.path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.Init(cfg.Log.Level, cfg.Log.Format)
			st, err := store.Open(log, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			version, err := st.Migrate()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.Store.Path, version)
			return nil
		},
	}
}
