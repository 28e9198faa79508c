package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"mit.edu/dsg/journaldb"
	"mit.edu/dsg/journaldb/config"
)

const defaultConfigFilePath = "./journaldb.yaml"

func newRecoverCmd() *cobra.Command {
	var configFilePath string
	c := &cobra.Command{
		Use:     "recover",
		Short:   "Opens a database, recovering it if needed, and shuts it down cleanly",
		Example: "journaltool recover --config ./journaldb.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := config.Load(configFilePath)
			if err != nil {
				return err
			}
			db, err := journaldb.Open(cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, db.Close()) }()

			result := db.RecoveryResult()
			if result.Clean {
				fmt.Fprintln(cmd.OutOrStdout(), "database was shut down cleanly, nothing to recover")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered: %d entries redone, %d undone, %d losers %v, checkpoint %s, end %s\n",
				result.Redone, result.Undone, len(result.Losers), result.Losers, result.CheckpointLsn, result.EndLsn)
			return nil
		},
	}
	c.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, "path of the journaldb YAML configuration file")
	return c
}
