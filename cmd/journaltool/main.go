// Command journaltool inspects journal files and recovers databases offline.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:          "journaltool",
		Short:        "Inspects and recovers journaldb journals",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	c.AddCommand(newDumpCmd())
	c.AddCommand(newVerifyCmd())
	c.AddCommand(newRecoverCmd())
	return c
}
