package cmd

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

func ConfigCmd(setup *cmdSetup) *cobra.Command {
	configCmd := &cobra.Command{
		Use:              "config",
		Short:            "inspect the daemon configuration",
		PersistentPreRun: setup.LogSetupHook(),
	}

	configShowCmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"cat"},
		Short:   "show the resolved configuration",
		Long: `Loads defaults, the environment, and the config file (if any),
validates the result, and dumps it to stdout.`,
		RunE: func(cc *cobra.Command, args []string) error {
			if err := setup.ResolveConfig(); err != nil {
				return err
			}
			spew.Fdump(cc.OutOrStdout(), setup.Config)
			return nil
		},
	}

	setup.ConfigFlag(configCmd)
	configCmd.AddCommand(configShowCmd)

	return configCmd
}
