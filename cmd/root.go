package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/enboxorg/gitd/internal/common"
	"github.com/enboxorg/gitd/internal/config"
)

func RootCmd(setup *cmdSetup) *cobra.Command {
	if setup == nil {
		setup = &cmdSetup{env: os.Environ()}
		config.Defaults(&setup.Config)
		common.CheckErr(config.LoadFromEnv(common.NewEnvVisitor(setup.env), &setup.Config))
	}

	rootCmd := &cobra.Command{
		Use:   "gitd",
		Short: "peer-to-peer git forge daemon",
	}

	rootCmd.PersistentFlags().BoolVarP(&setup.Config.Debug, "debug", "D", setup.Config.Debug, "increase verboseness")
	rootCmd.PersistentFlags().BoolVar(&setup.Config.Trace, "trace", setup.Config.Trace, "highest level of verbosity")
	rootCmd.PersistentFlags().BoolVarP(&setup.Config.Quiet, "quiet", "q", setup.Config.Quiet, "operate silently if there are no errors")

	cmds := []*cobra.Command{
		ServeCmd(setup),
		CredentialCmd(setup),
		RestoreCmd(setup),
		ConfigCmd(setup),
	}

	rootCmd.AddCommand(cmds...)

	return rootCmd
}
