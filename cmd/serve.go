package cmd

import (
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/enboxorg/gitd/internal/server"
)

func ServeCmd(setup *cmdSetup) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the git smart-http daemon",
		PersistentPreRun: func(cc *cobra.Command, args []string) {
			// the daemon also logs to an append-only file under its home
			if setup.Config.LogFile == "" {
				setup.Config.LogFile = filepath.Join(setup.Config.Home, "daemon.log")
			}
			setup.LogSetupHook()(cc, args)
		},
		RunE: func(cc *cobra.Command, args []string) error {
			if err := setup.ResolveConfig(); err != nil {
				return err
			}

			vlt, err := setup.OpenVault()
			if err != nil {
				return err
			}

			srv, err := server.New(&setup.Config, vlt, setup.Resolver())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cc.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx)
		},
	}

	setup.ConfigFlag(serveCmd)
	serveCmd.Flags().IntVarP(&setup.Config.Port, "port", "p", setup.Config.Port, "port to listen on (0 lets the OS pick)")
	serveCmd.Flags().StringVar(&setup.Config.BasePath, "base-path", setup.Config.BasePath, "root of the bare repository tree")
	serveCmd.Flags().StringVar(&setup.Config.Home, "home", setup.Config.Home, "daemon home (lockfile, log, vault state)")
	serveCmd.Flags().IntVar(&setup.Config.SquashThreshold, "squash-threshold", setup.Config.SquashThreshold,
		"incremental bundle count that triggers a squash")

	return serveCmd
}
