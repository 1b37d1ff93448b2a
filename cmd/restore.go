package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/enboxorg/gitd/internal/repostore"
	"github.com/enboxorg/gitd/internal/restore"
	"github.com/enboxorg/gitd/internal/vault"
)

func RestoreCmd(setup *cmdSetup) *cobra.Command {
	restoreCmd := &cobra.Command{
		Use:   "restore <owner-did> <name>",
		Short: "rebuild a bare repository from its bundle chain",
		Long: `Fetches the most recent full bundle and every newer incremental
from the vault and replays them into the repository tree. The target
directory must not already contain the repository; delete a partial
restore before retrying.`,
		Args:             cobra.ExactArgs(2),
		PersistentPreRun: setup.LogSetupHook(),
		RunE: func(cc *cobra.Command, args []string) error {
			if err := setup.ResolveConfig(); err != nil {
				return err
			}
			owner, name := args[0], args[1]

			vlt, err := setup.OpenVault()
			if err != nil {
				return err
			}
			store, err := repostore.New(setup.Config.BasePath)
			if err != nil {
				return err
			}

			rec, doc, err := vault.FindRepo(cc.Context(), vlt, owner, name)
			if err != nil {
				return err
			}

			path := store.RepoPath(owner, name)
			res, err := restore.New(vlt).Restore(cc.Context(), path, owner, rec.ID)
			if err != nil {
				return err
			}
			if err = restore.SetDefaultBranch(cc.Context(), path, doc.DefaultBranch); err != nil {
				return err
			}

			if !setup.Config.Quiet {
				fmt.Fprintf(cc.ErrOrStderr(),
					"restored %s/%s: %d bundle(s), tip %s\n",
					owner, name, res.BundlesApplied, res.TipCommit)
			}
			return nil
		},
	}

	setup.ConfigFlag(restoreCmd)
	restoreCmd.Flags().StringVar(&setup.Config.BasePath, "base-path", setup.Config.BasePath,
		"root of the bare repository tree")

	return restoreCmd
}
