// Package restore reconstructs a bare repository from its bundle chain: the
// most recent full bundle, then every strictly newer incremental in creation
// order.
package restore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/bundlesync"
	"github.com/enboxorg/gitd/internal/gitcmd"
	"github.com/enboxorg/gitd/internal/vault"
)

// ErrNoFullBundle means the vault holds no full bundle for the repository,
// so there is nothing to restore from.
var ErrNoFullBundle = errors.New("no full bundle exists for this repository")

const DefaultApplyTimeout = 60 * time.Second

type (
	Restorer struct {
		Vault vault.Store

		// ApplyTimeout bounds each bundle's verify and fetch.
		ApplyTimeout time.Duration
	}

	Result struct {
		BundlesApplied int
		TipCommit      string
	}
)

func New(v vault.Store) *Restorer {
	return &Restorer{Vault: v, ApplyTimeout: DefaultApplyTimeout}
}

// Restore rebuilds the bare repository at targetPath from the bundle chain
// under contextID. The procedure is not resumable: a partially-restored
// directory left by a crash must be deleted before retrying.
func (r *Restorer) Restore(ctx context.Context, targetPath, owner, contextID string) (*Result, error) {
	recs, err := r.Vault.Query(ctx, owner, vault.TypeBundle, vault.Query{
		Parent:   contextID,
		DateSort: vault.SortAsc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bundle records")
	}

	// walk to the newest full bundle; the replay set is that bundle plus
	// everything after it
	start := -1
	for i, rec := range recs {
		tags, terr := vault.ParseBundleTags(rec.Tags)
		if terr != nil {
			log.WithFields(log.Fields{"record": rec.ID, "err": terr}).Warn("skipping malformed bundle record")
			continue
		}
		if tags.IsFull {
			start = i
		}
	}
	if start < 0 {
		return nil, ErrNoFullBundle
	}

	if err = os.MkdirAll(targetPath, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %#v", targetPath)
	}

	cmd, err := gitcmd.NewGitCmdContext(ctx, targetPath)
	if err != nil {
		return nil, err
	}
	cmd.AddArgs("init", "--bare")
	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "git init --bare failed for %#v", targetPath)
	}

	res := &Result{}
	for _, rec := range recs[start:] {
		if _, terr := vault.ParseBundleTags(rec.Tags); terr != nil {
			continue
		}
		if err = r.apply(ctx, targetPath, owner, rec); err != nil {
			return nil, err
		}
		res.BundlesApplied++
	}

	if res.TipCommit, err = bundlesync.CurrentTip(ctx, targetPath); err != nil {
		log.WithError(err).Warn("restored repository has no resolvable tip")
	}

	log.WithFields(log.Fields{
		"path":    targetPath,
		"bundles": res.BundlesApplied,
		"tip":     res.TipCommit,
	}).Info("restored repository from bundle chain")

	return res, nil
}

// apply imports one bundle into the bare repository. A prerequisite failure
// in verify is fatal: the chain is broken and replaying further would only
// corrupt the result.
func (r *Restorer) apply(ctx context.Context, targetPath, owner string, rec *vault.Record) error {
	blob, err := rec.Blob()
	if err != nil {
		return err
	}

	tmp := filepath.Join(os.TempDir(), "gitd-restore-"+uuid.NewString())
	if err = os.WriteFile(tmp, blob, 0600); err != nil {
		return errors.Wrap(err, "failed to write bundle temp file")
	}
	defer os.Remove(tmp)

	applyCtx, cancel := context.WithTimeout(ctx, r.ApplyTimeout)
	defer cancel()

	cmd, err := gitcmd.NewGitCmdContext(applyCtx, targetPath)
	if err != nil {
		return err
	}
	cmd.AddArgs("bundle", "verify", tmp)
	if err = cmd.Run(); err != nil {
		return errors.Wrapf(err, "bundle record %s failed verification; the chain is broken", rec.ID)
	}

	cmd, err = gitcmd.NewGitCmdContext(applyCtx, targetPath)
	if err != nil {
		return err
	}
	cmd.AddArgs("fetch", "--quiet", tmp, "+refs/*:refs/*")
	if err = cmd.Run(); err != nil {
		return errors.Wrapf(err, "failed to import bundle record %s", rec.ID)
	}

	return nil
}

// SetDefaultBranch points HEAD at the given branch if it exists after a
// restore, so clones check out what the owner considers the mainline.
func SetDefaultBranch(ctx context.Context, repoPath, branch string) error {
	if branch == "" {
		return nil
	}
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return err
	}
	cmd.AddArgs("symbolic-ref", "HEAD", "refs/heads/"+branch)
	return cmd.Run()
}
