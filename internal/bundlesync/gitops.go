package bundlesync

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/enboxorg/gitd/internal/gitcmd"
)

// CurrentTip returns the commit the repository's HEAD resolves to, falling
// back to the most recently committed branch when HEAD is unborn. Returns
// "" for a repository with no commits at all.
func CurrentTip(ctx context.Context, repoPath string) (string, error) {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return "", err
	}
	cmd.AddArgs("rev-parse", "HEAD")

	if err = cmd.Run(); err == nil {
		return strings.TrimSpace(cmd.Stdout.String()), nil
	}

	cmd, err = gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return "", err
	}
	cmd.AddArgs("for-each-ref", "--sort=-committerdate", "--count=1",
		"--format=%(objectname)", "refs/heads")

	if err = cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "failed to find a tip commit in %#v", repoPath)
	}

	return strings.TrimSpace(cmd.Stdout.String()), nil
}

// createBundle writes a bundle of all refs to path. Each exclude becomes a
// prerequisite boundary; no excludes means a full bundle.
func createBundle(ctx context.Context, repoPath, path string, excludes []string) error {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return err
	}
	cmd.AddArgs("bundle", "create", path, "--all")
	for _, sha := range excludes {
		cmd.AddArgs("^" + sha)
	}

	return cmd.Run()
}

// isEmptyBundleErr recognizes git's refusal to create a bundle with no new
// objects, which happens when every ref is already reachable from the
// prerequisites.
func isEmptyBundleErr(err error) bool {
	var cfe *gitcmd.CommandFailedError
	return errors.As(err, &cfe) && strings.Contains(cfe.Stderr, "empty bundle")
}

func verifyBundle(ctx context.Context, repoPath, path string) error {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return err
	}
	cmd.AddArgs("bundle", "verify", path)

	return errors.Wrapf(cmd.Run(), "bundle %#v failed verification", path)
}

// bundleRefCount counts the ref tips recorded in the bundle header.
func bundleRefCount(ctx context.Context, repoPath, path string) (int, error) {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return 0, err
	}
	cmd.AddArgs("bundle", "list-heads", path)

	if err = cmd.Run(); err != nil {
		return 0, errors.Wrapf(err, "failed to list heads of bundle %#v", path)
	}

	return len(cmd.OutputLines()), nil
}
