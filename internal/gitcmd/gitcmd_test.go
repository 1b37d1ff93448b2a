package gitcmd

import (
	"path/filepath"
	"testing"

	r "github.com/stretchr/testify/require"
)

func initRepo(t *testing.T, bare bool) string {
	dir := t.TempDir()
	cmd, err := NewGitCmd(dir)
	r.NoError(t, err)
	if bare {
		cmd.AddArgs("init", "--bare")
	} else {
		cmd.AddArgs("init")
	}
	r.NoError(t, cmd.Run())
	return dir
}

func TestIsBareRepository(t *testing.T) {
	req := r.New(t)

	ok, err := IsBareRepository(initRepo(t, true))
	req.NoError(err)
	req.True(ok)

	ok, err = IsBareRepository(initRepo(t, false))
	req.NoError(err)
	req.False(ok)
}

func TestRunReportsFailures(t *testing.T) {
	req := r.New(t)
	repo, err := NewRepo(initRepo(t, false))
	req.NoError(err)

	cmd, err := repo.Run("rev-parse", "--definitely-not-a-flag")
	req.Error(err)
	req.NotNil(cmd)

	var cfe *CommandFailedError
	req.ErrorAs(err, &cfe)
	req.NotZero(cfe.ExitCode)
}

func TestRunRejectsLeadingGit(t *testing.T) {
	req := r.New(t)
	repo, err := NewRepo(initRepo(t, false))
	req.NoError(err)

	_, err = repo.Run("git", "status")
	req.Error(err)
}

func TestOutputLines(t *testing.T) {
	req := r.New(t)
	repo, err := NewRepo(initRepo(t, false))
	req.NoError(err)

	cmd, err := repo.Run("rev-parse", "--is-inside-work-tree")
	req.NoError(err)
	req.Equal([]string{"true"}, cmd.OutputLines())
	req.Equal(0, cmd.ExitCode())
}

func TestNotAGitRepo(t *testing.T) {
	req := r.New(t)

	dir := t.TempDir()
	cmd, err := NewGitCmd(dir)
	req.NoError(err)
	cmd.SetEnv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
	cmd.AddArgs("rev-parse", "--git-dir")

	err = cmd.Run()
	req.Error(err)

	var nagr *NotAGitRepo
	req.ErrorAs(err, &nagr)
}

func TestConfigGetSet(t *testing.T) {
	req := r.New(t)
	repo, err := NewRepo(initRepo(t, false))
	req.NoError(err)

	_, ok, err := repo.Config().Local().Get("gitd.did")
	req.NoError(err)
	req.False(ok)

	req.NoError(repo.Config().Local().Set("gitd.did", "did:key:zMe"))

	val, ok, err := repo.Config().Local().Get("gitd.did")
	req.NoError(err)
	req.True(ok)
	req.Equal("did:key:zMe", val)
}
