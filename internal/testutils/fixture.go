package testutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bluesky-social/indigo/atproto/crypto"

	r "github.com/stretchr/testify/require"

	"github.com/enboxorg/gitd/internal/gitcmd"
	"github.com/enboxorg/gitd/internal/identity"
)

type (
	Fixture struct {
		*r.Assertions
		T       *testing.T
		Temp    string
		origEnv []string
	}

	TestRepo struct {
		*gitcmd.Repo
		r *r.Assertions
	}
)

// GitEnv pins author and committer identity so tests don't depend on the
// developer's gitconfig. Dates are not pinned, so commit shas still differ
// between runs.
var GitEnv = []string{
	"PAGER=cat",
	"EDITOR=:",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_AUTHOR_NAME=Capt Spaulding",
	"GIT_AUTHOR_EMAIL=captspaulding@scotland-yard.co.uk",
	"GIT_COMMITTER_NAME=Roscoe W Chandler",
	"GIT_COMMITTER_EMAIL=abey@thefishman.gov",
}

func NewFixture(t *testing.T) (fix *Fixture) {
	f := &Fixture{
		Assertions: r.New(t),
		T:          t,
		origEnv:    os.Environ(),
		Temp:       t.TempDir(),
	}

	f.ResetEnv()
	return f
}

// put the env back exactly the way we found it
func (f *Fixture) cleanEnv() {
	os.Clearenv()
	for i := range f.origEnv {
		p := strings.Index(f.origEnv[i], "=")
		if p < 0 {
			continue
		}

		k := f.origEnv[i][0:p]
		v := f.origEnv[i][p+1:]

		os.Setenv(k, v)
	}
}

// clean the env but set a few special vars
func (f *Fixture) ResetEnv() {
	f.cleanEnv()
	// a developer's GITD_* vars must not leak into test configs
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "GITD_") {
			os.Unsetenv(kv[:strings.Index(kv, "=")])
		}
	}
	os.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	// setting this prevents git from finding ~/.gitconfig and messing up tests
	os.Setenv("HOME", f.Temp)
	for _, kv := range GitEnv {
		i := strings.Index(kv, "=")
		os.Setenv(kv[:i], kv[i+1:])
	}
}

// Close sets os.Environ back to what it was when NewFixture was called
func (f *Fixture) Close() {
	f.cleanEnv()
}

func (f *Fixture) TempJoin(args ...string) string {
	return filepath.Join(append([]string{f.Temp}, args...)...)
}

// Git runs a git command in dir and requires it to succeed.
func (f *Fixture) Git(dir string, args ...string) *gitcmd.GitCmd {
	cmd, err := gitcmd.NewGitCmd(dir)
	f.NoError(err)
	for _, kv := range GitEnv {
		cmd.Env = append(cmd.Env, kv)
	}
	cmd.AddArgs(args...)
	f.NoError(cmd.Run(), "git %v failed: %s", args, cmd.Stderr.String())
	return cmd
}

// NewWorkRepo creates a working (non-bare) repository under the fixture temp
// dir with 'main' as its initial branch.
func (f *Fixture) NewWorkRepo(name string) *TestRepo {
	path := f.TempJoin(name)
	f.NoError(os.MkdirAll(path, 0755))

	cmd, err := gitcmd.NewGitCmd(path)
	f.NoError(err)
	cmd.AddArgs("-c", "init.defaultBranch=main", "init")
	f.NoError(cmd.Run())

	repo, err := gitcmd.NewRepo(path)
	f.NoError(err)
	repo.AddExtraEnv(GitEnv...)

	return &TestRepo{repo, f.Assertions}
}

// WriteFile writes the contents at the relative path given. If the contents
// are blank then just write the relative path as the contents of the file
func (t *TestRepo) WriteFile(relpath, content string) {
	fp, err := os.OpenFile(t.RelPath(relpath), os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	t.r.NoError(err)
	defer fp.Close()

	if content == "" {
		content = relpath
	}
	_, err = fp.WriteString(content)
	t.r.NoError(err)
}

// Commit stages everything and commits, returning the new head sha.
func (t *TestRepo) Commit(msg string) (sha string) {
	_, err := t.Run("add", "-A")
	t.r.NoError(err)
	_, err = t.Run("commit", "-m", msg)
	t.r.NoError(err)
	return t.Head()
}

func (t *TestRepo) Head() string {
	cmd, err := t.Run("rev-parse", "HEAD")
	t.r.NoError(err)
	lines := cmd.OutputLines()
	t.r.NotEmpty(lines)
	return strings.TrimSpace(lines[0])
}

// ForEachRef returns the repo's refs in a stable, comparable form.
func (t *TestRepo) ForEachRef() []string {
	cmd, err := t.Run("for-each-ref", "--format=%(objectname) %(refname)")
	t.r.NoError(err)
	return cmd.OutputLines()
}

type TestIdentity struct {
	DID string
	Key *crypto.PrivateKeyK256
}

// NewIdentity generates a fresh signing key whose did:key form is its own
// resolvable identifier, and registers it with the given static resolver.
func (f *Fixture) NewIdentity(resolver *identity.Static) *TestIdentity {
	key, err := crypto.GeneratePrivateKeyK256()
	f.NoError(err)

	pub, err := key.Public()
	f.NoError(err)

	did := pub.DIDKey()
	if resolver != nil {
		resolver.Add(did, pub)
	}

	return &TestIdentity{DID: did, Key: key}
}
