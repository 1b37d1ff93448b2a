package gitcmd

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type (
	Repo struct {
		path     string
		gitDir   string
		isBare   bool
		extraEnv []string
	}
)

func NewRepo(path string) (repo *Repo, err error) {
	if path == "" {
		path = "."
	}

	repo = &Repo{path: filepath.Clean(path)}

	if repo.isBare, err = IsBareRepository(path); err != nil {
		return nil, err
	}

	cmd, err := NewGitCmd(path)
	if err != nil {
		return nil, err
	}
	cmd.AddArgs("rev-parse", "--git-dir")
	if err = cmd.Run(); err != nil {
		return nil, err
	}

	gitDir := strings.TrimSpace(cmd.Stdout.String())
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(path, gitDir)
	}
	repo.gitDir = filepath.Clean(gitDir)

	return repo, nil
}

// AddExtraEnv adds the given strings (in os.Environ style "FOO=bar") to the
// execution of commands against this repo. This allows the caller to set
// 'GIT_*' env vars for controlling its behavior
func (r *Repo) AddExtraEnv(env ...string) {
	r.extraEnv = append(r.extraEnv, env...)
}

// Run takes a list of arguments (not including 'git') to run in this repo,
// executes the command, and returns the GitCmd for further inspection.
// The GitCmd is returned whether or not err is nil, so that the caller may
// inspect Stderr for clues.
func (r *Repo) Run(args ...string) (cmd *GitCmd, err error) {
	return r.RunContext(context.Background(), args...)
}

func (r *Repo) RunContext(ctx context.Context, args ...string) (cmd *GitCmd, err error) {
	if len(args) > 1 && args[0] == "git" {
		return nil, errors.Errorf(
			"invalid command, argument to Run's first value should not be \"git\". "+
				"args: %#v",
			args,
		)
	}

	if cmd, err = r.CmdContext(ctx); err != nil {
		return nil, err
	}
	cmd.AddArgs(args...)
	err = cmd.Run()
	return cmd, err
}

// Cmd returns a GitCmd struct set up to execute git subcommands in this
// repository.
func (r *Repo) Cmd() (cmd *GitCmd, err error) {
	return r.CmdContext(context.Background())
}

func (r *Repo) CmdContext(ctx context.Context) (cmd *GitCmd, err error) {
	if cmd, err = NewGitCmdContext(ctx, r.path); err != nil {
		return nil, err
	}

	cmd.Env = append(cmd.Env, r.extraEnv...)
	return cmd, nil
}

func (r *Repo) Path() string   { return r.path }
func (r *Repo) GitDir() string { return r.gitDir }
func (r *Repo) IsBare() bool   { return r.isBare }

// RelPath returns a path relative to the top level of this repository. This
// method will panic if IsBare returns true.
func (r *Repo) RelPath(ps ...string) string {
	if r.isBare {
		panic("Tried to call RelPath on a bare repository: " + r.path)
	}
	return filepath.Join(append([]string{r.path}, ps...)...)
}

type (
	Config struct {
		repo  *Repo
		scope string
	}
)

func (r *Repo) Config() *Config {
	return &Config{r, ""}
}

// Local returns a Config instance with '--local' scope set
func (c *Config) Local() *Config { return &Config{c.repo, "--local"} }

// Global returns a Config with the '--global' scope set
func (c *Config) Global() *Config { return &Config{c.repo, "--global"} }

func (c *Config) mkArgs() (args []string) {
	args = append(args, "config")
	if c.scope != "" {
		args = append(args, c.scope)
	}
	return args
}

// Get returns the value for 'key' for the currently defined git config scope.
// For a missing key, this function returns val="", ok=false, error=nil.
func (c *Config) Get(key string) (val string, ok bool, err error) {
	cmd, err := c.repo.Cmd()
	if err != nil {
		return "", false, err
	}
	cmd.AddArgs(c.mkArgs()...).AddArgs("--get", key)

	if err = cmd.Run(); err != nil {
		if cfe, ok := err.(*CommandFailedError); ok {
			// this is what git does when we try to get a missing key
			if cfe.ExitCode == 1 && cfe.Stderr == "" {
				return "", false, nil
			}
		}

		return "", false, err
	}

	lines := cmd.OutputLines()
	if len(lines) < 1 {
		log.Fatalf("no output from %#v when 1 line was expected", cmd.String())
	}

	return strings.TrimSpace(lines[0]), true, nil
}

func (c *Config) Set(key, val string) (err error) {
	cmd, err := c.repo.Cmd()
	if err != nil {
		return err
	}

	cmd.AddArgs(c.mkArgs()...).AddArgs(key, val)

	_, err2 := cmd.Output()
	return err2
}
