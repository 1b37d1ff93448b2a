package gitcmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func GitBin() string {
	var err error
	var gitBin string
	if gitBin, err = exec.LookPath("git"); err != nil {
		log.Fatal(errors.Wrap(err, "could not locate git binary"))
	}

	return gitBin
}

type (
	NotAGitRepo struct {
		Path string
	}

	GitCmd struct {
		*exec.Cmd
		Stdout bytes.Buffer
		Stderr bytes.Buffer
	}
)

func NewGitCmd(repoPath string) (cmd *GitCmd, err error) {
	return NewGitCmdContext(context.Background(), repoPath)
}

// NewGitCmdContext returns a GitCmd whose subprocess is killed when ctx is
// canceled. Commands run with buffered stdout/stderr; use Cmd directly for
// streaming.
func NewGitCmdContext(ctx context.Context, repoPath string) (cmd *GitCmd, err error) {
	abs, err := filepath.Abs(repoPath)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert repoPath %#v to an absolute path", repoPath)
	}

	cmd = &GitCmd{
		Cmd: exec.CommandContext(ctx, GitBin(), "-C", abs),
	}

	cmd.Cmd.Env = os.Environ()
	cmd.Cmd.Stdout = &cmd.Stdout
	cmd.Cmd.Stderr = &cmd.Stderr

	cmd.SetEnv("LC_ALL", "C")

	return cmd, nil
}

func (g *GitCmd) AddArgs(args ...string) *GitCmd {
	g.Cmd.Args = append(g.Cmd.Args, args...)
	return g
}

func (g *GitCmd) AddArgf(f string, opts ...interface{}) *GitCmd {
	return g.AddArgs(fmt.Sprintf(f, opts...))
}

func (g *GitCmd) SetEnv(k, v string) *GitCmd {
	g.Env = append(g.Env, fmt.Sprintf("%s=%s", k, v))
	return g
}

// CommandLine returns the comand executed as a string for debugging
func (g *GitCmd) CommandLine() string {
	return strings.Join(g.Args, " ")
}

func (g *GitCmd) Run() (err error) {
	err = g.Cmd.Run()

	log.WithFields(log.Fields{
		"cmd":      g.Cmd.String(),
		"exitCode": g.Cmd.ProcessState.ExitCode(),
		"exited":   g.Cmd.ProcessState.Exited(),
		"err":      err,
	}).Debug()

	if err != nil {
		emsg := g.Stderr.String()
		if strings.Contains(emsg, "fatal: not a git repository") {
			return errors.Wrapf(&NotAGitRepo{Path: g.Path}, "git command failed - not a git repo")
		}
	}

	return g.Check()
}

func (g *GitCmd) Check() (err error) {
	if g.ProcessState == nil {
		return nil
	}
	if !g.ProcessState.Success() {
		return &CommandFailedError{
			Command:  g.String(),
			ExitCode: g.ProcessState.ExitCode(),
			Stderr:   g.Stderr.String(),
		}
	}
	return nil
}

func (g *GitCmd) Output() (out []byte, err error) {
	if err = g.Run(); err != nil {
		return nil, err
	}
	return g.Stdout.Bytes(), nil
}

func scanLines(r io.Reader) (lines []string) {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		lines = append(lines, scan.Text())
	}
	return lines
}

// OutputLines returns the lines of output from the command as a slice of
// strings with trailing newlines removed
func (g *GitCmd) OutputLines() (lines []string) { return scanLines(&g.Stdout) }
func (g *GitCmd) ErrorLines() (lines []string)  { return scanLines(&g.Stderr) }
func (g *GitCmd) ExitCode() int                 { return g.ProcessState.ExitCode() }

var _ error = &NotAGitRepo{}

func (e *NotAGitRepo) Error() string {
	return fmt.Sprintf("%s is not a git repository", e.Path)
}

type CommandFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf(
		"the command %#v exited with exitstatus %#v. stderr was: %#v",
		e.Command, e.ExitCode, e.Stderr,
	)
}

func IsBareRepository(path string) (ok bool, err error) {
	cmd, err := NewGitCmd(path)
	if err != nil {
		return false, err
	}
	cmd.AddArgs("rev-parse", "--is-bare-repository")

	if err = cmd.Run(); err != nil {
		return false, err
	}

	return strings.TrimSpace(cmd.Stdout.String()) == "true", nil
}
