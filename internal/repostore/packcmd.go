package repostore

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/enboxorg/gitd/internal/gitcmd"
)

// PackCmd is a running upload-pack or receive-pack subprocess with piped
// stdio. Stderr is captured separately so protocol output on stdout stays
// clean. The caller must pump Stdin and Stdout concurrently for the lifetime
// of the request; either side stalling stalls git.
type PackCmd struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd    *exec.Cmd
	stderr bytes.Buffer
}

func (s *Store) UploadPack(ctx context.Context, owner, name string) (*PackCmd, error) {
	return s.startPack(ctx, owner, name, UploadPackService)
}

func (s *Store) ReceivePack(ctx context.Context, owner, name string) (*PackCmd, error) {
	return s.startPack(ctx, owner, name, ReceivePackService)
}

func (s *Store) startPack(ctx context.Context, owner, name, service string) (p *PackCmd, err error) {
	svc, err := serviceBinArg(service)
	if err != nil {
		return nil, err
	}
	if !s.Exists(owner, name) {
		return nil, &NotFoundError{Owner: owner, Name: name}
	}

	cmd := exec.CommandContext(ctx, gitcmd.GitBin(), svc, "--stateless-rpc", s.RepoPath(owner, name))
	cmd.Env = minimalEnv()
	// a canceled request context sends SIGTERM, not the default SIGKILL, so
	// git gets a chance to drop its ref locks
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	p = &PackCmd{cmd: cmd}
	cmd.Stderr = &p.stderr

	if p.Stdin, err = cmd.StdinPipe(); err != nil {
		return nil, errors.Wrap(err, "failed to open pack stdin pipe")
	}
	if p.Stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, errors.Wrap(err, "failed to open pack stdout pipe")
	}

	if err = cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start git %s", svc)
	}

	return p, nil
}

// Wait blocks until the subprocess exits and reports whether it succeeded.
func (p *PackCmd) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return errors.Wrapf(err, "git pack process failed. stderr: %#v", p.stderr.String())
	}
	return nil
}

func (p *PackCmd) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *PackCmd) Stderr() string { return p.stderr.String() }

// Terminate asks the subprocess to stop. Used when the http client goes
// away mid-transfer.
func (p *PackCmd) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Kill force-stops a subprocess that has stopped making progress.
func (p *PackCmd) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
