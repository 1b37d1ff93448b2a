// Package repostore owns the on-disk tree of bare repositories and the git
// pack subprocesses that serve them over smart-http.
package repostore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/gitcmd"
)

const (
	UploadPackService  = "upload-pack"
	ReceivePackService = "receive-pack"
)

type (
	Store struct {
		base string
	}

	NotFoundError struct {
		Owner string
		Name  string
	}
)

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("repository %s/%s not found", e.Owner, e.Name)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	// anything a did can carry that the filesystem can't
	unsafePathChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

func New(base string) (s *Store, err error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve repository base path %#v", base)
	}
	if err = os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create repository base path %#v", abs)
	}
	return &Store{base: abs}, nil
}

func (s *Store) Base() string { return s.base }

// EscapeOwner maps an owner identifier onto a single path segment. Colons
// (did method separators) become underscores, as does anything else outside
// the portable filename set. The mapping only needs to be deterministic and
// collision-free for well-formed dids, which never differ by punctuation
// alone.
func EscapeOwner(owner string) string {
	return unsafePathChar.ReplaceAllString(owner, "_")
}

func ValidName(name string) bool {
	return validName.MatchString(name) && !strings.HasSuffix(name, ".lock")
}

// RepoPath is deterministic and pure: the same (owner, name) always maps to
// the same directory.
func (s *Store) RepoPath(owner, name string) string {
	return filepath.Join(s.base, EscapeOwner(owner), name+".git")
}

func (s *Store) Exists(owner, name string) bool {
	ok, err := gitcmd.IsBareRepository(s.RepoPath(owner, name))
	return err == nil && ok
}

// Init creates the bare repository for (owner, name). Calling it again for
// an already-initialized repository is a no-op; a path that exists but is
// not a bare repository is an error.
func (s *Store) Init(owner, name string) (path string, err error) {
	if !ValidName(name) {
		return "", errors.Errorf("invalid repository name %#v", name)
	}

	path = s.RepoPath(owner, name)

	if _, statErr := os.Stat(path); statErr == nil {
		ok, bareErr := gitcmd.IsBareRepository(path)
		if bareErr != nil || !ok {
			return "", errors.Errorf("path %#v exists but is not a bare repository", path)
		}
		return path, nil
	}

	if err = os.MkdirAll(path, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create repository directory %#v", path)
	}

	cmd, err := gitcmd.NewGitCmd(path)
	if err != nil {
		return "", err
	}
	cmd.AddArgs("init", "--bare")
	if err = cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "git init --bare failed for %#v", path)
	}

	log.WithFields(log.Fields{"owner": owner, "name": name, "path": path}).Info("initialized bare repository")
	return path, nil
}

func serviceBinArg(service string) (string, error) {
	switch service {
	case UploadPackService, ReceivePackService:
		return service, nil
	default:
		return "", errors.Errorf("unknown pack service %#v", service)
	}
}

// AdvertiseRefs produces the v1 smart-http ref advertisement for the given
// service: the pkt-line framed "# service=git-<svc>" announcement, a flush
// packet, then the --advertise-refs output of the pack program.
func (s *Store) AdvertiseRefs(ctx context.Context, owner, name, service string) ([]byte, error) {
	svc, err := serviceBinArg(service)
	if err != nil {
		return nil, err
	}
	if !s.Exists(owner, name) {
		return nil, &NotFoundError{Owner: owner, Name: name}
	}

	cmd, err := gitcmd.NewGitCmdContext(ctx, s.RepoPath(owner, name))
	if err != nil {
		return nil, err
	}
	cmd.Env = minimalEnv()
	cmd.AddArgs(svc, "--stateless-rpc", "--advertise-refs", ".")

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "ref advertisement failed for %s/%s", owner, name)
	}

	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	if err = enc.EncodeString(fmt.Sprintf("# service=git-%s\n", svc)); err != nil {
		return nil, errors.Wrap(err, "failed to encode service announcement")
	}
	if err = enc.Flush(); err != nil {
		return nil, errors.Wrap(err, "failed to encode flush packet")
	}
	buf.Write(out)

	return buf.Bytes(), nil
}

// minimalEnv is what pack subprocesses run with: enough for git to function
// and nothing inherited from the daemon beyond that.
func minimalEnv() []string {
	env := []string{
		"LC_ALL=C",
		"GIT_CONFIG_NOSYSTEM=1",
	}
	for _, k := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
