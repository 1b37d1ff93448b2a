// Package refsync mirrors a bare repository's refs into the vault as ref
// records, one per ref, replaced on every push.
package refsync

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/gitcmd"
	"github.com/enboxorg/gitd/internal/vault"
)

type Syncer struct {
	Vault vault.Store
}

func New(v vault.Store) *Syncer {
	return &Syncer{Vault: v}
}

type Ref struct {
	Name   string
	Target string
	Type   string
}

// ListRefs enumerates branches and tags in the bare repository at repoPath.
// Anything outside refs/heads and refs/tags (notes, replace refs) is skipped.
func ListRefs(ctx context.Context, repoPath string) (refs []Ref, err error) {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	cmd.AddArgs("for-each-ref", "--format=%(objectname) %(refname) %(objecttype)")

	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed to enumerate refs in %#v", repoPath)
	}

	for _, line := range cmd.OutputLines() {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			log.Warnf("malformed for-each-ref line: %#v", line)
			continue
		}

		ref := Ref{Target: fields[0], Name: fields[1]}
		switch {
		case strings.HasPrefix(ref.Name, "refs/heads/"):
			ref.Type = vault.RefBranch
		case strings.HasPrefix(ref.Name, "refs/tags/"):
			ref.Type = vault.RefTag
		default:
			continue
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

// HeadBranch returns the short name of the branch HEAD points at, or "" for
// a detached or unborn HEAD.
func HeadBranch(ctx context.Context, repoPath string) string {
	cmd, err := gitcmd.NewGitCmdContext(ctx, repoPath)
	if err != nil {
		return ""
	}
	cmd.AddArgs("symbolic-ref", "--short", "HEAD")
	if err = cmd.Run(); err != nil {
		return ""
	}
	lines := cmd.OutputLines()
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// Sync upserts one ref record per ref under the repository context and
// prunes records for refs that no longer exist, so the record set always
// enumerates-equal the repository's refs. Individual record failures are
// logged and skipped; the next push reconciles them. Failing to enumerate
// refs at all is the caller's problem.
func (s *Syncer) Sync(ctx context.Context, repoPath, owner, contextID string) error {
	refs, err := ListRefs(ctx, repoPath)
	if err != nil {
		return err
	}

	live := make(map[string]bool, len(refs))
	for _, ref := range refs {
		live[ref.Name] = true

		doc := vault.RefDoc{Name: ref.Name, Type: ref.Type, Target: ref.Target}
		err := vault.Retry(ctx, 3, func() error {
			_, cerr := s.Vault.Create(ctx, owner, vault.TypeRef, vault.CreateRequest{
				Data:   &doc,
				Tags:   vault.Tags{"name": ref.Name},
				Parent: contextID,
			})
			return cerr
		})
		if err != nil {
			log.WithFields(log.Fields{"ref": ref.Name, "err": err}).Error("failed to sync ref record")
		}
	}

	existing, err := s.Vault.Query(ctx, owner, vault.TypeRef, vault.Query{Parent: contextID})
	if err != nil {
		log.WithError(err).Warn("could not enumerate ref records for pruning")
		return nil
	}
	for _, rec := range existing {
		if name := rec.Tags["name"]; name != "" && !live[name] {
			if err := s.Vault.Erase(ctx, owner, rec.ID); err != nil && !vault.IsNotFound(err) {
				log.WithFields(log.Fields{"ref": name, "err": err}).Warn("failed to prune ref record")
			}
		}
	}

	return nil
}
