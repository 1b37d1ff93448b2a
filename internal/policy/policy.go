// Package policy decides whether an authenticated actor may push to a
// repository. Ownership always allows; otherwise the actor needs a role
// record under the repository context in the owner's vault.
package policy

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/vault"
)

type Policy struct {
	Vault vault.Store
}

func New(v vault.Store) *Policy {
	return &Policy{Vault: v}
}

// Allowed reports whether actor may push to (owner, name). The decision is
// pure over the vault snapshot observed at query time; nothing is cached.
func (p *Policy) Allowed(ctx context.Context, actor, owner, name string) (bool, error) {
	if actor == owner {
		return true, nil
	}

	repoRec, _, err := vault.FindRepo(ctx, p.Vault, owner, name)
	if err != nil {
		if vault.IsNotFound(err) {
			// no repo record means no role records either
			return false, nil
		}
		return false, err
	}

	for _, role := range vault.RoleTypes {
		recs, err := p.Vault.Query(ctx, owner, role, vault.Query{
			Parent: repoRec.ID,
			Tags:   vault.Tags{vault.TagDID: actor},
		})
		if err != nil {
			return false, err
		}
		if len(recs) > 0 {
			log.WithFields(log.Fields{
				"actor": actor,
				"repo":  owner + "/" + name,
				"role":  role,
			}).Debug("push allowed by role record")
			return true, nil
		}
	}

	return false, nil
}
