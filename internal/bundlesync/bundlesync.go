// Package bundlesync persists every accepted push as a chain of git bundles
// in the vault. The chain for a repository is one full bundle followed by
// incrementals; when the incremental tail grows past a threshold the chain
// is squashed back down to a single fresh full bundle.
package bundlesync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/vault"
)

const DefaultSquashThreshold = 10

type Syncer struct {
	Vault vault.Store

	// SquashThreshold is the incremental-chain length that triggers a
	// squash back to a single full bundle.
	SquashThreshold int

	locks stripedLocks
}

func New(v vault.Store, squashThreshold int) *Syncer {
	if squashThreshold < 1 {
		squashThreshold = DefaultSquashThreshold
	}
	return &Syncer{Vault: v, SquashThreshold: squashThreshold}
}

// chain is the bundle state machine's persisted state, reconstructed from
// the vault on every invocation: the newest full bundle plus every strictly
// newer incremental, in creation order.
type chain struct {
	full     *vault.Record
	fullTags vault.BundleTags
	incs     []*vault.Record
	incTags  []vault.BundleTags

	// stale holds records older than the newest full bundle (leftovers of
	// an interrupted squash or reset), so the next squash erases them too.
	stale []*vault.Record
}

// tip is the newest commit the chain covers.
func (c *chain) tip() string {
	if c == nil {
		return ""
	}
	if n := len(c.incTags); n > 0 {
		return c.incTags[n-1].TipCommit
	}
	return c.fullTags.TipCommit
}

// excludes returns the prerequisite boundary for the next incremental: the
// full bundle's tip plus every incremental tip already uploaded.
func (c *chain) excludes() (shas []string) {
	shas = append(shas, c.fullTags.TipCommit)
	for _, t := range c.incTags {
		shas = append(shas, t.TipCommit)
	}
	return shas
}

// all returns every record in the chain, oldest first.
func (c *chain) all() (recs []*vault.Record) {
	recs = append(recs, c.stale...)
	recs = append(recs, c.full)
	return append(recs, c.incs...)
}

func (s *Syncer) readChain(ctx context.Context, owner, contextID string) (*chain, error) {
	recs, err := s.Vault.Query(ctx, owner, vault.TypeBundle, vault.Query{
		Parent:   contextID,
		DateSort: vault.SortAsc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bundle chain")
	}

	var c *chain
	for _, rec := range recs {
		tags, terr := vault.ParseBundleTags(rec.Tags)
		if terr != nil {
			log.WithFields(log.Fields{"record": rec.ID, "err": terr}).Warn("skipping malformed bundle record")
			continue
		}

		if tags.IsFull {
			// a newer full supersedes everything before it; leftovers from
			// an interrupted squash are kept aside as stale and erased by
			// the next squash
			next := &chain{full: rec, fullTags: tags}
			if c != nil {
				next.stale = c.all()
			}
			c = next
			continue
		}
		if c != nil {
			c.incs = append(c.incs, rec)
			c.incTags = append(c.incTags, tags)
		}
	}

	return c, nil
}

// Sync advances the bundle chain to cover the repository's current tip. At
// most one invocation runs per repository; callers racing on the same repo
// serialize here, which is what keeps the chain ancestry linear.
func (s *Syncer) Sync(ctx context.Context, repoPath, owner, contextID, visibility string) error {
	unlock := s.locks.lock(owner + "/" + contextID)
	defer unlock()

	c, err := s.readChain(ctx, owner, contextID)
	if err != nil {
		return err
	}

	tip, err := CurrentTip(ctx, repoPath)
	if err != nil {
		return err
	}
	if tip == "" {
		// nothing to bundle in an empty repository
		return nil
	}
	if c != nil && tip == c.tip() {
		log.WithFields(log.Fields{"repo": repoPath, "tip": tip}).Debug("bundle chain already at tip")
		return nil
	}

	tmp := filepath.Join(os.TempDir(), "gitd-bundle-"+uuid.NewString())
	defer os.Remove(tmp)

	isFull := c == nil
	var base string
	if isFull {
		err = createBundle(ctx, repoPath, tmp, nil)
	} else {
		base = c.tip()
		err = createBundle(ctx, repoPath, tmp, c.excludes())
		if isEmptyBundleErr(err) {
			// every ref is already reachable from the chain (e.g. a push
			// that only rewound a branch). reset to a fresh full bundle so
			// the chain keeps matching the refs.
			isFull, base = true, ""
			err = createBundle(ctx, repoPath, tmp, nil)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to create bundle for %#v", repoPath)
	}

	rec, tags, err := s.upload(ctx, repoPath, tmp, owner, contextID, visibility, isFull, tip, base)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"repo":   repoPath,
		"record": rec.ID,
		"isFull": tags.IsFull,
		"tip":    tags.TipCommit,
		"size":   tags.Size,
	}).Info("uploaded bundle")

	if isFull {
		// a reset full bundle supersedes the old chain just like a squash
		if c != nil {
			s.erase(ctx, owner, c.all())
		}
		return nil
	}

	if len(c.incs)+1 >= s.SquashThreshold {
		return s.squash(ctx, repoPath, owner, contextID, visibility, tip, append(c.all(), rec))
	}

	return nil
}

// squash replaces the whole chain with one fresh full bundle at tip and
// erases the superseded records. Re-running after a crash between upload
// and erase converges: the next readChain keys off the newest full bundle.
func (s *Syncer) squash(ctx context.Context, repoPath, owner, contextID, visibility, tip string, old []*vault.Record) error {
	tmp := filepath.Join(os.TempDir(), "gitd-bundle-"+uuid.NewString())
	defer os.Remove(tmp)

	if err := createBundle(ctx, repoPath, tmp, nil); err != nil {
		return errors.Wrapf(err, "failed to create squash bundle for %#v", repoPath)
	}

	rec, _, err := s.upload(ctx, repoPath, tmp, owner, contextID, visibility, true, tip, "")
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"repo":       repoPath,
		"record":     rec.ID,
		"superseded": len(old),
	}).Info("squashed bundle chain")

	s.erase(ctx, owner, old)
	return nil
}

func (s *Syncer) upload(
	ctx context.Context,
	repoPath, path, owner, contextID, visibility string,
	isFull bool,
	tip, base string,
) (*vault.Record, vault.BundleTags, error) {
	tags := vault.BundleTags{IsFull: isFull, TipCommit: tip, BaseCommit: base}

	if err := verifyBundle(ctx, repoPath, path); err != nil {
		return nil, tags, err
	}

	var err error
	if tags.RefCount, err = bundleRefCount(ctx, repoPath, path); err != nil {
		return nil, tags, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, tags, errors.Wrap(err, "failed to stat bundle file")
	}
	tags.Size = info.Size()

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, tags, errors.Wrap(err, "failed to read bundle file")
	}

	var rec *vault.Record
	err = vault.Retry(ctx, 3, func() error {
		var cerr error
		rec, cerr = s.Vault.Create(ctx, owner, vault.TypeBundle, vault.CreateRequest{
			Blob:       payload,
			DataFormat: vault.BundleFormat,
			Tags:       tags.Tags(),
			Parent:     contextID,
			Visibility: visibility,
		})
		return cerr
	})
	if err != nil {
		return nil, tags, errors.Wrap(err, "failed to upload bundle record")
	}

	return rec, tags, nil
}

func (s *Syncer) erase(ctx context.Context, owner string, recs []*vault.Record) {
	for _, rec := range recs {
		if err := s.Vault.Erase(ctx, owner, rec.ID); err != nil && !vault.IsNotFound(err) {
			log.WithFields(log.Fields{"record": rec.ID, "err": err}).Warn("failed to erase superseded bundle")
		}
	}
}
