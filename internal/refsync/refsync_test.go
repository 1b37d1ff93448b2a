package refsync

import (
	"context"
	"testing"

	"github.com/enboxorg/gitd/internal/testutils"
	"github.com/enboxorg/gitd/internal/vault"
)

const (
	ownerDID  = "did:key:zRefOwner"
	contextID = "repo-context-1"
)

// bareClone sets up a bare repository containing the work repo's refs.
func bareClone(f *testutils.Fixture, work *testutils.TestRepo, name string) string {
	bare := f.TempJoin(name)
	_, err := work.Run("clone", "--bare", work.Path(), bare)
	f.NoError(err)
	return bare
}

func TestListRefsClassifiesBranchesAndTags(t *testing.T) {
	f := testutils.NewFixture(t)
	defer f.Close()

	work := f.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	sha := work.Commit("initial")
	_, err := work.Run("tag", "v1")
	f.NoError(err)

	bare := bareClone(f, work, "bare.git")

	refs, err := ListRefs(context.Background(), bare)
	f.NoError(err)
	f.Len(refs, 2)

	byName := map[string]Ref{}
	for _, ref := range refs {
		byName[ref.Name] = ref
	}

	f.Equal(vault.RefBranch, byName["refs/heads/main"].Type)
	f.Equal(sha, byName["refs/heads/main"].Target)
	f.Equal(vault.RefTag, byName["refs/tags/v1"].Type)
}

func TestSyncUpsertsAndPrunes(t *testing.T) {
	f := testutils.NewFixture(t)
	defer f.Close()
	ctx := context.Background()

	work := f.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	work.Commit("initial")
	_, err := work.Run("branch", "feature")
	f.NoError(err)

	bare := bareClone(f, work, "bare.git")

	m := vault.NewMemory()
	s := New(m)
	f.NoError(s.Sync(ctx, bare, ownerDID, contextID))

	recs, err := m.Query(ctx, ownerDID, vault.TypeRef, vault.Query{Parent: contextID})
	f.NoError(err)
	f.Len(recs, 2)

	// advance main and drop the feature branch, then sync again
	work.WriteFile("b.txt", "")
	sha2 := work.Commit("second")
	f.Git(bare, "fetch", work.Path(), "+refs/heads/main:refs/heads/main")
	f.Git(bare, "update-ref", "-d", "refs/heads/feature")

	f.NoError(s.Sync(ctx, bare, ownerDID, contextID))

	recs, err = m.Query(ctx, ownerDID, vault.TypeRef, vault.Query{Parent: contextID})
	f.NoError(err)
	f.Len(recs, 1, "the deleted branch's record is pruned")

	var doc vault.RefDoc
	f.NoError(recs[0].JSON(&doc))
	f.Equal("refs/heads/main", doc.Name)
	f.Equal(sha2, doc.Target)
	f.Equal(vault.RefBranch, doc.Type)
}

func TestHeadBranch(t *testing.T) {
	f := testutils.NewFixture(t)
	defer f.Close()

	work := f.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	work.Commit("initial")
	bare := bareClone(f, work, "bare.git")

	f.Equal("main", HeadBranch(context.Background(), bare))
}
