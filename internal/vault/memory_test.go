package vault

import (
	"context"
	"path/filepath"
	"testing"

	r "github.com/stretchr/testify/require"
)

const owner = "did:key:zTestOwner"

func TestCreateAndQueryOrdering(t *testing.T) {
	req := r.New(t)
	m := NewMemory()
	ctx := context.Background()

	for _, tip := range []string{"aaa", "bbb", "ccc"} {
		_, err := m.Create(ctx, owner, TypeBundle, CreateRequest{
			Blob: []byte("bundle-" + tip),
			Tags: Tags{"tipCommit": tip},
		})
		req.NoError(err)
	}

	recs, err := m.Query(ctx, owner, TypeBundle, Query{DateSort: SortAsc})
	req.NoError(err)
	req.Len(recs, 3)
	req.Equal("aaa", recs[0].Tags["tipCommit"])
	req.Equal("ccc", recs[2].Tags["tipCommit"])

	// creation times are strictly monotonic even within one clock tick
	req.True(recs[0].CreatedAt.Before(recs[1].CreatedAt))
	req.True(recs[1].CreatedAt.Before(recs[2].CreatedAt))

	desc, err := m.Query(ctx, owner, TypeBundle, Query{DateSort: SortDesc})
	req.NoError(err)
	req.Equal("ccc", desc[0].Tags["tipCommit"])
}

func TestUpsertByNameKeepsID(t *testing.T) {
	req := r.New(t)
	m := NewMemory()
	ctx := context.Background()

	first, err := m.Create(ctx, owner, TypeRef, CreateRequest{
		Data:   &RefDoc{Name: "refs/heads/main", Type: RefBranch, Target: "aaaa"},
		Tags:   Tags{"name": "refs/heads/main"},
		Parent: "ctx1",
	})
	req.NoError(err)

	second, err := m.Create(ctx, owner, TypeRef, CreateRequest{
		Data:   &RefDoc{Name: "refs/heads/main", Type: RefBranch, Target: "bbbb"},
		Tags:   Tags{"name": "refs/heads/main"},
		Parent: "ctx1",
	})
	req.NoError(err)
	req.Equal(first.ID, second.ID, "ref records replace by name, keeping the id stable")

	recs, err := m.Query(ctx, owner, TypeRef, Query{Parent: "ctx1"})
	req.NoError(err)
	req.Len(recs, 1)

	var doc RefDoc
	req.NoError(recs[0].JSON(&doc))
	req.Equal("bbbb", doc.Target)

	// same name under a different parent is a distinct record
	third, err := m.Create(ctx, owner, TypeRef, CreateRequest{
		Data:   &RefDoc{Name: "refs/heads/main", Type: RefBranch, Target: "cccc"},
		Tags:   Tags{"name": "refs/heads/main"},
		Parent: "ctx2",
	})
	req.NoError(err)
	req.NotEqual(first.ID, third.ID)
}

func TestQueryFiltersByParentAndTags(t *testing.T) {
	req := r.New(t)
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Create(ctx, owner, TypeMaintainer, CreateRequest{
		Tags: Tags{TagDID: "did:key:zAlice"}, Parent: "repoA",
	})
	req.NoError(err)
	_, err = m.Create(ctx, owner, TypeMaintainer, CreateRequest{
		Tags: Tags{TagDID: "did:key:zBob"}, Parent: "repoB",
	})
	req.NoError(err)

	recs, err := m.Query(ctx, owner, TypeMaintainer, Query{
		Parent: "repoA", Tags: Tags{TagDID: "did:key:zAlice"},
	})
	req.NoError(err)
	req.Len(recs, 1)

	recs, err = m.Query(ctx, owner, TypeMaintainer, Query{
		Parent: "repoA", Tags: Tags{TagDID: "did:key:zBob"},
	})
	req.NoError(err)
	req.Empty(recs)

	// different owners see different vaults
	recs, err = m.Query(ctx, "did:key:zSomeoneElse", TypeMaintainer, Query{Parent: "repoA"})
	req.NoError(err)
	req.Empty(recs)
}

func TestEraseAndUpdate(t *testing.T) {
	req := r.New(t)
	m := NewMemory()
	ctx := context.Background()

	rec, err := m.Create(ctx, owner, TypeRepo, CreateRequest{
		Data: &RepoDoc{Name: "widgets", Visibility: VisibilityPublic},
		Tags: Tags{"name": "widgets"},
	})
	req.NoError(err)

	_, err = m.Update(ctx, owner, rec.ID, CreateRequest{
		Data: &RepoDoc{Name: "widgets", Visibility: VisibilityPublic, DefaultBranch: "main"},
	})
	req.NoError(err)

	_, doc, err := FindRepo(ctx, m, owner, "widgets")
	req.NoError(err)
	req.Equal("main", doc.DefaultBranch)

	req.NoError(m.Erase(ctx, owner, rec.ID))
	req.True(IsNotFound(m.Erase(ctx, owner, rec.ID)))

	_, _, err = FindRepo(ctx, m, owner, "widgets")
	req.True(IsNotFound(err))
}

func TestFileBackedPersistence(t *testing.T) {
	req := r.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.json")

	m, err := NewFileBacked(path)
	req.NoError(err)

	created, err := m.Create(ctx, owner, TypeBundle, CreateRequest{
		Blob:       []byte{0x00, 0x01, 0xff, 0xfe},
		DataFormat: BundleFormat,
		Tags:       BundleTags{IsFull: true, TipCommit: "abc", RefCount: 1, Size: 4}.Tags(),
		Parent:     "repoctx",
	})
	req.NoError(err)

	reopened, err := NewFileBacked(path)
	req.NoError(err)

	recs, err := reopened.Query(ctx, owner, TypeBundle, Query{Parent: "repoctx"})
	req.NoError(err)
	req.Len(recs, 1)
	req.Equal(created.ID, recs[0].ID)
	req.Equal(BundleFormat, recs[0].DataFormat)

	blob, err := recs[0].Blob()
	req.NoError(err)
	req.Equal([]byte{0x00, 0x01, 0xff, 0xfe}, blob)

	tags, err := ParseBundleTags(recs[0].Tags)
	req.NoError(err)
	req.True(tags.IsFull)
	req.Equal("abc", tags.TipCommit)
}

func TestParseBundleTagsRejectsGarbage(t *testing.T) {
	req := r.New(t)

	_, err := ParseBundleTags(Tags{"isFull": "maybe"})
	req.Error(err)

	_, err = ParseBundleTags(Tags{"isFull": "true", "refCount": "2", "size": "10"})
	req.Error(err, "missing tipCommit")

	tags, err := ParseBundleTags(Tags{
		"isFull": "false", "tipCommit": "abc", "baseCommit": "def",
		"refCount": "2", "size": "10",
	})
	req.NoError(err)
	req.Equal("def", tags.BaseCommit)
	req.False(tags.IsFull)
}
