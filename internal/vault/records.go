package vault

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	// TagDID carries the subject actor of a role record.
	TagDID = "did"

	// BundleFormat is the dataFormat of bundle record blobs.
	BundleFormat = "application/x-git-bundle"
)

type (
	// RepoDoc is the data payload of a repo record. The record's id is the
	// context that refs, bundles, and role records are scoped under.
	RepoDoc struct {
		Name          string `json:"name" v:"required"`
		Description   string `json:"description,omitempty"`
		DefaultBranch string `json:"defaultBranch,omitempty"`
		Visibility    string `json:"visibility" v:"required,oneof=public private"`
	}

	// RefDoc is the data payload of a ref record.
	RefDoc struct {
		Name   string `json:"name" v:"required"`
		Type   string `json:"type" v:"required,oneof=branch tag"`
		Target string `json:"target" v:"required,len=40,hexadecimal"`
	}

	// BundleTags is the decoded tag schema of a bundle record. The blob is
	// the bundle file itself; everything the sync state machine needs to
	// walk the chain lives in the tags.
	BundleTags struct {
		IsFull     bool
		TipCommit  string
		BaseCommit string
		RefCount   int
		Size       int64
	}
)

const (
	RefBranch = "branch"
	RefTag    = "tag"
)

func (b BundleTags) Tags() Tags {
	t := Tags{
		"isFull":    strconv.FormatBool(b.IsFull),
		"tipCommit": b.TipCommit,
		"refCount":  strconv.Itoa(b.RefCount),
		"size":      strconv.FormatInt(b.Size, 10),
	}
	if b.BaseCommit != "" {
		t["baseCommit"] = b.BaseCommit
	}
	return t
}

func ParseBundleTags(t Tags) (b BundleTags, err error) {
	b.IsFull, err = strconv.ParseBool(t["isFull"])
	if err != nil {
		return b, errors.Wrapf(err, "bundle record has a malformed isFull tag %#v", t["isFull"])
	}
	b.TipCommit = t["tipCommit"]
	if b.TipCommit == "" {
		return b, errors.New("bundle record is missing the tipCommit tag")
	}
	b.BaseCommit = t["baseCommit"]
	if b.RefCount, err = strconv.Atoi(t["refCount"]); err != nil {
		return b, errors.Wrapf(err, "bundle record has a malformed refCount tag %#v", t["refCount"])
	}
	if b.Size, err = strconv.ParseInt(t["size"], 10, 64); err != nil {
		return b, errors.Wrapf(err, "bundle record has a malformed size tag %#v", t["size"])
	}
	return b, nil
}

// FindRepo locates the repo record for (owner, name) and returns it along
// with its decoded payload. The record's id is the repository context that
// all other per-repo records hang off of.
func FindRepo(ctx context.Context, s Store, owner, name string) (*Record, *RepoDoc, error) {
	recs, err := s.Query(ctx, owner, TypeRepo, Query{Tags: Tags{"name": name}})
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return nil, nil, &NotFoundError{Owner: owner, ID: "repo:" + name}
	}

	var doc RepoDoc
	if err = recs[0].JSON(&doc); err != nil {
		return nil, nil, err
	}
	return recs[0], &doc, nil
}

// CreateRepo writes the repo record for (owner, name). The vault upserts
// repo records by name, so calling this twice for the same name replaces
// the payload rather than splitting the repository context.
func CreateRepo(ctx context.Context, s Store, owner string, doc RepoDoc) (*Record, error) {
	if doc.Visibility == "" {
		doc.Visibility = VisibilityPublic
	}
	return s.Create(ctx, owner, TypeRepo, CreateRequest{
		Data: &doc,
		Tags: Tags{"name": doc.Name},
	})
}
