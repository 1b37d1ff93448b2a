// Package vault models the per-user content-addressed record store that the
// daemon synchronizes repository state into. The store itself is an external
// service; this package pins down the closed set of record protocols the
// daemon reads and writes (repo, ref, bundle, and the three role records)
// and provides an embeddable implementation for development and tests.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

type RecordType string

const (
	TypeRepo        RecordType = "repo"
	TypeRef         RecordType = "ref"
	TypeBundle      RecordType = "bundle"
	TypeMaintainer  RecordType = "maintainer"
	TypeTriager     RecordType = "triager"
	TypeContributor RecordType = "contributor"
)

// RoleTypes are the record types that grant push access when tagged with the
// actor's did. Only the repository owner writes these.
var RoleTypes = []RecordType{TypeMaintainer, TypeTriager, TypeContributor}

// dedupKey names the tag that makes a record type upsert-by-key under its
// parent instead of append-only. The vault service guarantees this; the
// embedded store honors the same contract.
func dedupKey(typ RecordType) (tag string, ok bool) {
	switch typ {
	case TypeRepo, TypeRef:
		return "name", true
	default:
		return "", false
	}
}

type (
	Tags map[string]string

	Record struct {
		ID         string
		Type       RecordType
		Parent     string
		DataFormat string
		CreatedAt  time.Time
		Tags       Tags
		data       []byte
		blob       []byte
	}

	CreateRequest struct {
		// Data is marshaled to JSON as the record payload.
		Data interface{}
		// Blob is an opaque binary payload (git bundles).
		Blob       []byte
		DataFormat string
		Tags       Tags
		// Parent scopes the record under an existing record's context.
		Parent string
		// Visibility is a hint to the vault layer: private payloads may be
		// encrypted at rest. The daemon only passes it through.
		Visibility string
	}

	Sort int

	Query struct {
		// Parent restricts results to records scoped under the given
		// context id. Empty applies no parent filter.
		Parent string
		// Tags is an equality filter; every entry must match.
		Tags Tags
		// DateSort orders results by creation time.
		DateSort Sort
	}

	// Store is the typed surface of the record vault. Every call names the
	// owner whose vault is addressed; there is no ambient identity.
	Store interface {
		Create(ctx context.Context, owner string, typ RecordType, req CreateRequest) (*Record, error)
		Query(ctx context.Context, owner string, typ RecordType, q Query) ([]*Record, error)
		Update(ctx context.Context, owner string, id string, req CreateRequest) (*Record, error)
		Erase(ctx context.Context, owner string, id string) error
	}
)

const (
	SortAsc Sort = iota
	SortDesc
)

// JSON unmarshals the record's data payload into v.
func (r *Record) JSON(v interface{}) error {
	if r.data == nil {
		return errors.Errorf("record %s has no data payload", r.ID)
	}
	return errors.Wrapf(json.Unmarshal(r.data, v), "record %s: malformed data payload", r.ID)
}

// Blob returns the record's binary payload.
func (r *Record) Blob() ([]byte, error) {
	if r.blob == nil {
		return nil, errors.Errorf("record %s has no blob payload", r.ID)
	}
	return r.blob, nil
}

func (t Tags) clone() Tags {
	if t == nil {
		return nil
	}
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

type NotFoundError struct {
	Owner string
	ID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no record %#v in vault of %#v", e.ID, e.Owner)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransientError marks a vault failure the caller may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient vault error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
