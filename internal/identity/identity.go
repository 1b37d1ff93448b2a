// Package identity resolves a did to the public signing keys its owner has
// published. The production resolver goes through the atproto identity
// directory (plc + did:web); the static resolver backs tests and single-node
// setups where the key set is known up front.
package identity

import (
	"context"
	"sync"

	"github.com/bluesky-social/indigo/atproto/crypto"
	atid "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/pkg/errors"
)

type (
	// Identity is the resolved view of a did: the keys that may have signed
	// on its behalf.
	Identity struct {
		DID  string
		Keys []crypto.PublicKey
	}

	Resolver interface {
		Resolve(ctx context.Context, did string) (*Identity, error)
	}
)

type UnknownIdentityError struct {
	DID string
}

func (e *UnknownIdentityError) Error() string {
	return "could not resolve identity " + e.DID
}

// Directory resolves dids through an atproto identity directory.
type Directory struct {
	dir atid.Directory
}

var _ Resolver = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{dir: atid.DefaultDirectory()}
}

// NewDirectoryWithPLC points resolution at a specific plc host instead of
// the public directory.
func NewDirectoryWithPLC(plcHost string) *Directory {
	base := atid.BaseDirectory{PLCURL: plcHost}
	return &Directory{dir: &base}
}

func (d *Directory) Resolve(ctx context.Context, did string) (*Identity, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid did %#v", did)
	}

	ident, err := d.dir.LookupDID(ctx, parsed)
	if err != nil {
		return nil, errors.Wrapf(&UnknownIdentityError{DID: did}, "directory lookup failed: %v", err)
	}

	key, err := ident.PublicKey()
	if err != nil {
		return nil, errors.Wrapf(err, "identity %#v published no usable signing key", did)
	}

	return &Identity{DID: did, Keys: []crypto.PublicKey{key}}, nil
}

// Static is a fixed did -> keys table.
type Static struct {
	mu   sync.RWMutex
	keys map[string][]crypto.PublicKey
}

var _ Resolver = (*Static)(nil)

func NewStatic() *Static {
	return &Static{keys: make(map[string][]crypto.PublicKey)}
}

func (s *Static) Add(did string, keys ...crypto.PublicKey) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[did] = append(s.keys[did], keys...)
	return s
}

func (s *Static) Resolve(ctx context.Context, did string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.keys[did]
	if !ok {
		return nil, &UnknownIdentityError{DID: did}
	}
	return &Identity{DID: did, Keys: keys}, nil
}
