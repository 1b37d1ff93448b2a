package identity

import (
	"context"
	"testing"

	"github.com/bluesky-social/indigo/atproto/crypto"
	r "github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	req := r.New(t)
	ctx := context.Background()

	key, err := crypto.GeneratePrivateKeyK256()
	req.NoError(err)
	pub, err := key.Public()
	req.NoError(err)
	did := pub.DIDKey()

	s := NewStatic().Add(did, pub)

	ident, err := s.Resolve(ctx, did)
	req.NoError(err)
	req.Equal(did, ident.DID)
	req.Len(ident.Keys, 1)

	// the resolved key verifies what the private key signs
	sig, err := key.HashAndSign([]byte("payload"))
	req.NoError(err)
	req.NoError(ident.Keys[0].HashAndVerify([]byte("payload"), sig))

	_, err = s.Resolve(ctx, "did:key:zNobody")
	var unknown *UnknownIdentityError
	req.ErrorAs(err, &unknown)
}

func TestDirectoryRejectsMalformedDID(t *testing.T) {
	req := r.New(t)

	_, err := NewDirectory().Resolve(context.Background(), "not a did")
	req.Error(err)
}
