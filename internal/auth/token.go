// Package auth owns the push-credential format end to end: the client-side
// minter that the git credential helper calls, and the server-side verifier
// that gates receive-pack. Keeping both halves on one codec means a token we
// mint is a token we accept.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/pkg/errors"

	"github.com/enboxorg/gitd/internal/validation"
)

// Username is the reserved basic-auth username for signed push tokens. Git
// keys its credential cache on the username, so every push credential uses
// the same one.
const Username = "did-auth"

// DefaultTTL bounds how long a minted token stays valid. Replay resistance
// rests entirely on this window (see Verifier for why nonces are not
// enforced), so keep it short.
const DefaultTTL = 5 * time.Minute

type (
	// Token is the payload the pusher signs. The owner/repo binding pins a
	// token to one repository; exp is seconds since the epoch.
	Token struct {
		DID   string `json:"did" v:"required"`
		Owner string `json:"owner" v:"required"`
		Repo  string `json:"repo" v:"required"`
		Exp   int64  `json:"exp" v:"required"`
		Nonce string `json:"nonce" v:"required"`
	}
)

var b64 = base64.RawURLEncoding

// EncodeToken renders t as base64url over canonical JSON. The encoded form
// is the exact byte string that gets signed.
func EncodeToken(t Token) (string, error) {
	data, err := json.Marshal(&t)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal push token")
	}
	return b64.EncodeToString(data), nil
}

func DecodeToken(encoded string) (t Token, err error) {
	data, err := b64.DecodeString(encoded)
	if err != nil {
		return t, errors.Wrap(err, "push token is not valid base64url")
	}
	if err = json.Unmarshal(data, &t); err != nil {
		return t, errors.Wrap(err, "push token is not valid JSON")
	}

	if verr := validation.NewValidator().Struct(&t); verr != nil {
		return t, errors.Errorf(
			"push token is structurally invalid:\n%s",
			validation.SprintErrors(verr),
		)
	}

	return t, nil
}

// SplitCredential splits a credential password into its signature and
// encoded-token halves. Signature comes first; the token may itself contain
// no '.' characters (base64url), so splitting at the first dot is exact.
func SplitCredential(password string) (sig []byte, encodedToken string, err error) {
	i := strings.Index(password, ".")
	if i < 0 {
		return nil, "", errors.New("credential password has no signature separator")
	}

	if sig, err = b64.DecodeString(password[:i]); err != nil {
		return nil, "", errors.Wrap(err, "credential signature is not valid base64url")
	}

	return sig, password[i+1:], nil
}

func joinCredential(sig []byte, encodedToken string) string {
	return b64.EncodeToString(sig) + "." + encodedToken
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate token nonce")
	}
	return b64.EncodeToString(buf), nil
}

type (
	// Credential is what the git credential helper emits.
	Credential struct {
		Username string
		Password string
	}
)

// Mint produces a push credential for actor pushing to (owner, repo), signed
// with the actor's key and expiring ttl from now (zero means DefaultTTL; a
// negative ttl mints an already-expired token, which tests lean on).
func Mint(actor, owner, repo string, ttl time.Duration, key crypto.PrivateKey) (*Credential, error) {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeToken(Token{
		DID:   actor,
		Owner: owner,
		Repo:  repo,
		Exp:   time.Now().Add(ttl).Unix(),
		Nonce: nonce,
	})
	if err != nil {
		return nil, err
	}

	sig, err := key.HashAndSign([]byte(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign push token")
	}

	return &Credential{
		Username: Username,
		Password: joinCredential(sig, encoded),
	}, nil
}

// ParseRepoPath extracts (owner, name) from the path component of a clone
// url, tolerating a trailing ".git" and the smart-http suffixes git appends.
func ParseRepoPath(path string) (owner, name string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", "", errors.Errorf("path %#v does not name an owner and repository", path)
	}

	owner = parts[0]
	name = strings.TrimSuffix(parts[1], ".git")
	if owner == "" || name == "" {
		return "", "", errors.Errorf("path %#v does not name an owner and repository", path)
	}
	return owner, name, nil
}
