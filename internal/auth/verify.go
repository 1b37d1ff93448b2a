package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/identity"
)

type (
	// Verifier checks the push credential carried in a request's basic-auth
	// header and returns the authenticated actor's did.
	//
	// Nonces are deliberately not tracked: git reuses the same credential
	// for the ref-discovery GET and the receive-pack POST of a single push,
	// so single-use nonces would break every push. The short exp window is
	// the replay bound.
	Verifier struct {
		Resolver identity.Resolver

		// Now is swappable for tests; defaults to time.Now.
		Now func() time.Time
	}
)

// UnauthorizedError covers every authentication and authorization failure.
// The reason is for the server log only; clients always see a bare 401 so an
// unauthorized caller cannot probe which check tripped.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return "unauthorized: " + e.Reason }

func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

func deny(format string, args ...interface{}) error {
	return &UnauthorizedError{Reason: errors.Errorf(format, args...).Error()}
}

func NewVerifier(resolver identity.Resolver) *Verifier {
	return &Verifier{Resolver: resolver, Now: time.Now}
}

// VerifyRequest authenticates a push request against the route's (owner,
// name) binding and returns the actor did the token was signed by.
func (v *Verifier) VerifyRequest(r *http.Request, owner, name string) (did string, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", deny("no Authorization header")
	}

	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", deny("Authorization header is not basic auth")
	}

	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", deny("Authorization header is not valid base64")
	}

	i := strings.Index(string(raw), ":")
	if i < 0 {
		return "", deny("basic credentials are missing the password separator")
	}
	username, password := string(raw[:i]), string(raw[i+1:])

	if username != Username {
		return "", deny("basic username %#v is not %#v", username, Username)
	}

	return v.VerifyPassword(r, password, owner, name)
}

func (v *Verifier) VerifyPassword(r *http.Request, password, owner, name string) (did string, err error) {
	sig, encoded, err := SplitCredential(password)
	if err != nil {
		return "", &UnauthorizedError{Reason: err.Error()}
	}

	token, err := DecodeToken(encoded)
	if err != nil {
		return "", &UnauthorizedError{Reason: err.Error()}
	}

	if token.Owner != owner || token.Repo != name {
		return "", deny(
			"token is bound to %s/%s but the request targets %s/%s",
			token.Owner, token.Repo, owner, name,
		)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if token.Exp <= now().Unix() {
		return "", deny("token expired at %d", token.Exp)
	}

	ident, err := v.Resolver.Resolve(r.Context(), token.DID)
	if err != nil {
		log.WithFields(log.Fields{"did": token.DID, "err": err}).Debug("identity resolution failed")
		return "", deny("could not resolve identity %#v", token.DID)
	}

	// the signature covers the encoded token bytes exactly as transmitted,
	// not the decoded JSON
	for _, key := range ident.Keys {
		if verr := key.HashAndVerify([]byte(encoded), sig); verr == nil {
			return token.DID, nil
		}
	}

	return "", deny("signature did not verify against any key of %#v", token.DID)
}
