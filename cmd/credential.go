package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/enboxorg/gitd/internal/auth"
	"github.com/enboxorg/gitd/internal/gitcmd"
)

// git config keys consulted when the environment doesn't name the pushing
// identity. set them with `git config gitd.did ...` in the repo you push
// from.
const (
	GitConfigDIDKey     = "gitd.did"
	GitConfigKeyFileKey = "gitd.signingkeyfile"
)

func CredentialCmd(setup *cmdSetup) *cobra.Command {
	credCmd := &cobra.Command{
		Use:   "credential <get|store|erase>",
		Short: "git credential helper that mints signed push tokens",
		Long: `Implements git's credential-helper protocol. On 'get', reads the
request from stdin, mints a short-lived push token signed with your
identity key, and hands git a basic-auth credential for it. Install with:

    git config credential.helper gitd

'store' and 'erase' are accepted and ignored: tokens expire on their own
and are never persisted.`,
		Args:             cobra.ExactArgs(1),
		PersistentPreRun: setup.LogSetupHook(),
		RunE: func(cc *cobra.Command, args []string) error {
			if args[0] != "get" {
				return nil
			}
			return runCredentialGet(setup, cc.InOrStdin(), cc.OutOrStdout())
		},
	}

	return credCmd
}

// parseCredentialRequest reads git's key=value request off stdin up to the
// blank line that terminates it.
func parseCredentialRequest(in io.Reader) (m map[string]string, err error) {
	m = make(map[string]string)
	scan := bufio.NewScanner(in)
	for scan.Scan() {
		line := scan.Text()
		if line == "" {
			break
		}
		i := strings.Index(line, "=")
		if i < 0 {
			return nil, errors.Errorf("malformed credential request line %#v", line)
		}
		m[line[:i]] = line[i+1:]
	}
	return m, scan.Err()
}

func runCredentialGet(setup *cmdSetup, in io.Reader, out io.Writer) error {
	req, err := parseCredentialRequest(in)
	if err != nil {
		return err
	}

	repoPath := req["path"]
	if repoPath == "" && req["url"] != "" {
		if u, uerr := url.Parse(req["url"]); uerr == nil {
			repoPath = u.Path
		}
	}

	owner, name, err := auth.ParseRepoPath(repoPath)
	if err != nil {
		return err
	}

	did, keyFile := setup.Config.DID, setup.Config.SigningKeyFile

	// fall back to repo-local git config so per-repo identities work
	if did == "" || keyFile == "" {
		if repo, rerr := gitcmd.NewRepo("."); rerr == nil {
			if did == "" {
				did, _, _ = repo.Config().Get(GitConfigDIDKey)
			}
			if keyFile == "" {
				keyFile, _, _ = repo.Config().Get(GitConfigKeyFileKey)
			}
		}
	}

	if did == "" {
		return errors.Errorf(
			"no pushing identity configured. set GITD_DID or `git config %s`", GitConfigDIDKey)
	}
	if keyFile == "" {
		return errors.Errorf(
			"no signing key configured. set GITD_SIGNING_KEY_FILE or `git config %s`", GitConfigKeyFileKey)
	}

	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read signing key %#v", keyFile)
	}

	key, err := crypto.ParsePrivateMultibase(strings.TrimSpace(string(keyData)))
	if err != nil {
		return errors.Wrapf(err, "signing key %#v is not a valid multibase private key", keyFile)
	}

	cred, err := auth.Mint(did, owner, name, auth.DefaultTTL, key)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"did": did, "repo": owner + "/" + name}).Debug("minted push credential")

	_, err = fmt.Fprintf(out, "username=%s\npassword=%s\n", cred.Username, cred.Password)
	return err
}
