package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/enboxorg/gitd/internal/auth"
	"github.com/enboxorg/gitd/internal/config"
	"github.com/enboxorg/gitd/internal/identity"
	"github.com/enboxorg/gitd/internal/testutils"
	"github.com/enboxorg/gitd/internal/vault"
)

const repoName = "widgets"

type e2e struct {
	*testutils.Fixture
	vault    *vault.Memory
	resolver *identity.Static
	owner    *testutils.TestIdentity
	home     string
	base     string

	srv     *Server
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newE2E(t *testing.T, threshold int) *e2e {
	f := testutils.NewFixture(t)

	e := &e2e{
		Fixture:  f,
		vault:    vault.NewMemory(),
		resolver: identity.NewStatic(),
		home:     f.TempJoin("home"),
		base:     f.TempJoin("repos"),
	}
	e.owner = f.NewIdentity(e.resolver)
	e.start(threshold)

	t.Cleanup(e.stop)
	return e
}

func (e *e2e) start(threshold int) {
	cfg := &config.DaemonConfig{
		Home:            e.home,
		BasePath:        e.base,
		Port:            0,
		SquashThreshold: threshold,
		GracePeriod:     10 * time.Second,
		AutoInitRepos:   true,
	}

	srv, err := New(cfg, e.vault, e.resolver)
	e.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if lerr := srv.ListenAndServe(ctx); lerr != nil {
			e.T.Errorf("server exited with error: %v", lerr)
		}
	}()

	e.Eventually(func() bool { return srv.Port() != 0 }, 5*time.Second, 10*time.Millisecond)

	e.srv, e.cancel, e.stopped = srv, cancel, stopped
}

func (e *e2e) stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	select {
	case <-e.stopped:
	case <-time.After(30 * time.Second):
		e.T.Fatal("server did not stop")
	}
	e.cancel = nil
}

func (e *e2e) repoURL(owner, name string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/%s/%s", e.srv.Port(), owner, name)
}

func (e *e2e) authedURL(id *testutils.TestIdentity, owner, name string, ttl time.Duration) string {
	cred, err := auth.Mint(id.DID, owner, name, ttl, id.Key)
	e.NoError(err)
	return fmt.Sprintf("http://%s:%s@127.0.0.1:%d/%s/%s",
		cred.Username, cred.Password, e.srv.Port(), owner, name)
}

// push pushes the work repo's main branch with credentials for id and
// reports whether git succeeded.
func (e *e2e) push(work *testutils.TestRepo, id *testutils.TestIdentity, owner, name string) error {
	_, err := work.Run("push", e.authedURL(id, owner, name, 0), "main")
	return err
}

// waitForBundleTip blocks until the newest bundle for the repo covers sha,
// i.e. the async post-push pipeline has settled.
func (e *e2e) waitForBundleTip(sha string) {
	e.Eventually(func() bool {
		_, tags := e.bundleChain()
		return len(tags) > 0 && tags[len(tags)-1].TipCommit == sha
	}, 15*time.Second, 50*time.Millisecond)
}

func (e *e2e) bundleChain() ([]*vault.Record, []vault.BundleTags) {
	rec, _, err := vault.FindRepo(context.Background(), e.vault, e.owner.DID, repoName)
	if err != nil {
		return nil, nil
	}
	recs, err := e.vault.Query(context.Background(), e.owner.DID, vault.TypeBundle, vault.Query{
		Parent: rec.ID, DateSort: vault.SortAsc,
	})
	e.NoError(err)

	var tags []vault.BundleTags
	for _, r := range recs {
		bt, terr := vault.ParseBundleTags(r.Tags)
		e.NoError(terr)
		tags = append(tags, bt)
	}
	return recs, tags
}

func TestHealthAndLockfile(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", e.srv.Port()))
	e.NoError(err)
	defer resp.Body.Close()
	e.Equal(http.StatusOK, resp.StatusCode)

	var body map[string]string
	e.NoError(json.NewDecoder(resp.Body).Decode(&body))
	e.Equal("ok", body["status"])

	lf, err := ReadLockfile(e.home)
	e.NoError(err)
	e.Equal(e.srv.Port(), lf.Port)
	e.Equal(os.Getpid(), lf.PID)

	e.stop()
	_, err = ReadLockfile(e.home)
	e.True(os.IsNotExist(err), "lockfile is removed on graceful shutdown")
}

// Scenario A: first push creates the repository, records, and bundle; after
// losing the bare repo tree entirely, a fresh server restores it from the
// vault and serves a clone.
func TestFirstPushThenColdStartRestore(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	work := e.NewWorkRepo("work")
	work.WriteFile("hello.txt", "hello world")
	sha := work.Commit("initial")

	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	// one full bundle, one ref record pointing at the pushed commit
	_, tags := e.bundleChain()
	e.Len(tags, 1)
	e.True(tags[0].IsFull)
	e.Equal(sha, tags[0].TipCommit)

	repoRec, doc, err := vault.FindRepo(context.Background(), e.vault, e.owner.DID, repoName)
	e.NoError(err)
	e.Equal(repoName, doc.Name)

	e.Eventually(func() bool {
		refs, qerr := e.vault.Query(context.Background(), e.owner.DID, vault.TypeRef,
			vault.Query{Parent: repoRec.ID, Tags: vault.Tags{"name": "refs/heads/main"}})
		if qerr != nil || len(refs) != 1 {
			return false
		}
		var rd vault.RefDoc
		return refs[0].JSON(&rd) == nil && rd.Target == sha
	}, 15*time.Second, 50*time.Millisecond)

	// lose the repository tree, restart against the same vault
	e.stop()
	e.NoError(os.RemoveAll(e.base))
	e.start(10)

	clone := e.TempJoin("clone")
	e.Git(e.Temp, "clone", "--branch", "main", e.repoURL(e.owner.DID, repoName), clone)

	out := e.Git(clone, "rev-parse", "HEAD").OutputLines()
	e.Equal(sha, out[0])

	data, err := os.ReadFile(clone + "/hello.txt")
	e.NoError(err)
	e.Equal("hello world", string(data))
}

// Scenario B: an identity without a role cannot push.
func TestUnauthorizedPushRejected(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	work := e.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	work.Commit("initial")

	// the owner creates the repository first
	sha := work.Head()
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	stranger := e.NewIdentity(e.resolver)

	resp, err := http.Get(e.authedURL(stranger, e.owner.DID, repoName, 0) +
		"/info/refs?service=git-receive-pack")
	e.NoError(err)
	resp.Body.Close()
	e.Equal(http.StatusUnauthorized, resp.StatusCode)

	work.WriteFile("b.txt", "")
	work.Commit("second")
	e.Error(e.push(work, stranger, e.owner.DID, repoName), "push by a role-less identity must fail")
}

// A contributor role record in the owner's vault grants push access.
func TestRolePushAllowed(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	work := e.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	sha := work.Commit("initial")
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	contributor := e.NewIdentity(e.resolver)
	repoRec, _, err := vault.FindRepo(context.Background(), e.vault, e.owner.DID, repoName)
	e.NoError(err)
	_, err = e.vault.Create(context.Background(), e.owner.DID, vault.TypeContributor, vault.CreateRequest{
		Tags:   vault.Tags{vault.TagDID: contributor.DID},
		Parent: repoRec.ID,
	})
	e.NoError(err)

	work.WriteFile("b.txt", "")
	sha2 := work.Commit("second")
	e.NoError(e.push(work, contributor, e.owner.DID, repoName))
	e.waitForBundleTip(sha2)
}

// Scenario C: a token bound to one repository is useless against another.
func TestCrossRepoCredentialRejected(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	cred, err := auth.Mint(e.owner.DID, e.owner.DID, repoName, 0, e.owner.Key)
	e.NoError(err)

	url := fmt.Sprintf("http://%s:%s@127.0.0.1:%d/%s/other-repo/info/refs?service=git-receive-pack",
		cred.Username, cred.Password, e.srv.Port(), e.owner.DID)
	resp, err := http.Get(url)
	e.NoError(err)
	resp.Body.Close()
	e.Equal(http.StatusUnauthorized, resp.StatusCode)
}

// Scenario F: an expired token is rejected outright.
func TestExpiredTokenRejected(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	url := e.authedURL(e.owner, e.owner.DID, repoName, -time.Minute) +
		"/info/refs?service=git-receive-pack"
	resp, err := http.Get(url)
	e.NoError(err)
	resp.Body.Close()
	e.Equal(http.StatusUnauthorized, resp.StatusCode)
}

// Scenario D: with a squash threshold of 2, the third push collapses the
// chain to a single full bundle.
func TestSquashAfterThreePushes(t *testing.T) {
	e := newE2E(t, 2)
	defer e.Close()

	work := e.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	sha := work.Commit("one")
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	work.WriteFile("b.txt", "")
	sha = work.Commit("two")
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	work.WriteFile("c.txt", "")
	sha = work.Commit("three")
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	e.Eventually(func() bool {
		_, tags := e.bundleChain()
		return len(tags) == 1 && tags[0].IsFull
	}, 15*time.Second, 50*time.Millisecond)
}

// Reads never require credentials for public repositories.
func TestAnonymousCloneOfPublicRepo(t *testing.T) {
	e := newE2E(t, 10)
	defer e.Close()

	work := e.NewWorkRepo("work")
	work.WriteFile("a.txt", "")
	sha := work.Commit("initial")
	e.NoError(e.push(work, e.owner, e.owner.DID, repoName))
	e.waitForBundleTip(sha)

	clone := e.TempJoin("clone")
	e.Git(e.Temp, "clone", e.repoURL(e.owner.DID, repoName), clone)
	e.Equal(sha, e.Git(clone, "rev-parse", "HEAD").OutputLines()[0])
}
