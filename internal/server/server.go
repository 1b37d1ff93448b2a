// Package server is the composition root: it owns the http listener and
// wires the repository store, smart-http handler, push authentication,
// and the post-push sync pipeline together.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/enboxorg/gitd/internal/auth"
	"github.com/enboxorg/gitd/internal/bundlesync"
	"github.com/enboxorg/gitd/internal/config"
	"github.com/enboxorg/gitd/internal/identity"
	"github.com/enboxorg/gitd/internal/policy"
	"github.com/enboxorg/gitd/internal/refsync"
	"github.com/enboxorg/gitd/internal/repostore"
	"github.com/enboxorg/gitd/internal/restore"
	"github.com/enboxorg/gitd/internal/smarthttp"
	"github.com/enboxorg/gitd/internal/vault"
)

type Server struct {
	cfg      *config.DaemonConfig
	store    *repostore.Store
	vault    vault.Store
	verifier *auth.Verifier
	policy   *policy.Policy
	refs     *refsync.Syncer
	bundles  *bundlesync.Syncer
	restorer *restore.Restorer

	// callbacks tracks in-flight post-push work so shutdown can wait for
	// it (bounded by the grace period).
	callbacks sync.WaitGroup

	mu   sync.Mutex
	port int
}

func New(cfg *config.DaemonConfig, vlt vault.Store, resolver identity.Resolver) (s *Server, err error) {
	store, err := repostore.New(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		vault:    vlt,
		verifier: auth.NewVerifier(resolver),
		policy:   policy.New(vlt),
		refs:     refsync.New(vlt),
		bundles:  bundlesync.New(vlt, cfg.SquashThreshold),
		restorer: restore.New(vlt),
	}, nil
}

func (s *Server) Store() *repostore.Store { return s.store }

// Port reports the bound listener port; 0 until ListenAndServe has bound.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) Router() chi.Router {
	h := smarthttp.New(s.store, smarthttp.Hooks{
		AuthenticatePush: s.authenticatePush,
		OnPushComplete:   s.onPushComplete,
		OnRepoNotFound:   s.onRepoNotFound,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(smarthttp.CORS)
	r.Use(smarthttp.RequestLogger)

	r.Method(http.MethodGet, "/health",
		http.TimeoutHandler(http.HandlerFunc(s.health), 2*time.Second, "health probe timed out"))

	r.Mount("/", h.Routes())
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authenticatePush composes the token verifier and the role policy. Every
// failure, authentication or authorization alike, surfaces as the same 401.
func (s *Server) authenticatePush(r *http.Request, owner, name string) error {
	did, err := s.verifier.VerifyRequest(r, owner, name)
	if err != nil {
		return err
	}

	allowed, err := s.policy.Allowed(r.Context(), did, owner, name)
	if err != nil {
		log.WithFields(log.Fields{"actor": did, "repo": owner + "/" + name, "err": err}).
			Error("authorization query failed")
		return &auth.UnauthorizedError{Reason: "authorization check failed"}
	}
	if !allowed {
		return &auth.UnauthorizedError{
			Reason: fmt.Sprintf("%s holds no role on %s/%s", did, owner, name),
		}
	}

	return nil
}

// onRepoNotFound tries to materialize a missing repository: restore from
// the bundle chain if one exists, else (for an authorized push, when
// enabled) initialize a fresh one.
func (s *Server) onRepoNotFound(ctx context.Context, owner, name, repoPath, service string) bool {
	rec, doc, err := vault.FindRepo(ctx, s.vault, owner, name)
	if err == nil {
		res, rerr := s.restorer.Restore(ctx, repoPath, owner, rec.ID)
		if rerr == nil {
			if derr := restore.SetDefaultBranch(ctx, repoPath, doc.DefaultBranch); derr != nil {
				log.WithError(derr).Warn("could not set default branch on restored repository")
			}
			log.WithFields(log.Fields{
				"repo":    owner + "/" + name,
				"bundles": res.BundlesApplied,
				"tip":     res.TipCommit,
			}).Info("restored repository on demand")
			return true
		}

		if !errors.Is(rerr, restore.ErrNoFullBundle) {
			// a half-restored tree is not resumable; remove it so the next
			// attempt starts clean
			log.WithFields(log.Fields{"repo": owner + "/" + name, "err": rerr}).Error("restore failed")
			_ = os.RemoveAll(repoPath)
			return false
		}
	} else if !vault.IsNotFound(err) {
		log.WithFields(log.Fields{"repo": owner + "/" + name, "err": err}).Error("repo record lookup failed")
		return false
	}

	// no chain to restore from. a push may still create the repository:
	// authentication has already passed by the time this hook runs.
	if service == repostore.ReceivePackService && s.cfg.AutoInitRepos {
		if _, ierr := s.store.Init(owner, name); ierr != nil {
			log.WithFields(log.Fields{"repo": owner + "/" + name, "err": ierr}).Error("auto-init failed")
			return false
		}
		return true
	}

	return false
}

// onPushComplete runs the post-push pipeline in the background. Errors are
// absorbed: the client already saw its push succeed, and the next push
// reconciles anything this pass misses.
func (s *Server) onPushComplete(owner, name, repoPath string) {
	s.callbacks.Add(1)
	go func() {
		defer s.callbacks.Done()
		s.runPostPush(context.Background(), owner, name, repoPath)
	}()
}

func (s *Server) runPostPush(ctx context.Context, owner, name, repoPath string) {
	rec, doc, err := vault.FindRepo(ctx, s.vault, owner, name)
	if vault.IsNotFound(err) && s.cfg.AutoInitRepos {
		// first push to an auto-initialized repository: the record (and
		// with it the repository context) is created now
		rec, err = vault.CreateRepo(ctx, s.vault, owner, vault.RepoDoc{
			Name:       name,
			Visibility: vault.VisibilityPublic,
		})
		if err == nil {
			doc = &vault.RepoDoc{Name: name, Visibility: vault.VisibilityPublic}
			log.WithFields(log.Fields{"repo": owner + "/" + name}).Info("created repo record")
		}
	}
	if err != nil {
		log.WithFields(log.Fields{"repo": owner + "/" + name, "err": err}).
			Error("cannot resolve repository context; push not synchronized")
		return
	}

	// ref records and the bundle chain are order-independent and
	// idempotent, so they sync concurrently
	g := new(errgroup.Group)
	g.Go(func() error {
		return s.refs.Sync(ctx, repoPath, owner, rec.ID)
	})
	g.Go(func() error {
		return s.bundles.Sync(ctx, repoPath, owner, rec.ID, doc.Visibility)
	})
	if err = g.Wait(); err != nil {
		log.WithFields(log.Fields{"repo": owner + "/" + name, "err": err}).
			Error("post-push sync failed; a later push will reconcile")
	}

	if head := s.fixHead(ctx, repoPath); head != "" && head != doc.DefaultBranch {
		doc.DefaultBranch = head
		if _, uerr := s.vault.Update(ctx, owner, rec.ID, vault.CreateRequest{Data: doc}); uerr != nil {
			log.WithFields(log.Fields{"repo": owner + "/" + name, "err": uerr}).
				Warn("failed to record default branch")
		}
	}
}

// fixHead returns the repository's default branch, repointing HEAD first if
// it dangles. A fresh bare repo's HEAD names git's init default, which the
// first push usually doesn't create; leaving it dangling breaks plain
// clones.
func (s *Server) fixHead(ctx context.Context, repoPath string) string {
	refs, err := refsync.ListRefs(ctx, repoPath)
	if err != nil {
		return ""
	}

	var branches []string
	for _, ref := range refs {
		if ref.Type == vault.RefBranch {
			branches = append(branches, strings.TrimPrefix(ref.Name, "refs/heads/"))
		}
	}
	if len(branches) == 0 {
		return ""
	}

	head := refsync.HeadBranch(ctx, repoPath)
	for _, b := range branches {
		if b == head {
			return head
		}
	}

	pick := branches[0]
	for _, preferred := range []string{"main", "master"} {
		for _, b := range branches {
			if b == preferred {
				pick = preferred
				break
			}
		}
		if pick == preferred {
			break
		}
	}

	if err = restore.SetDefaultBranch(ctx, repoPath, pick); err != nil {
		log.WithError(err).Warn("failed to repoint HEAD")
		return ""
	}
	return pick
}

// ListenAndServe binds the configured port (0 delegates to the OS), writes
// the discovery lockfile, and serves until ctx is canceled. Shutdown drains
// in-flight requests, then waits up to the grace period for post-push work.
func (s *Server) ListenAndServe(ctx context.Context) (err error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to bind port %d", s.cfg.Port)
	}

	s.mu.Lock()
	s.port = lis.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	lockPath, err := WriteLockfile(s.cfg.Home, s.Port())
	if err != nil {
		_ = lis.Close()
		return err
	}

	httpSrv := &http.Server{Handler: s.Router()}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(lis) }()

	log.WithFields(log.Fields{"port": s.Port(), "base": s.store.Base()}).Info("gitd listening")

	select {
	case err = <-serveErr:
		RemoveLockfile(lockPath)
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	if serr := httpSrv.Shutdown(shutCtx); serr != nil {
		log.WithError(serr).Warn("forced http shutdown")
	}

	s.waitForCallbacks(s.cfg.GracePeriod)
	RemoveLockfile(lockPath)

	log.Info("gitd stopped")
	return nil
}

func (s *Server) waitForCallbacks(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.callbacks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("post-push work still running at shutdown; abandoning it")
	}
}
