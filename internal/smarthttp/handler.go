// Package smarthttp serves git's v1 smart-http wire protocol over a
// repostore. The handler is stateless; authentication, post-push work, and
// cold-start restore are injected as hooks by the transport server.
package smarthttp

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/enboxorg/gitd/internal/repostore"
)

type (
	Hooks struct {
		// AuthenticatePush gates receive-pack ref discovery and POSTs. A
		// nil hook allows all writes. Any returned error maps to 401.
		AuthenticatePush func(r *http.Request, owner, name string) error

		// OnPushComplete fires after a receive-pack subprocess exits 0 and
		// the response body has been fully drained.
		OnPushComplete func(owner, name, repoPath string)

		// OnRepoNotFound is consulted before returning 404. Returning true
		// means the repository should exist now and the operation is
		// retried once.
		OnRepoNotFound func(ctx context.Context, owner, name, repoPath, service string) bool
	}

	Handler struct {
		store *repostore.Store
		hooks Hooks

		// StallTimeout bounds how long a pack subprocess may go without
		// moving a byte in either direction before it is killed.
		StallTimeout time.Duration
	}
)

const DefaultStallTimeout = 60 * time.Second

func New(store *repostore.Store, hooks Hooks) *Handler {
	return &Handler{
		store:        store,
		hooks:        hooks,
		StallTimeout: DefaultStallTimeout,
	}
}

// Routes returns the git smart-http route tree, ready to be mounted at the
// server root or under a prefix.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{did}/{name}/info/refs", h.InfoRefs)
	r.Post("/{did}/{name}/git-upload-pack", h.UploadPack)
	r.Post("/{did}/{name}/git-receive-pack", h.ReceivePack)
	return r
}

func repoParams(r *http.Request) (owner, name string) {
	return chi.URLParam(r, "did"), chi.URLParam(r, "name")
}

func setNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache")
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, owner, name string) bool {
	if h.hooks.AuthenticatePush == nil {
		return true
	}
	if err := h.hooks.AuthenticatePush(r, owner, name); err != nil {
		log.WithFields(log.Fields{
			"repo": owner + "/" + name,
			"err":  err,
		}).Info("push rejected")
		w.Header().Set("WWW-Authenticate", `Basic realm="gitd"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return false
	}
	return true
}

// ensureRepo gives the not-found hook one shot at materializing a missing
// repository before the request 404s.
func (h *Handler) ensureRepo(w http.ResponseWriter, r *http.Request, owner, name, service string) bool {
	if h.store.Exists(owner, name) {
		return true
	}

	path := h.store.RepoPath(owner, name)
	if h.hooks.OnRepoNotFound != nil && h.hooks.OnRepoNotFound(r.Context(), owner, name, path, service) {
		if h.store.Exists(owner, name) {
			return true
		}
	}

	http.Error(w, "repository not found", http.StatusNotFound)
	return false
}

// InfoRefs serves GET /{did}/{name}/info/refs. The service query parameter
// selects upload-pack (read) or receive-pack (write); anything else is a
// dumb-http attempt and is refused.
func (h *Handler) InfoRefs(w http.ResponseWriter, r *http.Request) {
	owner, name := repoParams(r)

	var service string
	switch r.URL.Query().Get("service") {
	case "git-upload-pack":
		service = repostore.UploadPackService
	case "git-receive-pack":
		service = repostore.ReceivePackService
	default:
		http.Error(w, "smart http is required", http.StatusForbidden)
		return
	}

	if service == repostore.ReceivePackService && !h.authenticate(w, r, owner, name) {
		return
	}
	if !h.ensureRepo(w, r, owner, name, service) {
		return
	}

	body, err := h.store.AdvertiseRefs(r.Context(), owner, name, service)
	if err != nil {
		if repostore.IsNotFound(err) {
			http.Error(w, "repository not found", http.StatusNotFound)
			return
		}
		log.WithFields(log.Fields{"repo": owner + "/" + name, "err": err}).Error("ref advertisement failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	setNoCache(w)
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) UploadPack(w http.ResponseWriter, r *http.Request) {
	h.servePack(w, r, repostore.UploadPackService)
}

func (h *Handler) ReceivePack(w http.ResponseWriter, r *http.Request) {
	h.servePack(w, r, repostore.ReceivePackService)
}

func (h *Handler) servePack(w http.ResponseWriter, r *http.Request, service string) {
	owner, name := repoParams(r)

	if service == repostore.ReceivePackService && !h.authenticate(w, r, owner, name) {
		return
	}
	if !h.ensureRepo(w, r, owner, name, service) {
		return
	}

	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, "malformed gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}

	var pack *repostore.PackCmd
	var err error
	switch service {
	case repostore.UploadPackService:
		pack, err = h.store.UploadPack(r.Context(), owner, name)
	default:
		pack, err = h.store.ReceivePack(r.Context(), owner, name)
	}
	if err != nil {
		if repostore.IsNotFound(err) {
			http.Error(w, "repository not found", http.StatusNotFound)
			return
		}
		log.WithFields(log.Fields{"repo": owner + "/" + name, "err": err}).Error("failed to start pack process")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	setNoCache(w)
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", service))
	// the 200 goes out with the first byte of pack output, so a subprocess
	// that stalls before producing anything can still get a 500; any other
	// failure leaves the status at 200

	res := h.pump(r.Context(), w, body, pack)

	fields := log.Fields{
		"repo":     owner + "/" + name,
		"service":  service,
		"exitCode": pack.ExitCode(),
		"in":       res.bytesIn,
		"out":      res.bytesOut,
	}

	switch {
	case res.stalled:
		log.WithFields(fields).Error("pack process stalled, killed")
		if res.bytesOut == 0 {
			http.Error(w, "pack process made no progress", http.StatusInternalServerError)
		}
	case res.clientGone:
		log.WithFields(fields).Info("client disconnected mid-transfer")
	case res.err != nil:
		log.WithFields(fields).WithError(res.err).Error("pack exchange failed")
	default:
		log.WithFields(fields).Debug("pack exchange complete")
		if service == repostore.ReceivePackService && h.hooks.OnPushComplete != nil {
			h.hooks.OnPushComplete(owner, name, h.store.RepoPath(owner, name))
		}
	}
}

var errStalled = errors.New("pack subprocess made no progress within the deadline")
