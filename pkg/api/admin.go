package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/middleware"
)

// actor returns the authenticated user for activity attribution. Admin
// routes run behind Require, so this is never nil there.
func actor(r *http.Request) *metadata.User {
	if id := middleware.IdentityFromContext(r.Context()); id != nil {
		return id.User
	}
	return nil
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.GetStats(r.Context())
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "load stats"))
		return
	}
	httputil.WriteSuccess(w, stats)
}

func (s *Server) adminActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.cfg.Store.GetRecentActivity(r.Context(), limit)
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "load activity"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"activity": entries})
}

// adminListPackages pages through packages, optionally filtered by
// namespace with ?type=hosted or ?type=cached.
func (s *Server) adminListPackages(w http.ResponseWriter, r *http.Request) {
	p := httputil.ParsePagination(r, 20, 100)

	var (
		page *metadata.PackagePage
		err  error
	)
	switch r.URL.Query().Get("type") {
	case "hosted":
		page, err = s.cfg.Store.ListPackagesByType(r.Context(), false, p.Page, p.Limit)
	case "cached":
		page, err = s.cfg.Store.ListPackagesByType(r.Context(), true, p.Page, p.Limit)
	case "":
		page, err = s.cfg.Store.ListPackages(r.Context(), p.Page, p.Limit)
	default:
		apierr.WriteKind(w, apierr.KindBadRequest, "type must be hosted or cached")
		return
	}
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "list packages"))
		return
	}
	httputil.WriteSuccess(w, page)
}

func (s *Server) adminDeletePackage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	deleted, err := s.cfg.Registry.DeletePackage(r.Context(), name, actor(r))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"deleted_versions": deleted})
}

func (s *Server) adminDiscontinue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReplacedBy *string `json:"replaced_by"`
	}
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if err := s.cfg.Registry.Discontinue(r.Context(), mux.Vars(r)["name"], body.ReplacedBy, actor(r)); err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "package discontinued")
}

func (s *Server) adminRetract(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message *string `json:"message"`
	}
	if r.ContentLength > 0 {
		if err := httputil.ParseJSON(r, &body); err != nil {
			apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
			return
		}
	}
	vars := mux.Vars(r)
	if err := s.cfg.Registry.Retract(r.Context(), vars["name"], vars["version"], body.Message, actor(r)); err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "version retracted")
}

func (s *Server) adminUnretract(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.cfg.Registry.Unretract(r.Context(), vars["name"], vars["version"], actor(r)); err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "version unretracted")
}

// adminClearCache deletes every upstream-cache package, metadata and
// blobs both. Hosted packages are untouched.
func (s *Server) adminClearCache(w http.ResponseWriter, r *http.Request) {
	var packages, versions int
	for {
		page, err := s.cfg.Store.ListPackagesByType(r.Context(), true, 1, 100)
		if err != nil {
			apierr.Write(w, apierr.E(apierr.KindInternal, err, "list cached packages"))
			return
		}
		if len(page.Packages) == 0 {
			break
		}
		for _, pkg := range page.Packages {
			n, err := s.cfg.Registry.DeletePackage(r.Context(), pkg.Name, actor(r))
			if err != nil {
				apierr.Write(w, err)
				return
			}
			packages++
			versions += n
		}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"cleared_packages": packages,
		"cleared_versions": versions,
	})
}

func (s *Server) adminGarbageCollect(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	removed, err := s.cfg.Registry.GarbageCollect(r.Context(), dryRun)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"dry_run": dryRun,
		"removed": removed,
	})
}
