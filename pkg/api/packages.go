package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/registry"
)

// getListing serves GET /api/packages/{name}: the version-listing
// document, falling back to the upstream proxy on a miss.
func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	listing, err := s.cfg.Registry.GetListing(r.Context(), name)
	if apierr.Is(err, apierr.KindNotFound) && s.cfg.Proxy != nil {
		listing, err = s.cfg.Proxy.Listing(r.Context(), name)
	}
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WritePubJSON(w, http.StatusOK, listing)
}

// getVersion serves GET /api/packages/{name}/versions/{version}.
func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := vars["name"], vars["version"]

	entry, err := s.cfg.Registry.GetVersion(r.Context(), name, version)
	if apierr.Is(err, apierr.KindNotFound) && s.cfg.Proxy != nil {
		entry, err = s.proxyVersion(r, name, version)
	}
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WritePubJSON(w, http.StatusOK, entry)
}

func (s *Server) proxyVersion(r *http.Request, name, version string) (*registry.VersionEntry, error) {
	listing, err := s.cfg.Proxy.Listing(r.Context(), name)
	if err != nil {
		return nil, err
	}
	entry := listing.EntryFor(version)
	if entry == nil {
		return nil, apierr.New(apierr.KindNotFound, "version %s of %s not found", version, name)
	}
	return entry, nil
}

// getArchive serves the archive bytes, either directly or via a 302 to
// a signed URL. Cached packages whose blobs have not been fetched yet
// go through the proxy's lazy fetch.
func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := vars["name"], vars["version"]

	src, err := s.cfg.Registry.OpenArchive(r.Context(), name, version)
	if apierr.Is(err, apierr.KindNotFound) && s.cfg.Proxy != nil {
		s.proxyArchive(w, r, name, version)
		return
	}
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if src.RedirectURL != "" {
		http.Redirect(w, r, src.RedirectURL, http.StatusFound)
		return
	}
	defer src.Body.Close()
	writeArchive(w, name, version, src.Body)
}

func (s *Server) proxyArchive(w http.ResponseWriter, r *http.Request, name, version string) {
	// A direct archive fetch may race ahead of any listing request, so
	// sync the listing first to materialise the version row.
	if _, err := s.cfg.Proxy.Listing(r.Context(), name); err != nil {
		apierr.Write(w, err)
		return
	}
	rc, err := s.cfg.Proxy.Archive(r.Context(), name, version)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	defer rc.Close()
	s.cfg.Registry.RecordDownload(name, version)
	writeArchive(w, name, version, rc)
}

func writeArchive(w http.ResponseWriter, name, version string, body io.Reader) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.tar.gz"`, name, version))
	io.Copy(w, body)
}

// getAdvisories serves GET /api/packages/{name}/advisories. No
// advisory feed is maintained here, but pub clients probe the endpoint
// after resolving, so known packages get an empty document.
func (s *Server) getAdvisories(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	_, err := s.cfg.Registry.GetListing(r.Context(), name)
	if apierr.Is(err, apierr.KindNotFound) && s.cfg.Proxy != nil {
		_, err = s.cfg.Proxy.Listing(r.Context(), name)
	}
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WritePubJSON(w, http.StatusOK, map[string]interface{}{
		"advisories":        []interface{}{},
		"advisoriesUpdated": time.Now().UTC().Format(time.RFC3339),
	})
}

// search serves GET /api/packages/search?q=&page=&limit=.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	p := httputil.ParsePagination(r, 20, 100)

	page, err := s.cfg.Store.SearchPackages(r.Context(), query, p.Page, p.Limit)
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "search packages"))
		return
	}
	httputil.WriteSuccess(w, page)
}
