package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/middleware"
)

// maxMultipartMemory bounds how much of the upload form is held in
// memory before spilling to disk. The archive size limit itself is
// enforced downstream against site config.
const maxMultipartMemory = 4 << 20

// startUpload serves GET /api/packages/versions/new: opens an upload
// session and tells the client where to send the archive.
func (s *Server) startUpload(w http.ResponseWriter, r *http.Request) {
	var userID string
	if id := middleware.IdentityFromContext(r.Context()); id != nil {
		userID = id.User.ID
	}
	instruction, err := s.cfg.Registry.StartUpload(r.Context(), userID)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccess(w, instruction)
}

// upload serves POST /api/packages/versions/newUpload: the multipart
// archive upload. On success the client is redirected to the finalize
// endpoint per the hosted pub flow.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	// Cap the whole request body before any multipart parsing: the
	// archive limit plus slack for the form framing.
	limit := s.cfg.Registry.MaxUploadBytes(r.Context()) + maxMultipartMemory
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			apierr.WriteKind(w, apierr.KindPayloadTooLarge,
				"upload body exceeds the %d byte limit", tooBig.Limit)
			return
		}
		apierr.WriteKind(w, apierr.KindBadRequest, "malformed multipart upload: %v", err)
		return
	}
	sessionID := r.FormValue("upload_id")
	if sessionID == "" {
		apierr.WriteKind(w, apierr.KindBadRequest, "missing upload_id field")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "missing file field")
		return
	}
	defer file.Close()

	scopes, actor := s.publishCredentials(r)
	if _, err := s.cfg.Registry.ProcessUpload(r.Context(), sessionID, file, scopes, actor); err != nil {
		apierr.Write(w, err)
		return
	}

	finish := fmt.Sprintf("%s?upload_id=%s",
		strings.TrimSuffix(r.URL.Path, "newUpload")+"newUploadFinish", sessionID)
	w.Header().Set("Location", finish)
	w.WriteHeader(http.StatusNoContent)
}

// publishCredentials resolves the scopes and actor for an upload. With
// publish auth disabled, anonymous uploads act with full publish
// authority.
func (s *Server) publishCredentials(r *http.Request) ([]string, *metadata.User) {
	if id := middleware.IdentityFromContext(r.Context()); id != nil {
		return id.Token.Scopes, id.User
	}
	return []string{string(auth.ScopePublishAll)}, nil
}

// finalizeUpload serves GET /api/packages/versions/newUploadFinish: the
// step-3 redirect target, confirming the session completed.
func (s *Server) finalizeUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("upload_id")
	if sessionID == "" {
		apierr.WriteKind(w, apierr.KindBadRequest, "missing upload_id parameter")
		return
	}
	if err := s.cfg.Registry.FinalizeUpload(r.Context(), sessionID); err != nil {
		apierr.Write(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "package published successfully")
}
