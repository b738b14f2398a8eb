package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/middleware"
)

func (s *Server) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.cfg.Store.ListUsers(r.Context())
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "list users"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

func (s *Server) adminCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if body.Email == "" || body.Password == "" {
		apierr.WriteKind(w, apierr.KindBadRequest, "email and password are required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "hash password"))
		return
	}
	user := &metadata.User{
		ID:           uuid.NewString(),
		Email:        body.Email,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.cfg.Store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, metadata.ErrAlreadyExists) {
			apierr.WriteKind(w, apierr.KindConflict, "a user with email %s already exists", body.Email)
			return
		}
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "create user"))
		return
	}
	httputil.WriteCreated(w, user)
}

func (s *Server) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Store.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "user %s not found", id)
			return
		}
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "delete user"))
		return
	}
	httputil.WriteNoContent(w)
}

// --- Token management ---

type createTokenRequest struct {
	Label     string     `json:"label"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// tokenCreatedResponse carries the raw token; this response is the only
// place the raw value ever appears.
type tokenCreatedResponse struct {
	Token    *metadata.AuthToken `json:"token"`
	RawToken string              `json:"raw_token"`
}

func (s *Server) createTokenFor(w http.ResponseWriter, r *http.Request, userID string) {
	var body createTokenRequest
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	record, raw, err := s.cfg.Tokens.CreateToken(r.Context(), userID, body.Label, body.Scopes, body.ExpiresAt)
	if err != nil {
		if errors.Is(err, metadata.ErrAlreadyExists) {
			apierr.WriteKind(w, apierr.KindConflict, "a token labelled %q already exists", body.Label)
			return
		}
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	httputil.WriteCreated(w, tokenCreatedResponse{Token: record, RawToken: raw})
}

func (s *Server) listTokensFor(w http.ResponseWriter, r *http.Request, userID string) {
	tokens, err := s.cfg.Store.ListTokens(r.Context(), userID)
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "list tokens"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tokens": tokens})
}

func (s *Server) deleteTokenFor(w http.ResponseWriter, r *http.Request, userID, label string) {
	if err := s.cfg.Store.DeleteToken(r.Context(), userID, label); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "no token labelled %q", label)
			return
		}
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "delete token"))
		return
	}
	httputil.WriteNoContent(w)
}

// Admin routes act on any user.

func (s *Server) adminListTokens(w http.ResponseWriter, r *http.Request) {
	s.listTokensFor(w, r, mux.Vars(r)["id"])
}

func (s *Server) adminCreateToken(w http.ResponseWriter, r *http.Request) {
	s.createTokenFor(w, r, mux.Vars(r)["id"])
}

func (s *Server) adminDeleteToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.deleteTokenFor(w, r, vars["id"], vars["label"])
}

// Account routes act on the authenticated user only.

func (s *Server) listOwnTokens(w http.ResponseWriter, r *http.Request) {
	s.listTokensFor(w, r, middleware.IdentityFromContext(r.Context()).User.ID)
}

func (s *Server) createOwnToken(w http.ResponseWriter, r *http.Request) {
	s.createTokenFor(w, r, middleware.IdentityFromContext(r.Context()).User.ID)
}

func (s *Server) deleteOwnToken(w http.ResponseWriter, r *http.Request) {
	s.deleteTokenFor(w, r, middleware.IdentityFromContext(r.Context()).User.ID, mux.Vars(r)["label"])
}
