package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

type webhookRequest struct {
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

func (wr *webhookRequest) validate() error {
	u, err := url.Parse(wr.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apierr.New(apierr.KindBadRequest, "webhook url must be http or https")
	}
	if len(wr.Events) == 0 {
		return apierr.New(apierr.KindBadRequest, "at least one event type is required")
	}
	return nil
}

func (s *Server) adminListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.cfg.Store.ListWebhooks(r.Context())
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "list webhooks"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"webhooks": hooks})
}

func (s *Server) adminCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body webhookRequest
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if err := body.validate(); err != nil {
		apierr.Write(w, err)
		return
	}

	now := time.Now().UTC()
	hook := &metadata.Webhook{
		ID:        uuid.NewString(),
		URL:       body.URL,
		Events:    body.Events,
		Secret:    body.Secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cfg.Store.CreateWebhook(r.Context(), hook); err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "create webhook"))
		return
	}
	httputil.WriteCreated(w, hook)
}

func (s *Server) adminGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.cfg.Store.GetWebhook(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, metadata.ErrNotFound) {
		apierr.WriteKind(w, apierr.KindNotFound, "webhook not found")
		return
	}
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "load webhook"))
		return
	}
	httputil.WriteSuccess(w, hook)
}

func (s *Server) adminUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.cfg.Store.GetWebhook(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, metadata.ErrNotFound) {
		apierr.WriteKind(w, apierr.KindNotFound, "webhook not found")
		return
	}
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "load webhook"))
		return
	}

	var body webhookRequest
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if err := body.validate(); err != nil {
		apierr.Write(w, err)
		return
	}

	hook.URL = body.URL
	hook.Events = body.Events
	hook.Secret = body.Secret
	if body.IsActive != nil {
		hook.IsActive = *body.IsActive
		if *body.IsActive {
			hook.FailureCount = 0
		}
	}
	hook.UpdatedAt = time.Now().UTC()

	if err := s.cfg.Store.UpdateWebhook(r.Context(), hook); err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "update webhook"))
		return
	}
	httputil.WriteSuccess(w, hook)
}

func (s *Server) adminDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteWebhook(r.Context(), mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			apierr.WriteKind(w, apierr.KindNotFound, "webhook not found")
			return
		}
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "delete webhook"))
		return
	}
	httputil.WriteNoContent(w)
}

// adminTestWebhook performs one synchronous synthetic delivery so an
// operator can verify an endpoint and its signature handling.
func (s *Server) adminTestWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dispatcher == nil {
		apierr.WriteKind(w, apierr.KindServiceUnavailable, "webhook dispatch is not running")
		return
	}
	delivery, err := s.cfg.Dispatcher.Test(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, metadata.ErrNotFound) {
		apierr.WriteKind(w, apierr.KindNotFound, "webhook not found")
		return
	}
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "test webhook"))
		return
	}
	httputil.WriteSuccess(w, delivery)
}

func (s *Server) adminWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	deliveries, err := s.cfg.Store.ListWebhookDeliveries(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "list deliveries"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"deliveries": deliveries})
}
