package api

import (
	"errors"
	"net/http"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/storageconfig"
)

func (s *Server) adminGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Store.GetAllConfig(r.Context())
	if err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "load site config"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"config": cfg})
}

func (s *Server) adminSetConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := httputil.ParseJSON(r, &body); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if body.Key == "" {
		apierr.WriteKind(w, apierr.KindBadRequest, "key is required")
		return
	}
	if err := s.cfg.Store.SetConfig(r.Context(), body.Key, body.Value); err != nil {
		apierr.Write(w, apierr.E(apierr.KindInternal, err, "set site config"))
		return
	}
	httputil.WriteSuccessMessage(w, "configuration updated")
}

// adminGetStorage returns both storage slots with credentials masked.
func (s *Server) adminGetStorage(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	for _, slot := range []string{metadata.StorageSlotActive, metadata.StorageSlotPending} {
		cfg, updatedAt, err := storageconfig.Slot(r.Context(), s.cfg.Store, slot)
		if errors.Is(err, metadata.ErrNotFound) {
			continue
		}
		if err != nil {
			apierr.Write(w, apierr.E(apierr.KindInternal, err, "load %s storage config", slot))
			return
		}
		out[slot] = map[string]interface{}{
			"config":     cfg.Redacted(),
			"updated_at": updatedAt,
		}
	}
	httputil.WriteSuccess(w, out)
}

// adminStageStorage writes the pending slot. The running process keeps
// its active backend; activation happens offline through the CLI.
func (s *Server) adminStageStorage(w http.ResponseWriter, r *http.Request) {
	var cfg storageconfig.Config
	if err := httputil.ParseJSON(r, &cfg); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	if err := storageconfig.StagePending(r.Context(), s.cfg.Store, &cfg); err != nil {
		apierr.WriteKind(w, apierr.KindBadRequest, "%v", err)
		return
	}
	httputil.WriteSuccessMessage(w, "storage configuration staged; run 'repub storage activate' while the server is stopped")
}
