package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
	"github.com/gsmlg-opt/repub-sub002/pkg/middleware"
	"github.com/gsmlg-opt/repub-sub002/pkg/observability"
	"github.com/gsmlg-opt/repub-sub002/pkg/proxy"
	"github.com/gsmlg-opt/repub-sub002/pkg/registry"
	"github.com/gsmlg-opt/repub-sub002/pkg/webhooks"
)

// Config wires the server's dependencies. Proxy, Dispatcher, RateLimit,
// and MetricsHandler may be nil; the corresponding surface is then
// disabled.
type Config struct {
	Store      metadata.Store
	Registry   *registry.Service
	Proxy      *proxy.Cache
	Tokens     *auth.TokenService
	Dispatcher *webhooks.Dispatcher
	Logger     *observability.Logger
	Metrics    *observability.Metrics

	MetricsHandler http.Handler
	Health         *observability.HealthChecker
	RateLimit      *middleware.RateLimitMiddleware

	// StrictRateLimit, when set, additionally throttles the publish and
	// admin routes with a tighter budget than the global limiter.
	StrictRateLimit *middleware.RateLimitMiddleware

	RequirePublishAuth  bool
	RequireDownloadAuth bool
}

// Server is the registry's HTTP surface: the hosted pub repository API,
// the admin API, and the operational endpoints.
type Server struct {
	router *mux.Router
	cfg    Config
	authn  *middleware.Authenticator
	logger *observability.Logger
}

// NewServer builds the router. The returned server is an http.Handler.
func NewServer(cfg Config) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		authn:  middleware.NewAuthenticator(cfg.Tokens),
		logger: cfg.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.AccessLog(s.cfg.Logger, s.cfg.Metrics))
	if s.cfg.RateLimit != nil {
		s.router.Use(s.cfg.RateLimit.Handler)
	}

	// Operational endpoints.
	if s.cfg.Health != nil {
		s.router.HandleFunc("/healthz", s.cfg.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.cfg.Health.Readiness).Methods("GET")
	}
	if s.cfg.MetricsHandler != nil {
		s.router.Handle("/metrics", s.cfg.MetricsHandler).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Publish pipeline. Registered before the {name} routes so the
	// literal "versions" segment wins the match.
	api.Handle("/packages/versions/new", s.strict(s.publishGate(http.HandlerFunc(s.startUpload)))).Methods("GET")
	api.Handle("/packages/versions/newUpload", s.strict(s.publishGate(http.HandlerFunc(s.upload)))).Methods("POST")
	api.Handle("/packages/versions/newUploadFinish", s.strict(s.publishGate(http.HandlerFunc(s.finalizeUpload)))).Methods("GET")

	// Resolution path.
	api.Handle("/packages/search", s.downloadGate(http.HandlerFunc(s.search))).Methods("GET")
	api.Handle("/packages/{name}", s.downloadGate(http.HandlerFunc(s.getListing))).Methods("GET")
	api.Handle("/packages/{name}/advisories", s.downloadGate(http.HandlerFunc(s.getAdvisories))).Methods("GET")
	api.Handle("/packages/{name}/versions/{version}", s.downloadGate(http.HandlerFunc(s.getVersion))).Methods("GET")
	api.Handle("/packages/{name}/versions/{version}/archive.tar.gz", s.downloadGate(http.HandlerFunc(s.getArchive))).Methods("GET")

	// Self-service token management for authenticated users.
	account := s.router.PathPrefix("/api/account").Subrouter()
	account.Use(s.authn.Require)
	account.HandleFunc("/tokens", s.listOwnTokens).Methods("GET")
	account.HandleFunc("/tokens", s.createOwnToken).Methods("POST")
	account.HandleFunc("/tokens/{label}", s.deleteOwnToken).Methods("DELETE")

	// Admin API.
	admin := s.router.PathPrefix("/admin/api").Subrouter()
	if s.cfg.StrictRateLimit != nil {
		admin.Use(s.cfg.StrictRateLimit.Handler)
	}
	admin.Use(s.authn.Require)
	admin.Use(middleware.RequireScope(auth.ScopeAdmin))

	admin.HandleFunc("/stats", s.adminStats).Methods("GET")
	admin.HandleFunc("/activity", s.adminActivity).Methods("GET")

	admin.HandleFunc("/packages", s.adminListPackages).Methods("GET")
	admin.HandleFunc("/packages/{name}", s.adminDeletePackage).Methods("DELETE")
	admin.HandleFunc("/packages/{name}/discontinue", s.adminDiscontinue).Methods("POST")
	admin.HandleFunc("/packages/{name}/versions/{version}/retract", s.adminRetract).Methods("POST")
	admin.HandleFunc("/packages/{name}/versions/{version}/unretract", s.adminUnretract).Methods("POST")
	admin.HandleFunc("/cache/clear", s.adminClearCache).Methods("POST")
	admin.HandleFunc("/gc", s.adminGarbageCollect).Methods("POST")

	admin.HandleFunc("/users", s.adminListUsers).Methods("GET")
	admin.HandleFunc("/users", s.adminCreateUser).Methods("POST")
	admin.HandleFunc("/users/{id}", s.adminDeleteUser).Methods("DELETE")
	admin.HandleFunc("/users/{id}/tokens", s.adminListTokens).Methods("GET")
	admin.HandleFunc("/users/{id}/tokens", s.adminCreateToken).Methods("POST")
	admin.HandleFunc("/users/{id}/tokens/{label}", s.adminDeleteToken).Methods("DELETE")

	admin.HandleFunc("/webhooks", s.adminListWebhooks).Methods("GET")
	admin.HandleFunc("/webhooks", s.adminCreateWebhook).Methods("POST")
	admin.HandleFunc("/webhooks/{id}", s.adminGetWebhook).Methods("GET")
	admin.HandleFunc("/webhooks/{id}", s.adminUpdateWebhook).Methods("PUT")
	admin.HandleFunc("/webhooks/{id}", s.adminDeleteWebhook).Methods("DELETE")
	admin.HandleFunc("/webhooks/{id}/test", s.adminTestWebhook).Methods("POST")
	admin.HandleFunc("/webhooks/{id}/deliveries", s.adminWebhookDeliveries).Methods("GET")

	admin.HandleFunc("/config", s.adminGetConfig).Methods("GET")
	admin.HandleFunc("/config", s.adminSetConfig).Methods("POST")
	admin.HandleFunc("/storage", s.adminGetStorage).Methods("GET")
	admin.HandleFunc("/storage", s.adminStageStorage).Methods("POST")
}

// strict wraps publish handlers with the tighter rate limit when one is
// configured.
func (s *Server) strict(next http.Handler) http.Handler {
	if s.cfg.StrictRateLimit != nil {
		return s.cfg.StrictRateLimit.Handler(next)
	}
	return next
}

// publishGate applies the configured publish authentication policy.
// With publish auth required, the token must carry a publish-capable
// scope; which packages it may publish is checked once the archive
// names one.
func (s *Server) publishGate(next http.Handler) http.Handler {
	if s.cfg.RequirePublishAuth {
		return s.authn.Require(middleware.RequirePublisher()(next))
	}
	return s.authn.Optional(next)
}

// downloadGate applies the configured download authentication policy.
func (s *Server) downloadGate(next http.Handler) http.Handler {
	if s.cfg.RequireDownloadAuth {
		return s.authn.Require(middleware.RequireScope(auth.ScopeReadAll)(next))
	}
	return s.authn.Optional(next)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
