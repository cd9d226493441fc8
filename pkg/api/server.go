package api

import (
	"net/http"
	"time"

	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/delivery"
	"github.com/decloud/orchestrator/pkg/ingress"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/mesh"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/registry"
	"github.com/decloud/orchestrator/pkg/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server is the orchestrator's HTTP surface: a chi.Mux wired to every
// control-plane component, built once at startup by the top-level
// facade and handed to http.Server.
type Server struct {
	Router *chi.Mux
	logger zerolog.Logger

	store       storage.Store
	cfg         *config.Config
	auth        *auth.Service
	registry    *registry.Registry
	delivery    *delivery.Delivery
	lifecycle   *lifecycle.Manager
	obligations *obligation.Engine
	relay       *mesh.Manager
	ingress     *ingress.Registry
}

// NewServer wires the full route table. Any dependency may be nil in
// tests that only exercise the handlers that don't reach it.
func NewServer(
	cfg *config.Config,
	store storage.Store,
	authSvc *auth.Service,
	reg *registry.Registry,
	deliv *delivery.Delivery,
	lc *lifecycle.Manager,
	obligations *obligation.Engine,
	relay *mesh.Manager,
	ingressReg *ingress.Registry,
) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		logger:      log.WithComponent("api"),
		store:       store,
		cfg:         cfg,
		auth:        authSvc,
		registry:    reg,
		delivery:    deliv,
		lifecycle:   lc,
		obligations: obligations,
		relay:       relay,
		ingress:     ingressReg,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(s.logger))
	s.Router.Use(Metrics)
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(chimw.StripSlashes)
	s.Router.Use(chimw.Timeout(30 * time.Second))
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.Router.Handle("/metrics", promhttp.Handler())

	// Node-facing: registration is open, every other endpoint is
	// authenticated by its own node bearer token rather than the
	// tenant JWT/API-key middleware below.
	s.Router.Route("/nodes", func(r chi.Router) {
		r.Post("/register", s.handleRegisterNode)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/ack", s.handleAck)
	})
	s.Router.Route("/api", func(r chi.Router) {
		r.Post("/dht/ready", s.handleDhtReady)
		r.Post("/relay/ready", s.handleRelayReady)
	})

	// Wallet login and refresh are unauthenticated by design; issuing an
	// API key requires an already-authenticated session.
	s.Router.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Group(func(r chi.Router) {
			r.Use(Auth(s.auth))
			r.Use(RequireAuth)
			r.Post("/apikeys", s.handleIssueApiKey)
		})
	})

	// Tenant-facing VM and ingress routes, authenticated by JWT or API key.
	s.Router.Route("/vms", func(r chi.Router) {
		r.Use(Auth(s.auth))
		r.Use(RequireAuth)
		r.Post("/", s.handleCreateVm)
		r.Get("/", s.handleListVms)
		r.Get("/{id}", s.handleGetVm)
		r.Post("/{id}/stop", s.handleStopVm)
		r.Delete("/{id}", s.handleDeleteVm)
		r.Get("/{id}/routes", s.handleListRoutes)
		r.Post("/{id}/domains", s.handleAddCustomDomain)
		r.Post("/{id}/domains/{domainId}/verify", s.handleVerifyCustomDomain)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}
