// Package server is the agentcache HTTP API: cache operations, context
// memory, webhook management, quota and stats read-outs, health, and
// the prometheus scrape endpoint.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agentcache/agentcache/internal/engine"
	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/memory"
	"github.com/agentcache/agentcache/internal/quota"
	"github.com/agentcache/agentcache/internal/store"
	"github.com/agentcache/agentcache/internal/webhook"
)

// NamespaceHeader carries the tenant namespace. A missing header and a
// missing body field fall back to "default".
const NamespaceHeader = "X-AgentCache-Namespace"

// DefaultNamespace is used when the client names none.
const DefaultNamespace = "default"

// Deps are the server's collaborators.
type Deps struct {
	Engine   *engine.Engine
	Memory   *memory.Controller
	Quota    *quota.Tracker
	Notifier *webhook.Notifier
	DB       *store.DB
	Warm     kv.Store
	Registry *prometheus.Registry
	Log      *logrus.Logger
}

// Server is the agentcache HTTP API server.
type Server struct {
	engine   *engine.Engine
	memory   *memory.Controller
	quota    *quota.Tracker
	notifier *webhook.Notifier
	db       *store.DB
	warm     kv.Store
	registry *prometheus.Registry
	log      *logrus.Logger
	router   chi.Router
	version  string
	started  time.Time
}

// New creates a Server with the given collaborators and version string.
func New(deps Deps, version string) *Server {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	s := &Server{
		engine:   deps.Engine,
		memory:   deps.Memory,
		quota:    deps.Quota,
		notifier: deps.Notifier,
		db:       deps.DB,
		warm:     deps.Warm,
		registry: deps.Registry,
		log:      deps.Log,
		version:  version,
		started:  time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/cache/query", s.handleQuery)
		r.Get("/cache/{fingerprint}", s.handleGet)
		r.Put("/cache/{fingerprint}", s.handlePut)
		r.Head("/cache/{fingerprint}", s.handleCheck)

		r.Delete("/memory/{fragmentID}", s.handlePrune)
		r.Get("/memory/{sessionID}/context", s.handleContext)
		r.Post("/memory/{sessionID}/turns", s.handleAppendTurn)

		r.Post("/webhooks", s.handleCreateWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Post("/webhooks/{id}/test", s.handleTestWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)

		r.Get("/quota", s.handleQuota)
		r.Get("/stats", s.handleStats)
	})

	if s.registry != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.router = r
}

// namespaceFrom resolves the tenant namespace: body field first, then
// header, then the default.
func namespaceFrom(r *http.Request, bodyNS string) string {
	if bodyNS != "" {
		return bodyNS
	}
	if ns := r.Header.Get(NamespaceHeader); ns != "" {
		return ns
	}
	return DefaultNamespace
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}
	warmOK := true
	if s.warm != nil {
		if err := s.warm.Ping(r.Context()); err != nil {
			warmOK = false
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"warm":    warmOK,
	})
}
