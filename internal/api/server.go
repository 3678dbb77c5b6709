// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the daemon: auth, uploads, job
// submission and control, library browsing, event streams and the admin
// endpoints. Handlers translate classified errors to status codes in exactly
// one place and never leak raw internals.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/auth"
	"github.com/tommy2202/dubd/internal/config"
	"github.com/tommy2202/dubd/internal/events"
	"github.com/tommy2202/dubd/internal/identity"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/manifest"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/store"
	"github.com/tommy2202/dubd/internal/upload"
	"github.com/tommy2202/dubd/internal/voices"
)

// JobController is the slice of the scheduler the API consumes.
type JobController interface {
	Cancel(ctx context.Context, jobID, actor string) error
	Kill(ctx context.Context, jobID, actor string) error
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg       config.Config
	store     *store.Store
	users     *identity.Store
	resolver  *auth.Resolver
	signer    *auth.TokenSigner
	uploads   *upload.Manager
	backend   queue.Backend
	policy    *policy.Engine
	quota     *quota.Enforcer
	jobs      JobController
	hub       *events.Hub
	voices    *voices.Store
	manifests *manifest.Registry
	audit     *audit.Logger
	logger    zerolog.Logger
	startTime time.Time
}

// Deps carries the server's collaborators.
type Deps struct {
	Config    config.Config
	Store     *store.Store
	Users     *identity.Store
	Resolver  *auth.Resolver
	Signer    *auth.TokenSigner
	Uploads   *upload.Manager
	Backend   queue.Backend
	Policy    *policy.Engine
	Quota     *quota.Enforcer
	Jobs      JobController
	Hub       *events.Hub
	Voices    *voices.Store
	Manifests *manifest.Registry
	Audit     *audit.Logger
}

// NewServer constructs the API server.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		users:     d.Users,
		resolver:  d.Resolver,
		signer:    d.Signer,
		uploads:   d.Uploads,
		backend:   d.Backend,
		policy:    d.Policy,
		quota:     d.Quota,
		jobs:      d.Jobs,
		hub:       d.Hub,
		voices:    d.Voices,
		manifests: d.Manifests,
		audit:     d.Audit,
		logger:    log.WithComponent("api"),
		startTime: time.Now(),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(metricsAndLogging)

	// Public surface.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.With(loginRateLimit(s.cfg.LoginAttemptsPerUser, s.cfg.LoginWindow)).
		Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)

	// Authenticated surface.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeUpload))
			r.Post("/uploads/init", s.handleUploadInit)
			r.Post("/uploads/{id}/chunk", s.handleUploadChunk)
			r.Post("/uploads/{id}/complete", s.handleUploadComplete)
		})
		r.With(s.requireScope(auth.ScopeReadJob)).Get("/uploads/{id}", s.handleUploadGet)

		r.With(s.requireScope(auth.ScopeReadJob)).Get("/presets", s.handlePresetList)
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeSubmitJob))
			r.Post("/presets", s.handlePresetCreate)
			r.Delete("/presets/{id}", s.handlePresetDelete)
		})

		r.With(s.requireScope(auth.ScopeSubmitJob)).Post("/jobs", s.handleJobSubmit)
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeReadJob))
			r.Get("/jobs", s.handleJobList)
			r.Get("/jobs/events", s.handleJobsSSE)
			r.Get("/jobs/{id}", s.handleJobGet)
			r.Get("/jobs/{id}/logs/tail", s.handleLogTail)
			r.Get("/jobs/{id}/logs/stream", s.handleLogStream)
			r.Get("/jobs/{id}/timeline", s.handleJobTimeline)
			r.Get("/jobs/{id}/files", s.handleJobFiles)
			r.Get("/ws/jobs/{id}", s.handleJobWS)
		})
		r.With(s.requireScope(auth.ScopeSubmitJob)).Post("/jobs/{id}/cancel", s.handleJobCancel)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeReadJob))
			r.Get("/library/series", s.handleLibrarySeries)
			r.Get("/library/{slug}/seasons", s.handleLibrarySeasons)
			r.Get("/library/{slug}/{season}/episodes", s.handleLibraryEpisodes)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/jobs/{id}/priority", s.handleJobPriority)
			r.Post("/jobs/{id}/kill", s.handleJobKill)
			r.Post("/jobs/{id}/requeue", s.handleJobRequeue)
			r.Get("/admin/queue", s.handleAdminQueue)
			r.Put("/admin/users/{id}/quotas", s.handleAdminQuotas)
			r.Post("/admin/library/repair", s.handleLibraryRepair)
			r.Get("/admin/voices/{series}", s.handleVoicesList)
			r.Get("/admin/voices/{series}/{character}/versions", s.handleVoiceVersions)
			r.Post("/admin/voices/{series}/{character}/rollback", s.handleVoiceRollback)
			r.Delete("/admin/voices/{series}/{character}", s.handleVoiceDelete)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_s":  int(time.Since(s.startTime).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
