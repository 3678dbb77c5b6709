// SPDX-License-Identifier: MIT

// Package daemon assembles the subsystems into one runnable process:
// stores, queue backend, scheduler, event hub, HTTP server and the
// housekeeping janitors.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/api"
	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/auth"
	"github.com/tommy2202/dubd/internal/config"
	"github.com/tommy2202/dubd/internal/events"
	"github.com/tommy2202/dubd/internal/identity"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/manifest"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/runner"
	"github.com/tommy2202/dubd/internal/scheduler"
	"github.com/tommy2202/dubd/internal/store"
	"github.com/tommy2202/dubd/internal/upload"
	"github.com/tommy2202/dubd/internal/voices"
)

// App is the assembled daemon.
type App struct {
	cfg       config.Config
	store     *store.Store
	users     *identity.Store
	backend   queue.Backend
	sched     *scheduler.Scheduler
	hub       *events.Hub
	uploads   *upload.Manager
	manifests *manifest.Registry
	server    *api.Server
	logger    zerolog.Logger
}

// New wires every subsystem from the validated configuration.
func New(cfg config.Config) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := log.WithComponent("daemon")

	if len(cfg.SecretKey) == 0 {
		// Ephemeral key: sessions will not survive a restart.
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("daemon: generate secret key: %w", err)
		}
		cfg.SecretKey = key
		logger.Warn().Msg("SECRET_KEY not set, using an ephemeral key; sessions reset on restart")
	}

	st, err := store.Open(cfg.JobsDBPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: open job store: %w", err)
	}
	users, err := identity.Open(cfg.AuthDBPath())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("daemon: open identity store: %w", err)
	}
	if err := bootstrapAdmin(users, logger); err != nil {
		_ = st.Close()
		_ = users.Close()
		return nil, err
	}

	auditLog := audit.NewLogger()
	enforcer := quota.New(st, auditLog, quota.DefaultsFromConfig(&cfg))

	var backend queue.Backend
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		backend = queue.NewRedis(st, rdb, cfg.MaxHighRunningGlobal)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis queue backend")
	} else {
		backend = queue.NewLocal(st)
		logger.Info().Msg("using local queue backend")
	}

	pol := &policy.Engine{
		Audit:             auditLog,
		GPUAvailable:      cfg.GPUAvailable,
		HighModeAdminOnly: cfg.HighModeAdminOnly,
		MaxHighRunning:    cfg.MaxHighRunningGlobal,
	}

	manifests := manifest.NewRegistry(cfg.OutputDir)
	toolchain := runner.NewFFmpegToolchain()
	pipeline := runner.NewPipeline(runner.NewDefaultExecutor(toolchain, cfg.StageWorkerCmd))

	sched := scheduler.New(st, users, backend, pol, enforcer, pipeline, auditLog, scheduler.Config{
		GlobalSlots: cfg.MaxConcurrencyGlobal,
		PhaseSlots: map[string]int{
			runner.PhaseAudio:      cfg.MaxConcurrencyAudio,
			runner.PhaseTranscribe: cfg.MaxConcurrencyTranscribe,
			runner.PhaseTTS:        cfg.MaxConcurrencyTTS,
			runner.PhaseMux:        cfg.MaxConcurrencyMux,
		},
		DispatchLockTTL:  cfg.DispatchLockTTL,
		TeardownDeadline: cfg.TeardownDeadline,
		WorkRoot:         cfg.StateDir,
		OnDone: func(job *model.Job) {
			if _, err := manifests.WriteJobManifest(job); err != nil {
				logger := log.WithComponent("manifest")
				logger.Error().Err(err).
					Str("job_id", job.ID).Msg("manifest write failed")
			}
		},
	})

	hub := events.NewHub(st, cfg.EventPollInterval, cfg.EventSendDeadline)
	uploads := upload.NewManager(st, enforcer, cfg.InputDir, cfg.UploadChunkBytes, cfg.UploadSessionTTL)
	signer := auth.NewTokenSigner(cfg.SecretKey)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Users:     users,
		Resolver:  &auth.Resolver{Users: users, Signer: signer, AllowLegacyToken: cfg.AllowLegacyToken},
		Signer:    signer,
		Uploads:   uploads,
		Backend:   backend,
		Policy:    pol,
		Quota:     enforcer,
		Jobs:      sched,
		Hub:       hub,
		Voices:    voices.NewStore(cfg.VoicesDir),
		Manifests: manifests,
		Audit:     auditLog,
	})

	return &App{
		cfg:       cfg,
		store:     st,
		users:     users,
		backend:   backend,
		sched:     sched,
		hub:       hub,
		uploads:   uploads,
		manifests: manifests,
		server:    server,
		logger:    logger,
	}, nil
}

// bootstrapAdmin creates the initial admin account on an empty identity
// store. The password comes from INITIAL_ADMIN_PASSWORD or is generated and
// logged exactly once.
func bootstrapAdmin(users *identity.Store, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("daemon: count users: %w", err)
	}
	if n > 0 {
		return nil
	}

	password := envInitialAdminPassword()
	generated := password == ""
	if generated {
		raw := make([]byte, 16)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("daemon: generate admin password: %w", err)
		}
		password = hex.EncodeToString(raw)
	}

	u, err := users.CreateUser(ctx, "admin", password, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("daemon: bootstrap admin: %w", err)
	}
	ev := logger.Info().Str("user_id", u.ID).Str("username", u.Username)
	if generated {
		ev = ev.Str("password", password)
	}
	ev.Msg("bootstrapped initial admin account")
	return nil
}
