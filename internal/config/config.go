// SPDX-License-Identifier: MIT

// Package config loads the daemon's runtime configuration from the
// environment. The env-var surface is the deployment contract; everything
// else derives defaults from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RemoteAccessMode controls how the daemon may be exposed beyond localhost.
type RemoteAccessMode string

const (
	RemoteAccessOff     RemoteAccessMode = "off"
	RemoteAccessPrivate RemoteAccessMode = "private"
	RemoteAccessProxied RemoteAccessMode = "proxied"
)

// Config is the validated runtime configuration.
type Config struct {
	// Directories
	OutputDir string
	InputDir  string
	LogDir    string
	StateDir  string

	// HTTP
	Host             string
	Port             int
	RemoteAccessMode RemoteAccessMode
	CookieSecure     bool

	// Auth
	SecretKey            []byte // HMAC key for access/refresh tokens
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	SessionCookieMaxAge  time.Duration
	AllowLegacyToken     bool
	LoginWindow          time.Duration
	LoginAttemptsPerUser int

	// Quotas (global defaults; per-user rows override)
	MaxUploadBytes             int64
	MaxStorageBytesPerUser     int64
	JobsPerDayPerUser          int
	MaxConcurrentJobsPerUser   int
	MaxQueuedJobsPerUser       int
	MaxProcessingMinutesPerDay int // 0 disables the cap

	// Scheduling
	MaxConcurrencyGlobal     int
	MaxConcurrencyAudio      int
	MaxConcurrencyTranscribe int
	MaxConcurrencyTTS        int
	MaxConcurrencyMux        int
	MaxHighRunningGlobal     int
	HighModeAdminOnly        bool
	BackpressureQMax         int
	DispatchLockTTL          time.Duration
	TeardownDeadline         time.Duration

	// Queue backend
	RedisAddr     string // empty selects the local backend
	RedisPassword string
	RedisDB       int

	// Uploads
	UploadChunkBytes int64
	UploadSessionTTL time.Duration

	// Events
	EventPollInterval time.Duration
	EventSendDeadline time.Duration

	// Runner capabilities
	GPUAvailable bool

	// StageWorkerCmd is the external command handling the ML stages
	// (separate, transcribe, translate, synthesize, mix). Empty leaves those
	// stages unavailable; media stages still run on the local toolchain.
	StageWorkerCmd []string

	// VoicesDir is the root of the per-series voice reference store.
	VoicesDir string
}

// FromEnv builds a Config from the process environment, applying defaults
// and validating the result.
func FromEnv() (Config, error) {
	cfg := Config{
		OutputDir:        envStr("OUTPUT_DIR", "./data/output"),
		InputDir:         envStr("INPUT_DIR", "./data/input"),
		LogDir:           envStr("LOG_DIR", "./data/logs"),
		StateDir:         envStr("STATE_DIR", "./data/state"),
		Host:             envStr("HOST", "127.0.0.1"),
		Port:             envInt("PORT", 8090),
		RemoteAccessMode: RemoteAccessMode(envStr("REMOTE_ACCESS_MODE", string(RemoteAccessOff))),
		CookieSecure:     envBool("COOKIE_SECURE", false),

		AccessTokenTTL:       envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:      envDuration("REFRESH_TOKEN_TTL", 14*24*time.Hour),
		SessionCookieMaxAge:  envDuration("SESSION_COOKIE_MAX_AGE", 12*time.Hour),
		AllowLegacyToken:     envBool("ALLOW_LEGACY_TOKEN_LOGIN", false),
		LoginWindow:          envDuration("LOGIN_RATE_WINDOW", time.Minute),
		LoginAttemptsPerUser: envInt("LOGIN_RATE_LIMIT", 10),

		MaxUploadBytes:             envBytes("MAX_UPLOAD_BYTES", 8<<30),
		MaxStorageBytesPerUser:     envBytes("MAX_STORAGE_BYTES_PER_USER", 64<<30),
		JobsPerDayPerUser:          envInt("JOBS_PER_DAY_PER_USER", 24),
		MaxConcurrentJobsPerUser:   envInt("MAX_CONCURRENT_JOBS_PER_USER", 2),
		MaxQueuedJobsPerUser:       envInt("MAX_QUEUED_JOBS_PER_USER", 10),
		MaxProcessingMinutesPerDay: envInt("MAX_PROCESSING_MINUTES_PER_DAY", 0),

		MaxConcurrencyGlobal:     envInt("MAX_CONCURRENCY_GLOBAL", 2),
		MaxConcurrencyAudio:      envInt("MAX_CONCURRENCY_AUDIO", 2),
		MaxConcurrencyTranscribe: envInt("MAX_CONCURRENCY_TRANSCRIBE", 1),
		MaxConcurrencyTTS:        envInt("MAX_CONCURRENCY_TTS", 1),
		MaxConcurrencyMux:        envInt("MAX_CONCURRENCY_MUX", 2),
		MaxHighRunningGlobal:     envInt("MAX_HIGH_RUNNING_GLOBAL", 1),
		HighModeAdminOnly:        envBool("HIGH_MODE_ADMIN_ONLY", false),
		BackpressureQMax:         envInt("BACKPRESSURE_Q_MAX", 16),
		DispatchLockTTL:          envDuration("DISPATCH_LOCK_TTL", 10*time.Second),
		TeardownDeadline:         envDuration("CANCEL_TEARDOWN_DEADLINE", 20*time.Second),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		UploadChunkBytes: envBytes("UPLOAD_CHUNK_BYTES", 1<<20),
		UploadSessionTTL: envDuration("UPLOAD_SESSION_TTL", 24*time.Hour),

		EventPollInterval: envDuration("EVENT_POLL_INTERVAL", 750*time.Millisecond),
		EventSendDeadline: envDuration("EVENT_SEND_DEADLINE", 5*time.Second),

		GPUAvailable:   envBool("GPU_AVAILABLE", false),
		StageWorkerCmd: strings.Fields(envStr("STAGE_WORKER_CMD", "")),
		VoicesDir:      envStr("VOICES_DIR", "./data/voices"),
	}

	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		cfg.SecretKey = []byte(secret)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.RemoteAccessMode {
	case RemoteAccessOff, RemoteAccessPrivate, RemoteAccessProxied:
	default:
		return fmt.Errorf("config: invalid REMOTE_ACCESS_MODE %q", c.RemoteAccessMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if len(c.SecretKey) > 0 && len(c.SecretKey) < 32 {
		return fmt.Errorf("config: SECRET_KEY must be at least 32 bytes")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive")
	}
	if c.UploadChunkBytes < 256<<10 || c.UploadChunkBytes > 4<<20 {
		return fmt.Errorf("config: UPLOAD_CHUNK_BYTES must be within 256KiB..4MiB")
	}
	if c.MaxConcurrencyGlobal < 1 {
		return fmt.Errorf("config: MAX_CONCURRENCY_GLOBAL must be at least 1")
	}
	if c.BackpressureQMax < 1 {
		return fmt.Errorf("config: BACKPRESSURE_Q_MAX must be at least 1")
	}
	for _, dir := range []string{c.OutputDir, c.InputDir, c.LogDir, c.StateDir} {
		if dir == "" {
			return fmt.Errorf("config: data directories must not be empty")
		}
	}
	return nil
}

// EnsureDirs creates the configured data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.OutputDir, c.InputDir, c.LogDir, c.StateDir, c.VoicesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// JobsDBPath returns the path of the structured-state database.
func (c *Config) JobsDBPath() string { return filepath.Join(c.StateDir, "jobs.db") }

// AuthDBPath returns the path of the identity database.
func (c *Config) AuthDBPath() string { return filepath.Join(c.StateDir, "auth.db") }

// Addr returns the host:port listen address.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	case "0", "false", "FALSE", "False", "no", "off":
		return false
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// envBytes accepts a plain byte count; suffixed forms ("512M", "8G") are
// accepted for operator convenience.
func envBytes(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	mult := int64(1)
	last := v[len(v)-1]
	switch last {
	case 'k', 'K':
		mult = 1 << 10
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1 << 20
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1 << 30
		v = v[:len(v)-1]
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		return n * mult
	}
	return def
}
