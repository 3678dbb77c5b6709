// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security-sensitive
// operations. It follows the WHO/WHAT/WHEN pattern for compliance and
// forensics.
package audit

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Authentication events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"
	EventCSRFReject  EventType = "auth.csrf.reject"

	// Policy decisions
	EventSubmissionAccept EventType = "policy.submission.accept"
	EventSubmissionReject EventType = "policy.submission.reject"
	EventDispatchAllow    EventType = "policy.dispatch.allow"
	EventDispatchDefer    EventType = "policy.dispatch.defer"

	// Quota enforcement
	EventQuotaReject EventType = "quota.reject"

	// Queue behavior
	EventBackpressureDegrade EventType = "queue.backpressure.degrade"
	EventBackpressureDelay   EventType = "queue.backpressure.delay"

	// Job lifecycle (admin-relevant actions only)
	EventJobCancel     EventType = "job.cancel"
	EventJobKill       EventType = "job.kill"
	EventJobRequeue    EventType = "job.requeue"
	EventJobReprioritz EventType = "job.reprioritize"

	// Admin mutations
	EventQuotaOverride EventType = "admin.quota.override"

	// API access
	EventAPIRateLimit EventType = "api.ratelimit"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`             // WHO: user id, api key prefix, or "system"
	Action     string            `json:"action"`            // WHAT: human-readable action
	Resource   string            `json:"resource"`          // affected resource (job id, endpoint, user id)
	Result     string            `json:"result"`            // success, failure, denied, deferred
	RemoteAddr string            `json:"remote_addr"`       // client IP
	RequestID  string            `json:"request_id"`        // correlation ID
	Details    map[string]string `json:"details,omitempty"` // additional context, pre-scrubbed
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()
	return &Logger{logger: auditLogger}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// AuthSuccess logs a successful authentication.
func (l *Logger) AuthSuccess(actor, remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthSuccess,
		Actor:      actor,
		Action:     "authenticated successfully",
		Resource:   endpoint,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// AuthFailure logs a failed authentication attempt.
func (l *Logger) AuthFailure(remoteAddr, endpoint, reason string) {
	l.Log(Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication failed",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details:    map[string]string{"reason": reason},
	})
}

// AuthMissing logs a request that carried no credential at all.
func (l *Logger) AuthMissing(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// CSRFReject logs a state-changing cookie request missing the CSRF token.
func (l *Logger) CSRFReject(actor, remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventCSRFReject,
		Actor:      actor,
		Action:     "csrf token missing or mismatched",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// SubmissionDecision logs the outcome of a submission-time policy check.
func (l *Logger) SubmissionDecision(actor, jobID string, accepted bool, reasons []string) {
	typ, result := EventSubmissionAccept, "success"
	if !accepted {
		typ, result = EventSubmissionReject, "denied"
	}
	l.Log(Event{
		Type:     typ,
		Actor:    actor,
		Action:   "evaluated job submission",
		Resource: jobID,
		Result:   result,
		Details:  map[string]string{"reasons": joinReasons(reasons)},
	})
}

// DispatchDecision logs the outcome of a dispatch-time policy check.
func (l *Logger) DispatchDecision(actor, jobID string, dispatched bool, reasons []string, retryAfter time.Duration) {
	typ, result := EventDispatchAllow, "success"
	details := map[string]string{"reasons": joinReasons(reasons)}
	if !dispatched {
		typ, result = EventDispatchDefer, "deferred"
		details["retry_after_s"] = strconv.FormatInt(int64(retryAfter/time.Second), 10)
	}
	l.Log(Event{
		Type:     typ,
		Actor:    actor,
		Action:   "evaluated job dispatch",
		Resource: jobID,
		Result:   result,
		Details:  details,
	})
}

// QuotaReject logs a quota enforcement rejection.
func (l *Logger) QuotaReject(actor, action, reason string, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	details["reason"] = reason
	l.Log(Event{
		Type:     EventQuotaReject,
		Actor:    actor,
		Action:   action,
		Resource: "quota",
		Result:   "denied",
		Details:  details,
	})
}

// BackpressureDegrade logs a mode degradation caused by queue depth.
func (l *Logger) BackpressureDegrade(jobID, fromMode, toMode string, qlen int) {
	l.Log(Event{
		Type:     EventBackpressureDegrade,
		Actor:    "system",
		Action:   "backpressure_degrade",
		Resource: jobID,
		Result:   "success",
		Details: map[string]string{
			"from_mode": fromMode,
			"to_mode":   toMode,
			"qlen":      strconv.Itoa(qlen),
		},
	})
}

// BackpressureDelay logs a dispatch delay caused by queue depth.
func (l *Logger) BackpressureDelay(jobID string, delay time.Duration, qlen int) {
	l.Log(Event{
		Type:     EventBackpressureDelay,
		Actor:    "system",
		Action:   "backpressure_delay",
		Resource: jobID,
		Result:   "deferred",
		Details: map[string]string{
			"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
			"qlen":     strconv.Itoa(qlen),
		},
	})
}

// JobAction logs an operator or admin job mutation (cancel, kill, requeue,
// reprioritize).
func (l *Logger) JobAction(typ EventType, actor, jobID, result string, details map[string]string) {
	l.Log(Event{
		Type:     typ,
		Actor:    actor,
		Action:   string(typ),
		Resource: jobID,
		Result:   result,
		Details:  details,
	})
}

// QuotaOverride logs an admin quota override.
func (l *Logger) QuotaOverride(actor, userID string) {
	l.Log(Event{
		Type:     EventQuotaOverride,
		Actor:    actor,
		Action:   "overrode user quotas",
		Resource: userID,
		Result:   "success",
	})
}

// RateLimitExceeded logs rate limit violations.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAPIRateLimit,
		Actor:      remoteAddr,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}
