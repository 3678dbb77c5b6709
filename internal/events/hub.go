// SPDX-License-Identifier: MIT

// Package events turns job-store changes into a fan-out stream for SSE and
// WebSocket subscribers. The hub polls the store and emits one event per
// observed change; slow consumers are dropped, never waited on.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/model"
)

// JobEvent is one observed change to a job.
type JobEvent struct {
	Type string     `json:"type"` // job.updated, job.state
	Job  *model.Job `json:"job"`
}

// Lister is the slice of the store the hub needs.
type Lister interface {
	ListJobs(ctx context.Context, filter model.JobFilter, limit, offset int, order model.JobOrder) ([]*model.Job, error)
}

// Filter decides whether a subscriber may see a job's events.
type Filter func(*model.Job) bool

// Subscription is one consumer of the event stream. C is closed when the
// subscriber is dropped or the hub stops.
type Subscription struct {
	C      <-chan JobEvent
	c      chan JobEvent
	filter Filter
	jobID  string // non-empty restricts to one job
	once   sync.Once
	closed chan struct{}
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub is the poll-and-broadcast core.
type Hub struct {
	lister       Lister
	pollInterval time.Duration
	sendDeadline time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seen map[string]string // job ID -> change key
}

// NewHub builds a hub polling the lister at the given interval.
func NewHub(l Lister, pollInterval, sendDeadline time.Duration) *Hub {
	if pollInterval <= 0 {
		pollInterval = 750 * time.Millisecond
	}
	if sendDeadline <= 0 {
		sendDeadline = 5 * time.Second
	}
	return &Hub{
		lister:       l,
		pollInterval: pollInterval,
		sendDeadline: sendDeadline,
		logger:       log.WithComponent("events"),
		subs:         make(map[*Subscription]struct{}),
		seen:         make(map[string]string),
	}
}

// Subscribe registers a consumer for all jobs passing the filter.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	return h.subscribe(filter, "")
}

// SubscribeJob registers a consumer for a single job's events.
func (h *Hub) SubscribeJob(jobID string, filter Filter) *Subscription {
	return h.subscribe(filter, jobID)
}

func (h *Hub) subscribe(filter Filter, jobID string) *Subscription {
	c := make(chan JobEvent, 16)
	sub := &Subscription{C: c, c: c, filter: filter, jobID: jobID, closed: make(chan struct{})}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Run polls until ctx ends. On return every subscriber channel is closed.
// The first poll replays the current store snapshot; in practice it happens
// at boot, before any subscriber attaches.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.pollInterval)
	defer t.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := h.poll(ctx); err != nil && ctx.Err() == nil {
				h.logger.Error().Err(err).Msg("event poll failed")
			}
		}
	}
}

func (h *Hub) list(ctx context.Context) ([]*model.Job, error) {
	return h.lister.ListJobs(ctx, model.JobFilter{}, 0, 0, model.OrderUpdatedDesc)
}

func (h *Hub) poll(ctx context.Context) error {
	jobs, err := h.list(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		key := changeKey(j)
		prev, known := h.seen[j.ID]
		if known && prev == key {
			continue
		}
		h.seen[j.ID] = key
		typ := "job.updated"
		if !known || stateOf(prev) != string(j.State) {
			typ = "job.state"
		}
		h.broadcast(JobEvent{Type: typ, Job: j})
	}
	return nil
}

// broadcast delivers one event to every matching subscriber. A consumer that
// cannot accept within the send deadline is dropped.
func (h *Hub) broadcast(ev JobEvent) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.jobID != "" && s.jobID != ev.Job.ID {
			continue
		}
		if s.filter != nil && !s.filter(ev.Job) {
			continue
		}
		select {
		case <-s.closed:
			h.drop(s)
			continue
		case s.c <- ev:
			continue
		default:
		}
		// Buffer full; give the consumer one bounded grace period.
		t := time.NewTimer(h.sendDeadline)
		select {
		case s.c <- ev:
			t.Stop()
		case <-s.closed:
			t.Stop()
			h.drop(s)
		case <-t.C:
			h.logger.Warn().Str("job_id", ev.Job.ID).Msg("dropping stalled event subscriber")
			s.Close()
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.c)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.c)
	}
	h.mu.Unlock()
}

// changeKey captures the fields whose change is an event.
func changeKey(j *model.Job) string {
	return fmt.Sprintf("%s:%d:%g:%s", j.State, j.UpdatedAt.UnixMilli(), j.Progress, j.Message)
}

func stateOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
