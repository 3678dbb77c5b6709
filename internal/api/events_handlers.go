// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/events"
	"github.com/tommy2202/dubd/internal/model"
)

const sseHeartbeat = 15 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 10,
	WriteBufferSize: 4 << 10,
	// Cookie auth already ran in requireAuth; same-origin is enforced by the
	// CSRF check on the session, so cross-origin upgrades are acceptable
	// only for bearer-token clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleJobsSSE streams job lifecycle events over Server-Sent Events,
// filtered to what the caller may see.
func (s *Server) handleJobsSSE(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	rc := http.NewResponseController(w)

	sub := s.hub.Subscribe(func(j *model.Job) bool { return s.jobVisible(id, j) })
	defer sub.Close()

	startSSE(w)
	_ = rc.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// handleJobWS streams one job's events over a WebSocket and closes once the
// job reaches a terminal state.
func (s *Server) handleJobWS(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	sub := s.hub.SubscribeJob(job.ID, nil)
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error
	}
	defer func() { _ = conn.Close() }()

	// Discard client frames but notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	// Initial snapshot so the client does not wait for the first change.
	if err := writeWS(conn, events.JobEvent{Type: "job.state", Job: job}); err != nil {
		return
	}
	if job.State.Terminal() {
		sendWSClose(conn)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
			if ev.Job != nil && ev.Job.State.Terminal() {
				sendWSClose(conn)
				return
			}
		}
	}
}

// handleLogStream follows the job log over SSE, polling for appended bytes.
// The stream ends when the job is terminal and the log is drained.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	job, err := s.visibleJob(r, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	path := s.jobLogPath(job)
	if path == "" {
		writeErr(w, r, errdef.NotFound("job has no log"))
		return
	}

	rc := http.NewResponseController(w)
	startSSE(w)
	_ = rc.Flush()

	var offset int64
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	terminalSince := time.Time{}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case <-poll.C:
			chunk, next, err := readFrom(path, offset)
			if err == nil && len(chunk) > 0 {
				offset = next
				if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", jsonString(string(chunk))); err != nil {
					return
				}
				_ = rc.Flush()
				continue
			}
			// No new bytes. Stop once the job has settled and stayed quiet.
			fresh, gerr := s.store.GetJob(r.Context(), job.ID)
			if gerr == nil && fresh.State.Terminal() {
				if terminalSince.IsZero() {
					terminalSince = time.Now()
				} else if time.Since(terminalSince) > 2*time.Second {
					_, _ = fmt.Fprint(w, "event: eof\ndata: {}\n\n")
					_ = rc.Flush()
					return
				}
			}
		}
	}
}

func startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ":connected\n\n")
}

func writeSSEEvent(w io.Writer, ev events.JobEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func writeWS(conn *websocket.Conn, ev events.JobEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(ev)
}

func sendWSClose(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// readFrom returns the bytes appended after offset and the new offset.
func readFrom(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return nil, offset, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	// Cap one poll's payload so a chatty log cannot block the heartbeat.
	chunk, err := io.ReadAll(io.LimitReader(f, 256<<10))
	if err != nil {
		return nil, offset, err
	}
	return chunk, offset + int64(len(chunk)), nil
}

func jsonString(s string) string {
	b, _ := json.Marshal(map[string]string{"chunk": s})
	return string(b)
}
