// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/auth"
	"github.com/tommy2202/dubd/internal/config"
	"github.com/tommy2202/dubd/internal/events"
	"github.com/tommy2202/dubd/internal/identity"
	"github.com/tommy2202/dubd/internal/manifest"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/policy"
	"github.com/tommy2202/dubd/internal/queue"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/store"
	"github.com/tommy2202/dubd/internal/upload"
	"github.com/tommy2202/dubd/internal/voices"
)

// fakeJobs stands in for the scheduler. Cancel mimics the queued-job path by
// flipping the stored state.
type fakeJobs struct {
	st       *store.Store
	canceled []string
	killed   []string
}

func (f *fakeJobs) Cancel(ctx context.Context, jobID, actor string) error {
	f.canceled = append(f.canceled, jobID)
	canceled := model.StateCanceled
	_, err := f.st.UpdateJob(ctx, jobID, model.JobPatch{State: &canceled})
	return err
}

func (f *fakeJobs) Kill(ctx context.Context, jobID, actor string) error {
	f.killed = append(f.killed, jobID)
	canceled := model.StateCanceled
	_, err := f.st.UpdateJob(ctx, jobID, model.JobPatch{State: &canceled})
	return err
}

type fixture struct {
	t       *testing.T
	ts      *httptest.Server
	store   *store.Store
	users   *identity.Store
	signer  *auth.TokenSigner
	backend *queue.LocalBackend
	jobs    *fakeJobs
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	users, err := identity.Open(filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = users.Close() })

	cfg := config.Config{
		InputDir:             filepath.Join(dir, "input"),
		OutputDir:            filepath.Join(dir, "output"),
		SecretKey:            []byte("0123456789abcdef0123456789abcdef"),
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      24 * time.Hour,
		SessionCookieMaxAge:  time.Hour,
		LoginWindow:          time.Minute,
		LoginAttemptsPerUser: 100,
		BackpressureQMax:     16,
		UploadChunkBytes:     1 << 20,
		UploadSessionTTL:     time.Hour,
	}
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o755))

	auditLog := audit.NewLogger()
	defaults := model.Quota{
		MaxUploadBytes:    1 << 30,
		MaxStorageBytes:   1 << 30,
		JobsPerDay:        100,
		MaxConcurrentJobs: 2,
		MaxQueuedJobs:     10,
	}
	enforcer := quota.New(st, auditLog, defaults)
	signer := auth.NewTokenSigner(cfg.SecretKey)
	backend := queue.NewLocal(st)
	jobs := &fakeJobs{st: st}

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     st,
		Users:     users,
		Resolver:  &auth.Resolver{Users: users, Signer: signer},
		Signer:    signer,
		Uploads:   upload.NewManager(st, enforcer, cfg.InputDir, cfg.UploadChunkBytes, cfg.UploadSessionTTL),
		Backend:   backend,
		Policy:    &policy.Engine{Audit: auditLog, GPUAvailable: false, HighModeAdminOnly: true, MaxHighRunning: 1},
		Quota:     enforcer,
		Jobs:      jobs,
		Hub:       events.NewHub(st, 10*time.Millisecond, time.Second),
		Voices:    voices.NewStore(filepath.Join(dir, "voices")),
		Manifests: manifest.NewRegistry(cfg.OutputDir),
		Audit:     auditLog,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{t: t, ts: ts, store: st, users: users, signer: signer, backend: backend, jobs: jobs, dir: dir}
}

func (f *fixture) createUser(username string, role model.Role) *model.User {
	f.t.Helper()
	u, err := f.users.CreateUser(context.Background(), username, "correct horse battery", role)
	require.NoError(f.t, err)
	return u
}

func (f *fixture) bearerFor(u *model.User) string {
	f.t.Helper()
	tok, err := f.signer.SignAccess(u.ID, auth.ScopesForRole(u.Role), time.Minute)
	require.NoError(f.t, err)
	return tok
}

// do issues a request with an optional bearer token and JSON body, decoding
// the JSON response into out when non-nil.
func (f *fixture) do(method, path, bearer string, body, out any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(f.t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *fixture) videoFile(name string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte("not really a video"), 0o644))
	return path
}

func (f *fixture) submitJob(bearer, videoPath string, extra map[string]any) map[string]any {
	f.t.Helper()
	body := map[string]any{
		"video_path":   videoPath,
		"tgt_lang":     "de",
		"series_title": "My Show",
	}
	for k, v := range extra {
		body[k] = v
	}
	var resp struct {
		Job map[string]any `json:"job"`
	}
	r := f.do(http.MethodPost, "/jobs", bearer, body, &resp)
	require.Equal(f.t, http.StatusAccepted, r.StatusCode)
	return resp.Job
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	resp := f.do(http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnauthenticatedGets401WithErrorShape(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	resp := f.do(http.MethodGet, "/jobs", "", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, body["detail"])
}

func TestLoginSetsCookiesAndReturnsTokens(t *testing.T) {
	f := newFixture(t)
	f.createUser("op", model.RoleOperator)

	var body loginResponse
	resp := f.do(http.MethodPost, "/auth/login", "",
		map[string]string{"username": "op", "password": "correct horse battery"}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.CSRFToken)
	assert.Equal(t, "operator", body.Role)

	names := map[string]bool{}
	for _, c := range resp.Cookies() {
		names[c.Name] = true
	}
	assert.True(t, names[auth.SessionCookie])
	assert.True(t, names[auth.RefreshCookie])
	assert.True(t, names[auth.CSRFCookie])
}

func TestLoginBadPassword(t *testing.T) {
	f := newFixture(t)
	f.createUser("op", model.RoleOperator)
	resp := f.do(http.MethodPost, "/auth/login", "",
		map[string]string{"username": "op", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCookieSessionRequiresCSRFOnWrites(t *testing.T) {
	f := newFixture(t)
	f.createUser("op", model.RoleOperator)

	var login loginResponse
	resp := f.do(http.MethodPost, "/auth/login", "",
		map[string]string{"username": "op", "password": "correct horse battery"}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()

	send := func(csrfHeader string) int {
		body := bytes.NewBufferString(`{"video_path":"/nope","tgt_lang":"de","series_title":"x"}`)
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/jobs", body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		for _, c := range cookies {
			req.AddCookie(c)
		}
		if csrfHeader != "" {
			req.Header.Set(auth.CSRFHeader, csrfHeader)
		}
		r, err := f.ts.Client().Do(req)
		require.NoError(t, err)
		_ = r.Body.Close()
		return r.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, send(""))
	assert.Equal(t, http.StatusForbidden, send("wrong"))
	// Correct header passes CSRF; the bogus path then fails validation.
	assert.Equal(t, http.StatusBadRequest, send(login.CSRFToken))
}

func TestSubmitJobQueuesAndRewritesDevice(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	job := f.submitJob(f.bearerFor(op), f.videoFile("ep1.mkv"), map[string]any{"device": "auto"})

	assert.Equal(t, "QUEUED", job["state"])
	assert.Equal(t, "cpu", job["device"], "no GPU in the fixture")
	assert.Equal(t, "my-show", job["series_slug"])

	n, err := f.backend.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	bearer := f.bearerFor(op)

	var body map[string]any
	resp := f.do(http.MethodPost, "/jobs", bearer,
		map[string]any{"video_path": f.videoFile("a.mkv"), "series_title": "x"}, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_tgt_lang", body["reason"])

	resp = f.do(http.MethodPost, "/jobs", bearer,
		map[string]any{"video_path": f.videoFile("a.mkv"), "tgt_lang": "de", "series_title": "x", "mode": "ultra"}, &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHighModeForbiddenForOperators(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	var body map[string]any
	resp := f.do(http.MethodPost, "/jobs", f.bearerFor(op), map[string]any{
		"video_path": f.videoFile("a.mkv"), "tgt_lang": "de", "series_title": "x", "mode": "high",
	}, &body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestViewerCannotSubmit(t *testing.T) {
	f := newFixture(t)
	viewer := f.createUser("viewer", model.RoleViewer)
	resp := f.do(http.MethodPost, "/jobs", f.bearerFor(viewer),
		map[string]any{"video_path": "/x", "tgt_lang": "de", "series_title": "x"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPrivateJobHiddenFromOthers(t *testing.T) {
	f := newFixture(t)
	owner := f.createUser("owner", model.RoleOperator)
	other := f.createUser("other", model.RoleOperator)

	private := f.submitJob(f.bearerFor(owner), f.videoFile("p.mkv"), nil)
	public := f.submitJob(f.bearerFor(owner), f.videoFile("q.mkv"), map[string]any{"visibility": "public"})

	resp := f.do(http.MethodGet, fmt.Sprintf("/jobs/%s", private["id"]), f.bearerFor(other), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "private job reads as absent")

	resp = f.do(http.MethodGet, fmt.Sprintf("/jobs/%s", public["id"]), f.bearerFor(other), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Jobs []map[string]any `json:"jobs"`
	}
	f.do(http.MethodGet, "/jobs", f.bearerFor(other), nil, &list)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, public["id"], list.Jobs[0]["id"])

	f.do(http.MethodGet, "/jobs", f.bearerFor(owner), nil, &list)
	assert.Len(t, list.Jobs, 2)
}

func TestCancelOwnerAndForbiddenForOthers(t *testing.T) {
	f := newFixture(t)
	owner := f.createUser("owner", model.RoleOperator)
	other := f.createUser("other", model.RoleOperator)

	job := f.submitJob(f.bearerFor(owner), f.videoFile("c.mkv"), map[string]any{"visibility": "public"})
	jobID := job["id"].(string)

	resp := f.do(http.MethodPost, "/jobs/"+jobID+"/cancel", f.bearerFor(other), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var out map[string]any
	resp = f.do(http.MethodPost, "/jobs/"+jobID+"/cancel", f.bearerFor(owner), nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELED", out["state"])
	assert.Equal(t, []string{jobID}, f.jobs.canceled)
}

func TestKillRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	owner := f.createUser("owner", model.RoleOperator)
	admin := f.createUser("root", model.RoleAdmin)

	job := f.submitJob(f.bearerFor(owner), f.videoFile("k.mkv"), nil)
	jobID := job["id"].(string)

	resp := f.do(http.MethodPost, "/jobs/"+jobID+"/kill", f.bearerFor(owner), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(http.MethodPost, "/jobs/"+jobID+"/kill", f.bearerFor(admin), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{jobID}, f.jobs.killed)
}

func TestAdminQueueSnapshot(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	admin := f.createUser("root", model.RoleAdmin)
	f.submitJob(f.bearerFor(op), f.videoFile("s.mkv"), nil)

	var out struct {
		Entries []map[string]any `json:"entries"`
		Queued  int              `json:"queued"`
	}
	resp := f.do(http.MethodGet, "/admin/queue", f.bearerFor(admin), nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Entries, 1)
	assert.Equal(t, 1, out.Queued)
}

func TestAdminQuotaOverride(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	admin := f.createUser("root", model.RoleAdmin)

	var out struct {
		Effective model.Quota `json:"effective"`
	}
	resp := f.do(http.MethodPut, "/admin/users/"+op.ID+"/quotas", f.bearerFor(admin),
		map[string]any{"jobs_per_day": 3}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, out.Effective.JobsPerDay)
	assert.Equal(t, int64(1<<30), out.Effective.MaxUploadBytes, "unset fields keep defaults")

	resp = f.do(http.MethodPut, "/admin/users/"+op.ID+"/quotas", f.bearerFor(op),
		map[string]any{"jobs_per_day": 1000}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDailyCapRejectsWith429(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	admin := f.createUser("root", model.RoleAdmin)

	resp := f.do(http.MethodPut, "/admin/users/"+op.ID+"/quotas", f.bearerFor(admin),
		map[string]any{"jobs_per_day": 1}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.submitJob(f.bearerFor(op), f.videoFile("one.mkv"), nil)

	var body map[string]any
	r := f.do(http.MethodPost, "/jobs", f.bearerFor(op), map[string]any{
		"video_path": f.videoFile("two.mkv"), "tgt_lang": "de", "series_title": "x",
	}, &body)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)
	assert.NotNil(t, body["retry_after_s"])
}

func TestLogTail(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	job := f.submitJob(f.bearerFor(op), f.videoFile("l.mkv"), nil)
	jobID := job["id"].(string)

	logPath := filepath.Join(f.dir, "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("one\ntwo\nthree\n"), 0o644))
	_, err := f.store.UpdateJob(context.Background(), jobID, model.JobPatch{LogPath: &logPath})
	require.NoError(t, err)

	var out struct {
		Lines []string `json:"lines"`
	}
	resp := f.do(http.MethodGet, "/jobs/"+jobID+"/logs/tail?n=2", f.bearerFor(op), nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"two", "three"}, out.Lines)
}

func TestLibraryVisibility(t *testing.T) {
	f := newFixture(t)
	owner := f.createUser("owner", model.RoleOperator)
	viewer := f.createUser("viewer", model.RoleViewer)

	f.submitJob(f.bearerFor(owner), f.videoFile("e1.mkv"),
		map[string]any{"season_number": 1, "episode_number": 1})
	f.submitJob(f.bearerFor(owner), f.videoFile("e2.mkv"),
		map[string]any{"season_number": 1, "episode_number": 2, "visibility": "public"})

	var eps struct {
		Episodes []map[string]any `json:"episodes"`
	}
	resp := f.do(http.MethodGet, "/library/my-show/1/episodes", f.bearerFor(viewer), nil, &eps)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, eps.Episodes, 1)
	assert.EqualValues(t, 2, eps.Episodes[0]["episode_number"])

	resp = f.do(http.MethodGet, "/library/my-show/1/episodes", f.bearerFor(owner), nil, &eps)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, eps.Episodes, 2)
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	f.createUser("op", model.RoleOperator)

	resp := f.do(http.MethodPost, "/auth/login", "",
		map[string]string{"username": "op", "password": "correct horse battery"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == auth.RefreshCookie {
			refresh = c
		}
	}
	require.NotNil(t, refresh)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(refresh)
	r2, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = r2.Body.Close() }()
	require.Equal(t, http.StatusOK, r2.StatusCode)

	// The first token was consumed by rotation.
	req2, err := http.NewRequest(http.MethodPost, f.ts.URL+"/auth/refresh", nil)
	require.NoError(t, err)
	req2.AddCookie(refresh)
	r3, err := f.ts.Client().Do(req2)
	require.NoError(t, err)
	_ = r3.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r3.StatusCode)
}

func TestPresetsCreateApplyAndScope(t *testing.T) {
	f := newFixture(t)
	alice := f.createUser("alice", model.RoleOperator)
	bob := f.createUser("bob", model.RoleOperator)

	var created map[string]any
	resp := f.do(http.MethodPost, "/presets", f.bearerFor(alice),
		map[string]any{"name": "anime weekly", "tgt_lang": "de", "series_title": "My Show", "mode": "low"},
		&created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	presetID, _ := created["id"].(string)
	require.NotEmpty(t, presetID)

	// Submit with only the preset reference and a video; the blanks come
	// from the preset.
	var submitResp struct {
		Job map[string]any `json:"job"`
	}
	resp = f.do(http.MethodPost, "/jobs", f.bearerFor(alice),
		map[string]any{"preset_id": presetID, "video_path": f.videoFile("ep1.mkv")},
		&submitResp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "de", submitResp.Job["tgt_lang"])
	assert.Equal(t, "my-show", submitResp.Job["series_slug"])
	assert.Equal(t, "low", submitResp.Job["mode"])

	// Explicit request values win over the preset.
	var override struct {
		Job map[string]any `json:"job"`
	}
	resp = f.do(http.MethodPost, "/jobs", f.bearerFor(alice),
		map[string]any{"preset_id": presetID, "video_path": f.videoFile("ep2.mkv"), "tgt_lang": "fr"},
		&override)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "fr", override.Job["tgt_lang"])

	// Another user cannot see or use the preset.
	var list struct {
		Presets []map[string]any `json:"presets"`
	}
	resp = f.do(http.MethodGet, "/presets", f.bearerFor(bob), nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list.Presets)

	resp = f.do(http.MethodPost, "/jobs", f.bearerFor(bob),
		map[string]any{"preset_id": presetID, "video_path": f.videoFile("ep3.mkv")}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(http.MethodDelete, "/presets/"+presetID, f.bearerFor(bob), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(http.MethodDelete, "/presets/"+presetID, f.bearerFor(alice), nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRequeueTerminalJob(t *testing.T) {
	f := newFixture(t)
	op := f.createUser("op", model.RoleOperator)
	admin := f.createUser("root", model.RoleAdmin)

	job := f.submitJob(f.bearerFor(op), f.videoFile("ep.mkv"), nil)
	jobID := job["id"].(string)

	resp := f.do(http.MethodPost, "/jobs/"+jobID+"/cancel", f.bearerFor(op), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Only admins reach the requeue endpoint.
	resp = f.do(http.MethodPost, "/jobs/"+jobID+"/requeue", f.bearerFor(op), nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var out struct {
		Job map[string]any `json:"job"`
	}
	resp = f.do(http.MethodPost, "/jobs/"+jobID+"/requeue", f.bearerFor(admin), nil, &out)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "QUEUED", out.Job["state"])
	assert.Empty(t, out.Job["error"])

	stored, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.StateQueued, stored.State)
	assert.Zero(t, stored.Progress)

	// Requeueing a non-terminal job conflicts.
	resp = f.do(http.MethodPost, "/jobs/"+jobID+"/requeue", f.bearerFor(admin), nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
