package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"boardline/internal/app"
	"boardline/internal/config"
	"boardline/internal/domain"
	"boardline/internal/remote"
)

// memRemote is an in-memory planning service.
type memRemote struct {
	mu        sync.Mutex
	projects  map[int64]*domain.Project
	convs     map[int64][]domain.Message
	nextID    int64
	failPatch bool
	timeline  *domain.TimelineUpdate
}

func newMemRemote() *memRemote {
	m := &memRemote{projects: map[int64]*domain.Project{}, convs: map[int64][]domain.Message{}, nextID: 100}
	m.projects[1] = &domain.Project{
		ID: 1, Title: "Launch", Goal: "Ship the beta", Status: domain.ProjectActive,
		Tasks: []domain.Task{
			{ID: 10, Title: "Design", Status: domain.StatusPending, Order: 1},
			{ID: 11, Title: "Build", Status: domain.StatusInProgress, Order: 2},
		},
	}
	return m
}

func (m *memRemote) ListProjects(ctx context.Context) ([]domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Project
	for _, p := range m.projects {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *memRemote) FetchProject(ctx context.Context, id int64) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return domain.Project{}, &remote.APIError{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	return p.Clone(), nil
}

func (m *memRemote) CreateProject(ctx context.Context, in domain.CreateProjectInput) (domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p := &domain.Project{ID: m.nextID, Title: in.Title, Goal: in.Goal, Status: domain.ProjectPlanning}
	m.projects[p.ID] = p
	return p.Clone(), nil
}

func (m *memRemote) DeleteProject(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return &remote.APIError{StatusCode: http.StatusNotFound, Body: "not found"}
	}
	delete(m.projects, id)
	return nil
}

func (m *memRemote) UpdateTaskStatus(ctx context.Context, taskID int64, status domain.TaskStatus) (domain.TaskUpdateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPatch {
		return domain.TaskUpdateResponse{}, &remote.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}
	}
	for _, p := range m.projects {
		for i := range p.Tasks {
			if p.Tasks[i].ID == taskID {
				p.Tasks[i].Status = status
				return domain.TaskUpdateResponse{Task: p.Tasks[i], TimelineUpdate: m.timeline}, nil
			}
		}
	}
	return domain.TaskUpdateResponse{}, &remote.APIError{StatusCode: http.StatusNotFound, Body: "no task"}
}

func (m *memRemote) FetchConversation(ctx context.Context, taskID int64) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CloneMessages(m.convs[taskID]), nil
}

func (m *memRemote) SendMessage(ctx context.Context, taskID int64, content string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.convs[taskID] = append(m.convs[taskID],
		domain.Message{ID: m.nextID, Role: domain.RoleUser, Content: content},
		domain.Message{ID: m.nextID + 1, Role: domain.RoleAssistant, Content: "Start with a sketch."},
	)
	m.nextID++
	return domain.CloneMessages(m.convs[taskID]), nil
}

func (m *memRemote) ClearConversation(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, taskID)
	return nil
}

func (m *memRemote) setTimeline(u *domain.TimelineUpdate) {
	m.mu.Lock()
	m.timeline = u
	m.mu.Unlock()
}

func (m *memRemote) setFailPatch(fail bool) {
	m.mu.Lock()
	m.failPatch = fail
	m.mu.Unlock()
}

type testServer struct {
	URL    string
	app    *app.App
	remote *memRemote
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	rem := newMemRemote()
	a, err := app.New(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Logger:    quietLogger(),
		Remote:    rem,
	})
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{
		App:      a,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: quietLogger()},
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		app:    a,
		remote: rem,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func loadBoard(t *testing.T, srv *testServer) BoardResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load board: %d %s", res.StatusCode, data)
	}
	var b BoardResponse
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	return b
}

func columnOf(b BoardResponse, taskID int64) domain.TaskStatus {
	for _, col := range b.Columns {
		for _, task := range col.Tasks {
			if task.ID == taskID {
				return col.Status
			}
		}
	}
	return ""
}

func TestBoardRequiresLoad(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/board", nil, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "board_not_loaded" {
		t.Fatalf("expected board_not_loaded, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/99", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d %s", res.StatusCode, data)
	}
}

func TestDropMovesTaskAndJournals(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	b := loadBoard(t, srv)
	if len(b.Columns) != 4 || columnOf(b, 10) != domain.StatusPending {
		t.Fatalf("unexpected board %+v", b)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/drops", map[string]any{
		"task_id": 10,
		"target":  map[string]any{"kind": "task", "task_id": 11},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("drop: %d %s", res.StatusCode, data)
	}
	var drop DropResponse
	if err := json.Unmarshal(data, &drop); err != nil {
		t.Fatalf("decode drop: %v", err)
	}
	if drop.Result.Noop || drop.Result.To != domain.StatusInProgress || columnOf(drop.Board, 10) != domain.StatusInProgress {
		t.Fatalf("unexpected drop response %+v", drop)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=task.moved", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].EntityID != 10 || page.Items[0].Payload["new_status"] != "in_progress" {
		t.Fatalf("unexpected journal %+v", page.Items)
	}
}

func TestDropWithTimelineReturnsNotice(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	loadBoard(t, srv)
	srv.remote.setTimeline(&domain.TimelineUpdate{NewDeadline: "2025-03-01", RemainingDays: 4, Reasoning: "Ahead of plan."})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/drops", map[string]any{
		"task_id": 10,
		"target":  map[string]any{"kind": "column", "status": "completed"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("drop: %d %s", res.StatusCode, data)
	}
	var drop DropResponse
	_ = json.Unmarshal(data, &drop)
	if !strings.Contains(drop.Notice, "New deadline: 2025-03-01") {
		t.Fatalf("expected timeline notice, got %q", drop.Notice)
	}
}

func TestFailedDropReportsAndReverts(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	loadBoard(t, srv)
	srv.remote.setFailPatch(true)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/drops", map[string]any{
		"task_id": 10,
		"target":  map[string]any{"kind": "column", "status": "blocked"},
	}, nil)
	if res.StatusCode != http.StatusBadGateway || errorCode(t, data) != "status_update_failed" {
		t.Fatalf("expected status_update_failed, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/board", nil, nil)
	var b BoardResponse
	_ = json.Unmarshal(data, &b)
	if res.StatusCode != http.StatusOK || columnOf(b, 10) != domain.StatusPending {
		t.Fatalf("board should be back to pending: %s", data)
	}
}

func TestAssistantLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	loadBoard(t, srv)
	client := srv.Client()
	base := srv.URL + "/v0/tasks/10/assistant"

	res, data := doJSON(t, client, http.MethodPost, base, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open: %d %s", res.StatusCode, data)
	}
	var sess SessionResponse
	_ = json.Unmarshal(data, &sess)
	if len(sess.Messages) != 2 || !strings.Contains(sess.Messages[0].Content, "Design") {
		t.Fatalf("open should seed with the task title: %+v", sess)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"content": "   "}, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "empty_message" {
		t.Fatalf("expected empty_message, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/messages", map[string]any{"content": "What tools?"}, nil)
	_ = json.Unmarshal(data, &sess)
	if res.StatusCode != http.StatusOK || len(sess.Messages) != 4 {
		t.Fatalf("send: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodDelete, base, nil, nil)
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "confirmation_required" {
		t.Fatalf("clear without confirm: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, base+"?confirm=true", nil, nil)
	_ = json.Unmarshal(data, &sess)
	if res.StatusCode != http.StatusOK || len(sess.Messages) != 2 || sess.Sending {
		t.Fatalf("clear should reseed: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/999/assistant", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: %d %s", res.StatusCode, data)
	}
}

func TestSwitchingProjectsDropsSessions(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	loadBoard(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/10/assistant", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open: %d %s", res.StatusCode, data)
	}
	if _, ok := srv.app.Assistant.Lookup(10); !ok {
		t.Fatalf("expected a session for task 10")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/board/1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reload same project: %d %s", res.StatusCode, data)
	}
	if _, ok := srv.app.Assistant.Lookup(10); !ok {
		t.Fatalf("reloading the same project must keep sessions")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"title": "Budget"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/board/%d", srv.URL, p.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("load other project: %d %s", res.StatusCode, data)
	}
	if _, ok := srv.app.Assistant.Lookup(10); ok {
		t.Fatalf("switching projects should drop the old sessions")
	}
}

func TestProjectsCRUD(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"title": "New", "goal": "Grow"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var p domain.Project
	_ = json.Unmarshal(data, &p)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	var list []domain.Project
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list) != 2 {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/%d", srv.URL, p.ID), nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/projects/%d", srv.URL, p.ID), nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", res.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *config.Config) { c.Server.JWTSecret = "local-secret" })
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should be rejected, got %d", res.StatusCode)
	}
	token, err := remote.NewTokenSource("local-secret", "dash-user").Token()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", res.StatusCode, data)
	}
}

func TestAuthMiddlewarePassesSubject(t *testing.T) {
	var got Principal
	var seen bool
	mw := newAuthMiddleware("/v0", AuthConfig{JWTSecret: "local-secret", Logger: quietLogger()})
	h := newAccessLog(quietLogger())(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, seen = principalFromContext(r.Context())
	})))
	token, err := remote.NewTokenSource("local-secret", "dash-user").Token()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v0/board", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !seen || got.Subject != "dash-user" {
		t.Fatalf("expected principal dash-user, got %+v (seen=%v)", got, seen)
	}
}

func TestHealthReportsJournalSchema(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
	var h HealthResponse
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "ok" || h.JournalSchema != 2 {
		t.Fatalf("unexpected health %+v", h)
	}

	off, cleanupOff := newTestServer(t, func(c *config.Config) { c.Journal.Disabled = true })
	defer cleanupOff()
	res, data = doJSON(t, off.Client(), http.MethodGet, off.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || strings.Contains(string(data), "journal_schema") {
		t.Fatalf("journal disabled should omit schema: %d %s", res.StatusCode, data)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	var wg sync.WaitGroup
	bodies := make([][]byte, 6)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, b := range bodies {
		if len(b) == 0 || !bytes.Equal(b, bodies[0]) {
			t.Fatalf("document %d differs or is empty (%d bytes)", i, len(b))
		}
	}
	if !strings.Contains(string(bodies[0]), "/v0/board/drops") {
		t.Fatalf("openapi missing drop route")
	}
}

func TestWebhookDispatcherForwardsNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	// History before the hook is first seen is not replayed.
	loadBoard(t, srv)

	var mu sync.Mutex
	var got []webhookEvent
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Boardline-Delivery") != evt.DeliveryID {
			http.Error(w, "delivery mismatch", http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hookSrv.Close()

	d := NewWebhookDispatcher(srv.app.Repo, []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{"task.moved"}}}, quietLogger())
	ctx := context.Background()
	d.DispatchAll(ctx)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/board/drops", map[string]any{
		"task_id": 11,
		"target":  map[string]any{"kind": "column", "status": "completed"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("drop: %d %s", res.StatusCode, data)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "task.moved" || got[0].EntityID != 11 {
		t.Fatalf("expected exactly one forwarded task.moved, got %+v", got)
	}
	cursor, err := srv.app.Repo.WebhookCursor(ctx, hookSrv.URL)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	latest, _ := srv.app.Repo.LatestEventID(ctx)
	if cursor != latest {
		t.Fatalf("cursor %d should reach latest %d", cursor, latest)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{&remote.APIError{StatusCode: http.StatusTeapot}, "upstream_error"},
		{fmt.Errorf("wrap: %w", &remote.APIError{StatusCode: http.StatusNotFound}), "not_found"},
		{app.ErrTaskNotFound, "not_found"},
		{errors.New("disk on fire"), "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		ae, ok := se.(*apiError)
		if !ok || ae.Body.Code != tc.code {
			t.Errorf("%v: expected %s, got %+v", tc.err, tc.code, se)
		}
	}
}
