package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/notify"
	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/ticket"
	"github.com/Dicklesworthstone/stm/internal/ttyd"
	"github.com/Dicklesworthstone/stm/internal/waiting"
)

type fakeSessionOps struct {
	mu      sync.Mutex
	rows    map[string]*store.Session
	inputs  []string
	stopped []string
	failure error
}

func (f *fakeSessionOps) StartAdhocSession(projectID string, opts session.StartOptions) (*store.Session, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	s := &store.Session{
		ID: "new-adhoc", ProjectID: projectID, Type: store.SessionTypeAdhoc,
		Status: store.SessionRunning, PaneID: "%9", StartedAt: time.Now(),
	}
	f.mu.Lock()
	f.rows[s.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSessionOps) StartTicketSession(ticketID string, opts session.StartOptions) (*store.Session, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	s := &store.Session{
		ID: "new-ticket", ProjectID: "p1", TicketID: ticketID, Type: store.SessionTypeTicket,
		Status: store.SessionRunning, PaneID: "%10", StartedAt: time.Now(),
	}
	f.mu.Lock()
	f.rows[s.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSessionOps) StopSession(id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return session.ErrSessionNotFound
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSessionOps) SendInput(id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return session.ErrSessionNotFound
	}
	f.inputs = append(f.inputs, id+":"+text)
	return nil
}

func (f *fakeSessionOps) SendKeys(id string, keys []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return session.ErrSessionNotFound
	}
	return nil
}

func (f *fakeSessionOps) GetSession(id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessionOps) ListSessions(projectID string, limit int) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, s := range f.rows {
		if s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionOps) GetSessionOutput(id string, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return nil, session.ErrSessionNotFound
	}
	return []string{"out"}, nil
}

func (f *fakeSessionOps) SyncSessions(projectID string) error { return nil }

type fakeReviews struct {
	mu         sync.Mutex
	inProgress bool
	triggered  []string
	cancelled  []string
}

func (f *fakeReviews) ReviewSession(sessionID, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, sessionID+":"+trigger)
	return nil
}

func (f *fakeReviews) Cancel(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return f.inProgress
}

func (f *fakeReviews) InProgress(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress
}

type fakeHandoffs struct {
	mu         sync.Mutex
	inProgress bool
	runs       []string
}

func (f *fakeHandoffs) Run(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, sessionID)
	return nil
}

func (f *fakeHandoffs) Cancel(sessionID string) bool { return f.inProgress }

func (f *fakeHandoffs) InProgress(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inProgress
}

type fakeHooks struct {
	mu       sync.Mutex
	payloads []waiting.HookPayload
}

func (f *fakeHooks) HandleHookEvent(payload waiting.HookPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
}

type fakeTerminals struct {
	err  error
	port int
}

func (f *fakeTerminals) StartTerminal(sessionID, tmuxSession, paneID string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.port, nil
}
func (f *fakeTerminals) StopTerminal(sessionID string) error { return f.err }
func (f *fakeTerminals) IsAvailable() bool                   { return f.err == nil }

type fixture struct {
	server   *Server
	store    *store.Store
	sessions *fakeSessionOps
	reviews  *fakeReviews
	handoffs *fakeHandoffs
	hooks    *fakeHooks
	ticketID string
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}

	err = st.CreateProject(&store.Project{
		ID: "p1", Name: "demo", RepoPath: "/repo", TmuxSession: "demo",
	})
	if err != nil {
		t.Fatal(err)
	}
	err = st.CreateTicket(&store.Ticket{
		ID: "t1", ProjectID: "p1", ExternalID: "CSM-001", Title: "wire the parser",
		State: store.TicketReview,
	})
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(64)
	sessions := &fakeSessionOps{rows: map[string]*store.Session{
		"s1": {
			ID: "s1", ProjectID: "p1", TicketID: "t1", Type: store.SessionTypeTicket,
			Status: store.SessionRunning, PaneID: "%1", StartedAt: time.Now(),
		},
	}}
	reviews := &fakeReviews{}
	handoffs := &fakeHandoffs{}
	hooks := &fakeHooks{}

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 4410, APIKey: apiKey}, Deps{
		Store:     st,
		Sessions:  sessions,
		Tickets:   ticket.NewMachine(st, bus),
		Reviews:   reviews,
		Handoffs:  handoffs,
		Hooks:     hooks,
		Terminals: &fakeTerminals{port: 7682},
		Notify:    notify.NewService(st, bus),
	})
	return &fixture{
		server: srv, store: st, sessions: sessions,
		reviews: reviews, handoffs: handoffs, hooks: hooks, ticketID: "t1",
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:50000"
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeResp[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHookIngress(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/hooks/claude", map[string]string{
		"event": "Stop", "session_id": "s1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if len(f.hooks.payloads) != 1 || f.hooks.payloads[0].Event != "Stop" {
		t.Errorf("payloads = %+v", f.hooks.payloads)
	}

	w = f.do(t, http.MethodPost, "/api/hooks/claude", map[string]string{"cwd": "/x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing event status = %d", w.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/projects", map[string]string{
		"name": "api", "repoPath": "/srv/api", "tmuxSession": "api",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body)
	}
	created := decodeResp[projectView](t, w)
	if created.ID == "" || created.Name != "api" {
		t.Errorf("created = %+v", created)
	}

	w = f.do(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/projects", nil)
	if got := decodeResp[[]projectView](t, w); len(got) != 2 {
		t.Errorf("list = %d projects", len(got))
	}

	w = f.do(t, http.MethodGet, "/api/projects/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown project status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("incomplete project status = %d", w.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/projects/p1/sessions", map[string]string{"prompt": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d body = %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodGet, "/api/sessions/s1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/sessions/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/sessions/s1/input", map[string]string{"text": "ls"})
	if w.Code != http.StatusNoContent {
		t.Errorf("input status = %d", w.Code)
	}
	if len(f.sessions.inputs) != 1 || f.sessions.inputs[0] != "s1:ls" {
		t.Errorf("inputs = %v", f.sessions.inputs)
	}

	w = f.do(t, http.MethodGet, "/api/sessions/s1/output?lines=10", nil)
	if w.Code != http.StatusOK {
		t.Errorf("output status = %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("stop status = %d", w.Code)
	}
	if len(f.sessions.stopped) != 1 {
		t.Errorf("stopped = %v", f.sessions.stopped)
	}
}

func TestStartSessionErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", session.ErrAlreadyRunning, http.StatusConflict},
		{"unknown project", session.ErrProjectNotFound, http.StatusNotFound},
		{"mux gone", session.ErrNotRunning, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.sessions.failure = tt.err
			w := f.do(t, http.MethodPost, "/api/projects/p1/sessions", map[string]string{})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			resp := decodeResp[errorResponse](t, w)
			if resp.Code == "" {
				t.Error("error envelope missing code")
			}
		})
	}
}

func TestTicketRoutes(t *testing.T) {
	f := newFixture(t, "")

	// Reject without feedback is a precondition failure.
	w := f.do(t, http.MethodPost, "/api/tickets/t1/reject", map[string]string{"by": "dev"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("reject without feedback status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/tickets/t1/reject", map[string]string{
		"feedback": "tests missing", "by": "dev",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("reject status = %d body = %s", w.Code, w.Body)
	}
	rejected := decodeResp[ticketView](t, w)
	if rejected.State != store.TicketInProgress {
		t.Errorf("state = %s", rejected.State)
	}

	// in_progress -> done is not in the transition table.
	w = f.do(t, http.MethodPost, "/api/tickets/t1/approve", map[string]string{"by": "dev"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid approve status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/tickets/t1/transition", map[string]string{
		"toState": store.TicketReview, "reason": "completion_detected",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transition status = %d body = %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodPost, "/api/tickets/t1/approve", map[string]string{"by": "dev"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d body = %s", w.Code, w.Body)
	}

	w = f.do(t, http.MethodGet, "/api/tickets/t1/history", nil)
	if got := decodeResp[[]historyView](t, w); len(got) != 3 {
		t.Errorf("history rows = %d, want 3", len(got))
	}

	w = f.do(t, http.MethodPost, "/api/tickets/ghost/approve", map[string]string{"by": "dev"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown ticket status = %d", w.Code)
	}
}

func TestCreateAndListTickets(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/projects/p1/tickets", map[string]any{
		"externalId": "CSM-002", "title": "add retries",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body)
	}
	created := decodeResp[ticketView](t, w)
	if created.State != store.TicketBacklog {
		t.Errorf("state = %s", created.State)
	}

	w = f.do(t, http.MethodGet, "/api/projects/p1/tickets", nil)
	if got := decodeResp[[]ticketView](t, w); len(got) != 2 {
		t.Errorf("tickets = %d", len(got))
	}

	w = f.do(t, http.MethodPost, "/api/projects/p1/tickets", map[string]any{"externalId": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing title status = %d", w.Code)
	}
}

func TestReviewTrigger(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/sessions/s1/review", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d body = %s", w.Code, w.Body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.reviews.mu.Lock()
		n := len(f.reviews.triggered)
		f.reviews.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("review never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.reviews.inProgress = true
	w = f.do(t, http.MethodPost, "/api/sessions/s1/review", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("concurrent trigger status = %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/sessions/s1/review", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d", w.Code)
	}

	f.reviews.inProgress = false
	w = f.do(t, http.MethodDelete, "/api/sessions/s1/review", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cancel idle status = %d", w.Code)
	}
}

func TestReviewRequiresTicketSession(t *testing.T) {
	f := newFixture(t, "")
	f.sessions.rows["adhoc"] = &store.Session{
		ID: "adhoc", ProjectID: "p1", Type: store.SessionTypeAdhoc,
		Status: store.SessionRunning, PaneID: "%2", StartedAt: time.Now(),
	}

	w := f.do(t, http.MethodPost, "/api/sessions/adhoc/review", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("adhoc review status = %d", w.Code)
	}
}

func TestHandoffTrigger(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/sessions/s1/handoff", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d body = %s", w.Code, w.Body)
	}

	f.handoffs.inProgress = true
	w = f.do(t, http.MethodPost, "/api/sessions/s1/handoff", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("concurrent status = %d", w.Code)
	}
}

func TestTerminalRoutes(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/sessions/s1/terminal", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d body = %s", w.Code, w.Body)
	}
	resp := decodeResp[map[string]any](t, w)
	if int(resp["port"].(float64)) != 7682 {
		t.Errorf("port = %v", resp["port"])
	}

	// A placeholder pane id cannot back a terminal.
	f.sessions.rows["ext"] = &store.Session{
		ID: "ext", ProjectID: "p1", Status: store.SessionRunning,
		PaneID: "external", StartedAt: time.Now(),
	}
	w = f.do(t, http.MethodPost, "/api/sessions/ext/terminal", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("placeholder pane status = %d", w.Code)
	}
}

func TestTerminalUnavailable(t *testing.T) {
	f := newFixture(t, "")
	f.server.terminals = &fakeTerminals{err: ttyd.ErrUnavailable}

	w := f.do(t, http.MethodPost, "/api/sessions/s1/terminal", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestNotificationRoutes(t *testing.T) {
	f := newFixture(t, "")
	bus := events.NewBus(8)
	svc := notify.NewService(f.store, bus)
	n, err := svc.Notify(store.NotifyReviewReady, "ready", "s1", "t1")
	if err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/notifications?unread=true", nil)
	if got := decodeResp[[]notificationView](t, w); len(got) != 1 {
		t.Fatalf("notifications = %d", len(got))
	}

	w = f.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/read", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("mark read status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/notifications?unread=true", nil)
	if got := decodeResp[[]notificationView](t, w); len(got) != 0 {
		t.Errorf("unread after mark = %d", len(got))
	}

	w = f.do(t, http.MethodPost, "/api/notifications/read-all", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("read-all status = %d", w.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	f := newFixture(t, "secret")

	mkReq := func(remote, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		req.RemoteAddr = remote
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		w := httptest.NewRecorder()
		f.server.Router().ServeHTTP(w, req)
		return w
	}

	if w := mkReq("127.0.0.1:5000", ""); w.Code != http.StatusOK {
		t.Errorf("loopback status = %d", w.Code)
	}
	if w := mkReq("10.1.2.3:5000", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("remote no key status = %d", w.Code)
	}
	if w := mkReq("10.1.2.3:5000", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("remote wrong key status = %d", w.Code)
	}
	if w := mkReq("10.1.2.3:5000", "secret"); w.Code != http.StatusOK {
		t.Errorf("remote with key status = %d", w.Code)
	}

	// Health stays open.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.1.2.3:5000"
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}
