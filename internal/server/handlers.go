package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Dicklesworthstone/stm/internal/handoff"
	"github.com/Dicklesworthstone/stm/internal/review"
	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/ticket"
	"github.com/Dicklesworthstone/stm/internal/tmux"
	"github.com/Dicklesworthstone/stm/internal/waiting"
)

// JSON views over the store models. The store keeps Go-side naming; the wire
// uses camelCase.

type projectView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RepoPath    string    `json:"repoPath"`
	TmuxSession string    `json:"tmuxSession"`
	TmuxWindow  string    `json:"tmuxWindow,omitempty"`
	TicketsPath string    `json:"ticketsPath,omitempty"`
	HandoffPath string    `json:"handoffPath,omitempty"`
	ClaudeDir   string    `json:"claudeDir,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func viewProject(p *store.Project) projectView {
	return projectView{
		ID: p.ID, Name: p.Name, RepoPath: p.RepoPath,
		TmuxSession: p.TmuxSession, TmuxWindow: p.TmuxWindow,
		TicketsPath: p.TicketsPath, HandoffPath: p.HandoffPath,
		ClaudeDir: p.ClaudeDir, CreatedAt: p.CreatedAt,
	}
}

type sessionView struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId"`
	TicketID       string     `json:"ticketId,omitempty"`
	ParentID       string     `json:"parentId,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	PaneID         string     `json:"paneId"`
	ContextPercent int        `json:"contextPercent"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

func viewSession(s *store.Session) sessionView {
	return sessionView{
		ID: s.ID, ProjectID: s.ProjectID, TicketID: s.TicketID,
		ParentID: s.ParentID, Type: s.Type, Status: s.Status,
		PaneID: s.PaneID, ContextPercent: s.ContextPercent,
		StartedAt: s.StartedAt, EndedAt: s.EndedAt,
	}
}

type ticketView struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"projectId"`
	ExternalID        string     `json:"externalId,omitempty"`
	Title             string     `json:"title"`
	State             string     `json:"state"`
	FilePath          string     `json:"filePath,omitempty"`
	IsAdhoc           bool       `json:"isAdhoc"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	RejectionFeedback string     `json:"rejectionFeedback,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func viewTicket(t *store.Ticket) ticketView {
	return ticketView{
		ID: t.ID, ProjectID: t.ProjectID, ExternalID: t.ExternalID,
		Title: t.Title, State: t.State, FilePath: t.FilePath,
		IsAdhoc: t.IsAdhoc, StartedAt: t.StartedAt, CompletedAt: t.CompletedAt,
		RejectionFeedback: t.RejectionFeedback, CreatedAt: t.CreatedAt,
	}
}

type historyView struct {
	ID          int64     `json:"id"`
	TicketID    string    `json:"ticketId"`
	FromState   string    `json:"fromState"`
	ToState     string    `json:"toState"`
	Trigger     string    `json:"trigger"`
	Reason      string    `json:"reason"`
	Feedback    string    `json:"feedback,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type notificationView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	TicketID  string    `json:"ticketId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

type handoffView struct {
	ID               int64     `json:"id"`
	FromSessionID    string    `json:"fromSessionId"`
	ToSessionID      string    `json:"toSessionId"`
	ContextAtHandoff int       `json:"contextAtHandoff"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHookIngress(w http.ResponseWriter, r *http.Request) {
	var payload waiting.HookPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.Event == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "event required")
		return
	}
	// Hooks are fire-and-forget from the agent's perspective.
	s.hooks.HandleHookEvent(payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListProjects()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]projectView, 0, len(rows))
	for i := range rows {
		out = append(out, viewProject(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		RepoPath    string `json:"repoPath"`
		TmuxSession string `json:"tmuxSession"`
		TmuxWindow  string `json:"tmuxWindow"`
		TicketsPath string `json:"ticketsPath"`
		HandoffPath string `json:"handoffPath"`
		ClaudeDir   string `json:"claudeDir"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" || body.RepoPath == "" || body.TmuxSession == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "name, repoPath, and tmuxSession are required")
		return
	}

	p := &store.Project{
		ID:          uuid.NewString(),
		Name:        body.Name,
		RepoPath:    body.RepoPath,
		TmuxSession: body.TmuxSession,
		TmuxWindow:  body.TmuxWindow,
		TicketsPath: body.TicketsPath,
		HandoffPath: body.HandoffPath,
		ClaudeDir:   body.ClaudeDir,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateProject(p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewProject(p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(chi.URLParam(r, "projectID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, viewProject(p))
}

func (s *Server) handleSyncProject(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SyncSessions(chi.URLParam(r, "projectID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	rows, err := s.sessions.ListSessions(chi.URLParam(r, "projectID"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for i := range rows {
		out = append(out, viewSession(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStartAdhocSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		Window string `json:"window"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := s.sessions.StartAdhocSession(chi.URLParam(r, "projectID"), session.StartOptions{
		InitialPrompt: body.Prompt,
		Window:        body.Window,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.sessions.StopSession(chi.URLParam(r, "sessionID"), force); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.sessions.SendInput(chi.URLParam(r, "sessionID"), body.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys string `json:"keys"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Keys == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "keys required")
		return
	}
	if err := s.sessions.SendKeys(chi.URLParam(r, "sessionID"), []byte(body.Keys)); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	lines, err := s.sessions.GetSessionOutput(id, queryInt(r, "lines", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "lines": lines})
}

func (s *Server) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListHandoffEvents(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]handoffView, 0, len(rows))
	for _, e := range rows {
		out = append(out, handoffView{
			ID: e.ID, FromSessionID: e.FromSessionID, ToSessionID: e.ToSessionID,
			ContextAtHandoff: e.ContextAtHandoff, CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTriggerReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.TicketID == "" {
		writeDomainError(w, review.ErrNotTicketSession)
		return
	}
	if s.reviews.InProgress(id) {
		writeDomainError(w, review.ErrReviewInProgress)
		return
	}

	// The run takes minutes; progress arrives over the event stream.
	go func() {
		if err := s.reviews.ReviewSession(id, "manual"); err != nil {
			s.logger.Warn("manual review failed", "session", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "started"})
}

func (s *Server) handleCancelReview(w http.ResponseWriter, r *http.Request) {
	if !s.reviews.Cancel(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, codeNotFound, "no review in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReviewCache(w http.ResponseWriter, r *http.Request) {
	rc, err := s.store.GetReviewCache(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rc == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "no review recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": rc.SessionID,
		"ticketId":  rc.TicketID,
		"result":    rc.Result,
		"reasoning": rc.Reasoning,
		"createdAt": rc.CreatedAt,
	})
}

func (s *Server) handleTriggerHandoff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if s.handoffs.InProgress(id) {
		writeDomainError(w, handoff.ErrHandoffInProgress)
		return
	}
	if _, err := s.sessions.GetSession(id); err != nil {
		writeDomainError(w, err)
		return
	}

	go func() {
		if err := s.handoffs.Run(id); err != nil {
			s.logger.Warn("manual handoff failed", "session", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": "started"})
}

func (s *Server) handleCancelHandoff(w http.ResponseWriter, r *http.Request) {
	if !s.handoffs.Cancel(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, codeNotFound, "no handoff in progress")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !strings.HasPrefix(sess.PaneID, tmux.PaneIDPrefix) {
		writeDomainError(w, session.ErrInvalidPane)
		return
	}
	project, err := s.store.GetProject(sess.ProjectID)
	if err != nil || project == nil {
		writeDomainError(w, session.ErrProjectNotFound)
		return
	}

	port, err := s.terminals.StartTerminal(id, project.TmuxSession, sess.PaneID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": id, "port": port})
}

func (s *Server) handleStopTerminal(w http.ResponseWriter, r *http.Request) {
	if err := s.terminals.StopTerminal(chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListTickets(chi.URLParam(r, "projectID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]ticketView, 0, len(rows))
	for i := range rows {
		out = append(out, viewTicket(&rows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExternalID string `json:"externalId"`
		Title      string `json:"title"`
		FilePath   string `json:"filePath"`
		IsAdhoc    bool   `json:"isAdhoc"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "title required")
		return
	}

	t := &store.Ticket{
		ID:         uuid.NewString(),
		ProjectID:  chi.URLParam(r, "projectID"),
		ExternalID: body.ExternalID,
		Title:      body.Title,
		State:      store.TicketBacklog,
		FilePath:   body.FilePath,
		IsAdhoc:    body.IsAdhoc,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateTicket(t); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTicket(t))
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTicket(chi.URLParam(r, "ticketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, viewTicket(t))
}

func (s *Server) handleStartTicketSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		Window string `json:"window"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := s.sessions.StartTicketSession(chi.URLParam(r, "ticketID"), session.StartOptions{
		InitialPrompt: body.Prompt,
		Window:        body.Window,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(sess))
}

func (s *Server) handleApproveTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By string `json:"by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.tickets.Approve(chi.URLParam(r, "ticketID"), body.By)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTicket(t))
}

func (s *Server) handleRejectTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback"`
		By       string `json:"by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.tickets.Reject(chi.URLParam(r, "ticketID"), body.Feedback, body.By)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTicket(t))
}

func (s *Server) handleTransitionTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToState  string `json:"toState"`
		Reason   string `json:"reason"`
		Feedback string `json:"feedback"`
		By       string `json:"by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ToState == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "toState required")
		return
	}
	t, err := s.tickets.Transition(chi.URLParam(r, "ticketID"), ticket.TransitionRequest{
		ToState:     body.ToState,
		Trigger:     ticket.TriggerManual,
		Reason:      body.Reason,
		Feedback:    body.Feedback,
		TriggeredBy: body.By,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTicket(t))
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.tickets.GetHistory(chi.URLParam(r, "ticketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]historyView, 0, len(rows))
	for _, e := range rows {
		out = append(out, historyView{
			ID: e.ID, TicketID: e.TicketID, FromState: e.FromState, ToState: e.ToState,
			Trigger: e.Trigger, Reason: e.Reason, Feedback: e.Feedback,
			TriggeredBy: e.TriggeredBy, CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	rows, err := s.notify.List(unread, queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]notificationView, 0, len(rows))
	for _, n := range rows {
		out = append(out, notificationView{
			ID: n.ID, Kind: n.Kind, Message: n.Message,
			SessionID: n.SessionID, TicketID: n.TicketID,
			Read: n.Read, CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.MarkRead(chi.URLParam(r, "notificationID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.MarkAllRead(); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
