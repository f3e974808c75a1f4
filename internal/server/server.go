// Package server exposes the orchestration core over HTTP: REST routes for
// projects, sessions, tickets, notifications, reviews, and handoffs, the
// hook ingress endpoint, and the WebSocket upgrade path.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/handoff"
	"github.com/Dicklesworthstone/stm/internal/ptybridge"
	"github.com/Dicklesworthstone/stm/internal/review"
	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/ticket"
	"github.com/Dicklesworthstone/stm/internal/tmux"
	"github.com/Dicklesworthstone/stm/internal/ttyd"
	"github.com/Dicklesworthstone/stm/internal/waiting"
)

// Error envelope codes.
const (
	codeBadRequest   = "BAD_REQUEST"
	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "CONFLICT"
	codeTimeout      = "TIMEOUT"
	codeUnavailable  = "SERVICE_UNAVAILABLE"
	codeInternal     = "INTERNAL_ERROR"
)

// SessionOps is the supervisor surface the HTTP layer uses.
type SessionOps interface {
	StartAdhocSession(projectID string, opts session.StartOptions) (*store.Session, error)
	StartTicketSession(ticketID string, opts session.StartOptions) (*store.Session, error)
	StopSession(id string, force bool) error
	SendInput(id, text string) error
	SendKeys(id string, keys []byte) error
	GetSession(id string) (*store.Session, error)
	ListSessions(projectID string, limit int) ([]store.Session, error)
	GetSessionOutput(id string, n int) ([]string, error)
	SyncSessions(projectID string) error
}

// Tickets is the state machine surface.
type Tickets interface {
	Transition(ticketID string, req ticket.TransitionRequest) (*store.Ticket, error)
	Approve(ticketID, by string) (*store.Ticket, error)
	Reject(ticketID, feedback, by string) (*store.Ticket, error)
	GetHistory(ticketID string) ([]store.StateHistoryEntry, error)
}

// Reviews is the reviewer surface. ReviewSession blocks for the duration of
// the subagent run, so handlers invoke it on a goroutine.
type Reviews interface {
	ReviewSession(sessionID, trigger string) error
	Cancel(sessionID string) bool
	InProgress(sessionID string) bool
}

// Handoffs is the handoff controller surface.
type Handoffs interface {
	Run(sessionID string) error
	Cancel(sessionID string) bool
	InProgress(sessionID string) bool
}

// Hooks receives agent hook payloads.
type Hooks interface {
	HandleHookEvent(payload waiting.HookPayload)
}

// Terminals is the optional ttyd surface.
type Terminals interface {
	StartTerminal(sessionID, tmuxSession, paneID string) (int, error)
	StopTerminal(sessionID string) error
	IsAvailable() bool
}

// Notifications is the notification service surface.
type Notifications interface {
	List(unreadOnly bool, limit int) ([]store.Notification, error)
	MarkRead(id string) error
	MarkAllRead() error
}

// Server is the HTTP front of the orchestration core.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	store     *store.Store
	sessions  SessionOps
	tickets   Tickets
	reviews   Reviews
	handoffs  Handoffs
	hooks     Hooks
	terminals Terminals
	notify    Notifications
	wsHandler http.HandlerFunc

	httpServer *http.Server
}

// Deps carries everything the server routes to.
type Deps struct {
	Store     *store.Store
	Sessions  SessionOps
	Tickets   Tickets
	Reviews   Reviews
	Handoffs  Handoffs
	Hooks     Hooks
	Terminals Terminals
	Notify    Notifications
	WSHandler http.HandlerFunc
}

// New creates the server. Start it with ListenAndServe.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    slog.Default().With("component", "server"),
		store:     deps.Store,
		sessions:  deps.Sessions,
		tickets:   deps.Tickets,
		reviews:   deps.Reviews,
		handoffs:  deps.Handoffs,
		hooks:     deps.Hooks,
		terminals: deps.Terminals,
		notify:    deps.Notify,
		wsHandler: deps.WSHandler,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.wsHandler != nil {
		// The hub does its own key check so browser clients can pass the key
		// as a query parameter.
		r.Get("/ws", s.wsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/hooks/claude", s.handleHookIngress)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Post("/sync", s.handleSyncProject)
				r.Get("/sessions", s.handleListSessions)
				r.Post("/sessions", s.handleStartAdhocSession)
				r.Get("/tickets", s.handleListTickets)
				r.Post("/tickets", s.handleCreateTicket)
			})
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleStopSession)
			r.Post("/input", s.handleSendInput)
			r.Post("/keys", s.handleSendKeys)
			r.Get("/output", s.handleGetOutput)
			r.Get("/handoffs", s.handleListHandoffs)
			r.Post("/review", s.handleTriggerReview)
			r.Delete("/review", s.handleCancelReview)
			r.Get("/review", s.handleGetReviewCache)
			r.Post("/handoff", s.handleTriggerHandoff)
			r.Delete("/handoff", s.handleCancelHandoff)
			r.Post("/terminal", s.handleStartTerminal)
			r.Delete("/terminal", s.handleStopTerminal)
		})

		r.Route("/tickets/{ticketID}", func(r chi.Router) {
			r.Get("/", s.handleGetTicket)
			r.Post("/session", s.handleStartTicketSession)
			r.Post("/approve", s.handleApproveTicket)
			r.Post("/reject", s.handleRejectTicket)
			r.Post("/transition", s.handleTransitionTicket)
			r.Get("/history", s.handleTicketHistory)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/read-all", s.handleMarkAllRead)
			r.Post("/{notificationID}/read", s.handleMarkRead)
		})
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// requireAPIKey enforces the shared secret for non-loopback peers. With no
// key configured the API is open (local single-user default).
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("apiKey")
		}
		if key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeDomainError maps sentinel errors from the core onto HTTP statuses:
// not-found 404, precondition 400, conflict 409, timeout 504,
// unavailable 503, everything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var invalid *ticket.InvalidTransitionError

	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrProjectNotFound),
		errors.Is(err, session.ErrTicketNotFound),
		errors.Is(err, ticket.ErrTicketNotFound),
		errors.Is(err, tmux.ErrPaneNotFound),
		errors.Is(err, ttyd.ErrNotRunning):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())

	case errors.As(err, &invalid),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrInvalidPane),
		errors.Is(err, session.ErrNotInMemory),
		errors.Is(err, ticket.ErrMissingFeedback),
		errors.Is(err, review.ErrNotTicketSession),
		errors.Is(err, handoff.ErrNotEligible),
		errors.Is(err, handoff.ErrNoHandoffFile):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())

	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, review.ErrReviewInProgress),
		errors.Is(err, handoff.ErrHandoffInProgress),
		errors.Is(err, ptybridge.ErrAlreadyAttached),
		errors.Is(err, ttyd.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, codeConflict, err.Error())

	case errors.Is(err, review.ErrTimeout),
		errors.Is(err, handoff.ErrFileTimeout):
		writeError(w, http.StatusGatewayTimeout, codeTimeout, err.Error())

	case errors.Is(err, review.ErrBinaryMissing),
		errors.Is(err, ttyd.ErrUnavailable),
		errors.Is(err, tmux.ErrMuxUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())

	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
