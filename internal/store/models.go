package store

import "time"

// Session lifecycle states.
const (
	SessionRunning   = "running"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// Session classification.
const (
	SessionTypeAdhoc  = "adhoc"
	SessionTypeTicket = "ticket"
)

// Ticket states.
const (
	TicketBacklog    = "backlog"
	TicketInProgress = "in_progress"
	TicketReview     = "review"
	TicketDone       = "done"
)

// Notification kinds.
const (
	NotifyWaitingInput    = "waiting_input"
	NotifyContextLow      = "context_low"
	NotifyReviewReady     = "review_ready"
	NotifyHandoffComplete = "handoff_complete"
	NotifyError           = "error"
)

// Project is the external entity the core reads session placement from.
type Project struct {
	ID          string
	Name        string
	RepoPath    string
	TmuxSession string
	TmuxWindow  string
	TicketsPath string
	HandoffPath string
	ClaudeDir   string // directory holding agent transcript JSONL files
	CreatedAt   time.Time
}

// Session is a managed run of a coding agent in a tmux pane.
type Session struct {
	ID             string
	ProjectID      string
	TicketID       string // empty for adhoc sessions
	ParentID       string // set on handoff
	Type           string // adhoc | ticket
	Status         string
	PaneID         string
	ContextPercent int
	StartedAt      time.Time
	EndedAt        *time.Time
}

// Ticket is the unit of work a ticket session implements.
type Ticket struct {
	ID                string
	ProjectID         string
	ExternalID        string
	Title             string
	State             string
	FilePath          string
	IsAdhoc           bool
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RejectionFeedback string
	CreatedAt         time.Time
}

// StateHistoryEntry is an append-only audit row for ticket transitions.
type StateHistoryEntry struct {
	ID          int64
	TicketID    string
	FromState   string
	ToState     string
	Trigger     string
	Reason      string
	Feedback    string
	TriggeredBy string
	CreatedAt   time.Time
}

// Notification is a durable, upsert-by-key message surfaced to clients.
type Notification struct {
	ID        string
	Kind      string
	Message   string
	SessionID string
	TicketID  string
	Read      bool
	CreatedAt time.Time
}

// HandoffEvent records a completed context migration between sessions.
type HandoffEvent struct {
	ID               int64
	FromSessionID    string
	ToSessionID      string
	ContextAtHandoff int
	CreatedAt        time.Time
}

// ReviewCache stores the latest reviewer decision per session.
type ReviewCache struct {
	SessionID string
	TicketID  string
	Result    string
	Reasoning string
	CreatedAt time.Time
}
