package hub

import "encoding/json"

// Client message types.
const (
	msgSubscribe     = "session:subscribe"
	msgUnsubscribe   = "session:unsubscribe"
	msgInput         = "session:input"
	msgKeys          = "session:keys"
	msgPing          = "ping"
	msgPtyAttach     = "pty:attach"
	msgPtyDetach     = "pty:detach"
	msgPtyData       = "pty:data"
	msgPtyResize     = "pty:resize"
	msgPtySelectPane = "pty:selectPane"
)

// Server message types.
const (
	msgOutput         = "session:output"
	msgStatus         = "session:status"
	msgWaiting        = "session:waiting"
	msgTicketState    = "ticket:state"
	msgAnalysisStatus = "ai:analysis_status"
	msgReviewResult   = "review:result"
	msgNotification   = "notification"
	msgPong           = "pong"
	msgError          = "error"
	msgSubscribed     = "subscribed"
	msgUnsubscribed   = "unsubscribed"
	msgPtyAttached    = "pty:attached"
	msgPtyDetached    = "pty:detached"
	msgPtyOutput      = "pty:output"
	msgPtyExit        = "pty:exit"
)

// Error envelope codes.
const (
	codeInvalidMessage     = "INVALID_MESSAGE"
	codeParseError         = "PARSE_ERROR"
	codeSessionNotFound    = "SESSION_NOT_FOUND"
	codeNotSubscribed      = "NOT_SUBSCRIBED"
	codeInputFailed        = "INPUT_FAILED"
	codeRateLimited        = "RATE_LIMITED"
	codeInternalError      = "INTERNAL_ERROR"
	codePtyAlreadyAttached = "PTY_ALREADY_ATTACHED"
	codePtyNotAttached     = "PTY_NOT_ATTACHED"
	codePtyInvalidPane     = "PTY_INVALID_PANE"
	codePtyAttachFailed    = "PTY_ATTACH_FAILED"
)

// clientMessage is the discriminated union read off the socket.
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serverMessage is every frame sent to a client.
type serverMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type inputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type keysPayload struct {
	SessionID string `json:"sessionId"`
	Keys      string `json:"keys"`
}

type ptyAttachPayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

type ptyDataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ptyResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type subscribedPayload struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
}

type outputPayload struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
}

type statusPayload struct {
	SessionID string `json:"sessionId"`
	Previous  string `json:"previousStatus,omitempty"`
	Status    string `json:"status"`
}

type waitingPayload struct {
	SessionID string `json:"sessionId"`
	Waiting   bool   `json:"waiting"`
	Reason    string `json:"reason"`
	Source    string `json:"source,omitempty"`
}

type pongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type ptyAttachedPayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type ptyOutputPayload struct {
	Data string `json:"data"`
}

type analysisStatusPayload struct {
	SessionID string `json:"sessionId"`
	TicketID  string `json:"ticketId,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}
