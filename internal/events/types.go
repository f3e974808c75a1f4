package events

import "time"

// Topic identifies one event kind on the bus.
type Topic string

const (
	TopicSessionState      Topic = "session:stateChange"
	TopicSessionOutput     Topic = "session:output"
	TopicSessionExit       Topic = "session:exit"
	TopicContextUpdate     Topic = "context:update"
	TopicContextThreshold  Topic = "context:threshold"
	TopicClaudeStateChange Topic = "claude:stateChange"
	TopicWaitingState      Topic = "waiting:stateChange"
	TopicAgentStopped      Topic = "agent:stopped"
	TopicTicketState       Topic = "ticket:stateChange"
	TopicReviewStarted     Topic = "review:started"
	TopicReviewCompleted   Topic = "review:completed"
	TopicReviewFailed      Topic = "review:failed"
	TopicHandoffStarted    Topic = "handoff:started"
	TopicHandoffProgress   Topic = "handoff:progress"
	TopicHandoffCompleted  Topic = "handoff:completed"
	TopicHandoffFailed     Topic = "handoff:failed"
	TopicNotification      Topic = "notification"
)

// Event is any value published on the bus.
type Event interface {
	Topic() Topic
}

// SessionStateChange reports a session status transition.
type SessionStateChange struct {
	SessionID string    `json:"sessionId"`
	Previous  string    `json:"previousStatus"`
	New       string    `json:"newStatus"`
	At        time.Time `json:"at"`
}

func (SessionStateChange) Topic() Topic { return TopicSessionState }

// SessionOutput carries freshly captured pane output lines.
type SessionOutput struct {
	SessionID string    `json:"sessionId"`
	Lines     []string  `json:"lines"`
	At        time.Time `json:"at"`
}

func (SessionOutput) Topic() Topic { return TopicSessionOutput }

// SessionExit is published after the terminal state change when a pane dies.
type SessionExit struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
}

func (SessionExit) Topic() Topic { return TopicSessionExit }

// ContextUpdate reports a change in derived context usage.
type ContextUpdate struct {
	SessionID      string    `json:"sessionId"`
	ContextPercent int       `json:"contextPercent"`
	TotalTokens    int       `json:"totalTokens"`
	At             time.Time `json:"at"`
}

func (ContextUpdate) Topic() Topic { return TopicContextUpdate }

// ContextThreshold fires once per monotonic upswing past the handoff threshold.
type ContextThreshold struct {
	SessionID      string    `json:"sessionId"`
	ContextPercent int       `json:"contextPercent"`
	Threshold      int       `json:"threshold"`
	At             time.Time `json:"at"`
}

func (ContextThreshold) Topic() Topic { return TopicContextThreshold }

// ClaudeStateChange reports a transition of the agent state derived from
// the transcript.
type ClaudeStateChange struct {
	SessionID     string    `json:"sessionId"`
	PreviousState string    `json:"previousState"`
	NewState      string    `json:"newState"`
	At            time.Time `json:"at"`
}

func (ClaudeStateChange) Topic() Topic { return TopicClaudeStateChange }

// WaitingStateChange is the consolidated "agent is blocked on input" signal.
type WaitingStateChange struct {
	SessionID string    `json:"sessionId"`
	Waiting   bool      `json:"waiting"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

func (WaitingStateChange) Topic() Topic { return TopicWaitingState }

// AgentStopped reports a Stop hook delivery for a session. The consolidated
// waiting stream only carries value flips, so a Stop on a session that was
// never marked waiting would not appear there; turn-completion listeners
// subscribe here instead.
type AgentStopped struct {
	SessionID string    `json:"sessionId"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

func (AgentStopped) Topic() Topic { return TopicAgentStopped }

// TicketStateChange reports a validated ticket transition.
type TicketStateChange struct {
	TicketID    string    `json:"ticketId"`
	FromState   string    `json:"fromState"`
	ToState     string    `json:"toState"`
	Trigger     string    `json:"trigger"`
	Reason      string    `json:"reason"`
	Feedback    string    `json:"feedback,omitempty"`
	TriggeredBy string    `json:"triggeredBy,omitempty"`
	At          time.Time `json:"at"`
}

func (TicketStateChange) Topic() Topic { return TopicTicketState }

// ReviewStarted marks the launch of a reviewer subagent.
type ReviewStarted struct {
	SessionID string    `json:"sessionId"`
	TicketID  string    `json:"ticketId"`
	Trigger   string    `json:"trigger"`
	At        time.Time `json:"at"`
}

func (ReviewStarted) Topic() Topic { return TopicReviewStarted }

// ReviewCompleted carries the reviewer decision.
type ReviewCompleted struct {
	SessionID string    `json:"sessionId"`
	TicketID  string    `json:"ticketId"`
	Result    string    `json:"result"`
	Reasoning string    `json:"reasoning,omitempty"`
	At        time.Time `json:"at"`
}

func (ReviewCompleted) Topic() Topic { return TopicReviewCompleted }

// ReviewFailed reports reviewer execution failure.
type ReviewFailed struct {
	SessionID string    `json:"sessionId"`
	TicketID  string    `json:"ticketId"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

func (ReviewFailed) Topic() Topic { return TopicReviewFailed }

// HandoffStarted precedes all handoff work.
type HandoffStarted struct {
	FromSessionID string    `json:"fromSessionId"`
	TicketID      string    `json:"ticketId,omitempty"`
	At            time.Time `json:"at"`
}

func (HandoffStarted) Topic() Topic { return TopicHandoffStarted }

// HandoffProgress reports a handoff state machine transition.
type HandoffProgress struct {
	FromSessionID string    `json:"fromSessionId"`
	State         string    `json:"state"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

func (HandoffProgress) Topic() Topic { return TopicHandoffProgress }

// HandoffCompleted reports a successful migration.
type HandoffCompleted struct {
	FromSessionID    string    `json:"fromSessionId"`
	ToSessionID      string    `json:"toSessionId"`
	ContextAtHandoff int       `json:"contextAtHandoff"`
	At               time.Time `json:"at"`
}

func (HandoffCompleted) Topic() Topic { return TopicHandoffCompleted }

// HandoffFailed reports a failed migration and whether the original session
// survived.
type HandoffFailed struct {
	FromSessionID    string    `json:"fromSessionId"`
	State            string    `json:"state"`
	Error            string    `json:"error"`
	SessionPreserved bool      `json:"sessionPreserved"`
	At               time.Time `json:"at"`
}

func (HandoffFailed) Topic() Topic { return TopicHandoffFailed }

// NotificationCreated announces a durable notification to realtime clients.
type NotificationCreated struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"sessionId,omitempty"`
	TicketID  string    `json:"ticketId,omitempty"`
	At        time.Time `json:"at"`
}

func (NotificationCreated) Topic() Topic { return TopicNotification }
