package waiting

import (
	"strings"
	"time"

	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Hook event names delivered by the agent's shell hooks.
const (
	HookEventStop         = "Stop"
	HookEventNotification = "Notification"
)

// HookPayload is the JSON body posted to the hook ingress endpoint.
type HookPayload struct {
	Event            string `json:"event"`
	NotificationType string `json:"notification_type,omitempty"`
	Matcher          string `json:"matcher,omitempty"`
	CWD              string `json:"cwd,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
}

// HandleHookEvent resolves the payload to an internal session and feeds the
// consolidation pipeline. Unresolvable payloads are dropped with a log line.
func (d *Detector) HandleHookEvent(payload HookPayload) {
	sessionID := d.resolveSession(payload)
	if sessionID == "" {
		d.logger.Debug("hook event unresolvable", "event", payload.Event, "cwd", payload.CWD)
		return
	}

	// Hooks can reference sessions created outside the supervisor.
	d.WatchSession(sessionID)

	switch payload.Event {
	case HookEventStop:
		d.setSignal(sessionID, false, ReasonStopped, SourceHook)
		// The waiting stream suppresses same-value emissions, so a Stop on a
		// session that never went waiting would be invisible there. Announce
		// the turn end on its own topic.
		d.bus.Publish(events.AgentStopped{
			SessionID: sessionID,
			Source:    SourceHook,
			At:        time.Now().UTC(),
		})
	case HookEventNotification:
		d.setSignal(sessionID, true, notificationReason(payload), SourceHook)
	default:
		d.logger.Debug("ignoring hook event", "event", payload.Event)
	}
}

// notificationReason classifies a Notification hook by its type or matcher.
func notificationReason(payload HookPayload) string {
	hint := strings.ToLower(payload.NotificationType)
	if hint == "" {
		hint = strings.ToLower(payload.Matcher)
	}
	switch {
	case strings.Contains(hint, "permission"):
		return ReasonPermissionPrompt
	case strings.Contains(hint, "idle"):
		return ReasonIdlePrompt
	default:
		return ReasonUnknown
	}
}

// resolveSession maps a hook payload to an internal session id. Resolution
// order: explicit session id, cwd against project repo paths, the single
// watched session, then the most recent DB session.
func (d *Detector) resolveSession(payload HookPayload) string {
	// The agent-provided session id is only useful when we know the session.
	if payload.SessionID != "" {
		if row, err := d.store.GetSession(payload.SessionID); err == nil && row != nil {
			return row.ID
		}
	}

	if payload.CWD != "" {
		if id := d.sessionByCwd(payload.CWD); id != "" {
			return id
		}
	}

	if ids := d.WatchedSessions(); len(ids) == 1 {
		return ids[0]
	}

	if row, err := d.store.MostRecentSession(); err == nil && row != nil {
		return row.ID
	}
	return ""
}

// sessionByCwd finds the project whose repo path prefixes cwd and returns its
// newest running session.
func (d *Detector) sessionByCwd(cwd string) string {
	project, err := d.store.FindProjectByRepoPrefix(cwd)
	if err != nil || project == nil {
		return ""
	}
	rows, err := d.store.ListSessionsByStatus(store.SessionRunning)
	if err != nil {
		return ""
	}
	for i := range rows {
		if rows[i].ProjectID == project.ID {
			return rows[i].ID
		}
	}
	return ""
}
