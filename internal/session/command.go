package session

import (
	"fmt"
	"strings"

	"github.com/Dicklesworthstone/stm/internal/store"
)

// TaskCompleteSentinel is the literal line the agent is instructed to emit
// when all ticket requirements are met.
const TaskCompleteSentinel = "---TASK_COMPLETE---"

const sentinelInstruction = "When all ticket requirements are met, output exactly " +
	TaskCompleteSentinel + " on its own line followed by a brief summary."

// buildAgentCommand constructs the shell command that launches the coding
// agent in a new pane.
func buildAgentCommand(agentBinary string, t *store.Ticket, initialPrompt string) string {
	var prompt string
	switch {
	case t != nil && t.IsAdhoc:
		prompt = fmt.Sprintf(
			"Read the ticket file at %s, explore the relevant code, summarize your plan, and wait for confirmation before editing. %s",
			t.FilePath, sentinelInstruction)
	case t != nil:
		prompt = fmt.Sprintf(
			"Read the ticket file at %s and implement it. %s",
			t.FilePath, sentinelInstruction)
	default:
		prompt = initialPrompt
	}

	if t != nil && t.RejectionFeedback != "" {
		prompt += "\n\nPrior review feedback:\n" + t.RejectionFeedback
	}
	if t != nil && initialPrompt != "" {
		prompt += "\n\n" + initialPrompt
	}

	if prompt == "" {
		return agentBinary
	}
	return fmt.Sprintf("%s %s", agentBinary, shellQuote(prompt))
}

// paneTitle derives the pane title for a session: ticket external id, adhoc
// slug, or adhoc:<short-id>.
func paneTitle(t *store.Ticket, sessionID string) string {
	if t != nil {
		if t.IsAdhoc && t.Title != "" {
			return slugify(t.Title)
		}
		if t.ExternalID != "" {
			return t.ExternalID
		}
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "adhoc:" + short
}

// slugify lowercases and dashes a title for use as a pane title.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// shellQuote single-quotes a string for safe interpolation into a shell
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
