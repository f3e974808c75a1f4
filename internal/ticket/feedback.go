package ticket

import "strings"

const (
	feedbackHeader = "## Review Feedback\n\nThe previous submission was rejected. Address the following before requesting review again:\n\n"
	feedbackFooter = "\n\nWhen the feedback is addressed, output ---TASK_COMPLETE--- on its own line followed by a brief summary."
)

// FormatRejectionFeedback wraps user feedback between the canonical header
// and footer. The result is a deterministic function of the input.
func FormatRejectionFeedback(feedback string) string {
	return feedbackHeader + strings.TrimSpace(feedback) + feedbackFooter
}
