// Package review runs a short-lived external reviewer against a session's
// state and translates its decision into ticket transitions.
package review

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Dicklesworthstone/stm/internal/store"
)

const (
	ticketMissingSentinel = "[Ticket file not found]"
	noChangesSentinel     = "No changes detected"
	diffTruncatedSentinel = "\n[diff truncated]"
	noTestOutputSentinel  = "[No test output available]"
)

// testOutputPaths are checked in order relative to the repo root; the first
// existing file wins.
var testOutputPaths = []string{
	"test-output.log",
	"test-output.txt",
	"test-results.log",
	filepath.Join("tmp", "test-output.log"),
}

// diffExcludes keeps the diff to code: docs and markdown carry no review
// signal.
var diffExcludes = []string{
	":(exclude)*.md",
	":(exclude)docs/**",
	":(exclude)*.lock",
}

// promptInput is everything the prompt assembly gathers.
type promptInput struct {
	ticket      *store.Ticket
	ticketBody  string
	diff        string
	testOutput  string
	outputLines []string
}

// assemblePrompt composes the reviewer's stdin document.
func assemblePrompt(in promptInput) string {
	var b strings.Builder
	b.WriteString("You are reviewing the work of a coding agent on the ticket below.\n")
	b.WriteString("Judge whether the ticket's requirements are fully met.\n\n")

	b.WriteString("## Ticket")
	if in.ticket != nil && in.ticket.ExternalID != "" {
		fmt.Fprintf(&b, " %s", in.ticket.ExternalID)
	}
	b.WriteString("\n\n")
	b.WriteString(in.ticketBody)
	b.WriteString("\n\n## Code changes\n\n```diff\n")
	b.WriteString(in.diff)
	b.WriteString("\n```\n\n## Test output\n\n```\n")
	b.WriteString(in.testOutput)
	b.WriteString("\n```\n\n## Recent session output\n\n```\n")
	b.WriteString(strings.Join(in.outputLines, "\n"))
	b.WriteString("\n```\n\n")
	b.WriteString("Respond with exactly two lines:\n")
	b.WriteString("DECISION: complete|not_complete|needs_clarification\n")
	b.WriteString("REASONING: <one short paragraph>\n")
	return b.String()
}

// readTicketFile loads the ticket's file contents, best-effort.
func readTicketFile(t *store.Ticket) string {
	if t == nil || t.FilePath == "" {
		return ticketMissingSentinel
	}
	data, err := os.ReadFile(t.FilePath)
	if err != nil {
		return ticketMissingSentinel
	}
	return string(data)
}

// collectDiff produces the code diff for the repo: uncommitted work against
// HEAD first, then the last five commits, then the no-changes sentinel.
// Output is truncated at maxSize characters.
func collectDiff(ctx context.Context, repoPath string, maxSize int) string {
	for _, base := range []string{"HEAD", "HEAD~5..HEAD"} {
		out, err := runGitDiff(ctx, repoPath, base)
		if err != nil {
			continue
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		if maxSize > 0 && len(out) > maxSize {
			out = out[:maxSize] + diffTruncatedSentinel
		}
		return out
	}
	return noChangesSentinel
}

func runGitDiff(ctx context.Context, repoPath, base string) (string, error) {
	args := []string{"-C", repoPath, "diff", base, "--"}
	args = append(args, diffExcludes...)
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}

// readTestOutput returns the first well-known test output file under the
// repo, or a neutral placeholder.
func readTestOutput(repoPath string) string {
	for _, rel := range testOutputPaths {
		data, err := os.ReadFile(filepath.Join(repoPath, rel))
		if err == nil {
			return string(data)
		}
	}
	return noTestOutputSentinel
}
