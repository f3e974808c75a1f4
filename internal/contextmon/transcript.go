// Package contextmon derives context usage and agent state from the JSONL
// transcript files the coding agent writes as it works.
package contextmon

import (
	"encoding/json"
	"math"
)

// Agent states derived from transcript entries.
const (
	StateActive           = "active"
	StateCompleted        = "completed"
	StateWaitingApproval  = "waiting_approval"
	StateContextExhausted = "context_exhausted"
	StateUnknown          = "unknown"
)

// Usage is the token accounting block of an assistant transcript entry.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Total is the context-relevant token count: fresh input plus both cache
// components.
func (u *Usage) Total() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

type contentBlock struct {
	Type string `json:"type"`
}

type transcriptMessage struct {
	Usage      *Usage          `json:"usage"`
	StopReason *string         `json:"stop_reason"`
	Content    json.RawMessage `json:"content"`
}

// TranscriptEntry is one JSONL record. Only the fields the monitor reads are
// decoded.
type TranscriptEntry struct {
	Type    string             `json:"type"`
	Message *transcriptMessage `json:"message"`
}

// parseEntry decodes one transcript line. Malformed lines are skipped.
func parseEntry(line []byte) (*TranscriptEntry, bool) {
	if len(line) == 0 {
		return nil, false
	}
	var e TranscriptEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// usage returns the entry's usage block, if any.
func (e *TranscriptEntry) usage() *Usage {
	if e.Message == nil {
		return nil
	}
	return e.Message.Usage
}

// contentBlocks decodes the content array. String content yields nil.
func (e *TranscriptEntry) contentBlocks() []contentBlock {
	if e.Message == nil || len(e.Message.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(e.Message.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

func (e *TranscriptEntry) hasContent() bool {
	return e.Message != nil && len(e.Message.Content) > 0 && string(e.Message.Content) != "null"
}

func (e *TranscriptEntry) hasToolUse() bool {
	for _, b := range e.contentBlocks() {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// detectState classifies a single entry. StateUnknown means the entry says
// nothing about the agent state and must not overwrite a prior state.
func detectState(e *TranscriptEntry) string {
	if e.Message == nil {
		return StateUnknown
	}
	if sr := e.Message.StopReason; sr != nil {
		switch *sr {
		case "max_tokens":
			return StateContextExhausted
		case "end_turn":
			return StateCompleted
		}
	}
	if e.Message.StopReason == nil && e.hasToolUse() {
		return StateWaitingApproval
	}
	if e.hasContent() && e.Message.StopReason == nil {
		return StateActive
	}
	return StateUnknown
}

// contextPercent converts a token total to a 0-100 percent of the window,
// capped at 100.
func contextPercent(total, window int) int {
	if window <= 0 || total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(total) / float64(window) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}
