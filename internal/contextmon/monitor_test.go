package contextmon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Monitor
	// Keep the background watcher quiet; tests drive reads directly.
	cfg.PollInterval = config.Duration(time.Hour)
	cfg.DebounceWindow = config.Duration(time.Hour)

	bus := events.NewBus(64)
	return NewMonitor(st, bus, cfg), st, bus
}

func seedSessionRow(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.CreateProject(&store.Project{ID: "p1", Name: "demo", RepoPath: "/r", TmuxSession: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	err = st.CreateSession(&store.Session{
		ID: id, ProjectID: "p1", Type: store.SessionTypeAdhoc,
		Status: store.SessionRunning, StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func usageLine(input int) string {
	return fmt.Sprintf(`{"message":{"usage":{"input_tokens":%d,"cache_creation_input_tokens":0,"cache_read_input_tokens":0},"stop_reason":"end_turn","content":[{"type":"text"}]}}`, input)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func (m *Monitor) testEntry(t *testing.T, sessionID string) *monitored {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		t.Fatalf("session %s not monitored", sessionID)
	}
	return ms
}

func expectNoEvent(t *testing.T, c <-chan events.Event) {
	t.Helper()
	select {
	case ev := <-c:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayEstablishesBaselineSilently(t *testing.T) {
	m, _, bus := newTestMonitor(t)
	seedSessionRow(t, m.store, "s1")
	path := filepath.Join(t.TempDir(), "tr.jsonl")
	appendLine(t, path, usageLine(100000)) // 50%

	sub := bus.Subscribe(events.TopicContextUpdate)
	defer sub.Close()

	if err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path}); err != nil {
		t.Fatal(err)
	}
	defer m.StopMonitoring("s1")

	expectNoEvent(t, sub.C)

	ms := m.testEntry(t, "s1")
	ms.mu.Lock()
	pct, state := ms.percent, ms.state
	ms.mu.Unlock()
	if pct != 50 {
		t.Errorf("baseline percent = %d, want 50", pct)
	}
	if state != StateCompleted {
		t.Errorf("baseline state = %s, want completed", state)
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	seedSessionRow(t, m.store, "s1")
	path := filepath.Join(t.TempDir(), "tr.jsonl")
	appendLine(t, path, usageLine(1000))

	if err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path}); err != nil {
		t.Fatal(err)
	}
	defer m.StopMonitoring("s1")

	err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path})
	if !errors.Is(err, ErrAlreadyMonitored) {
		t.Errorf("err = %v, want ErrAlreadyMonitored", err)
	}
}

func TestIncrementalUpdatePublishesAndPersists(t *testing.T) {
	m, st, bus := newTestMonitor(t)
	seedSessionRow(t, st, "s1")
	path := filepath.Join(t.TempDir(), "tr.jsonl")
	appendLine(t, path, usageLine(20000)) // 10% baseline

	sub := bus.Subscribe(events.TopicContextUpdate)
	defer sub.Close()

	if err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path}); err != nil {
		t.Fatal(err)
	}
	defer m.StopMonitoring("s1")
	ms := m.testEntry(t, "s1")

	appendLine(t, path, usageLine(100000)) // 50%
	m.processFile(ms)

	select {
	case ev := <-sub.C:
		cu := ev.(events.ContextUpdate)
		if cu.SessionID != "s1" || cu.ContextPercent != 50 || cu.TotalTokens != 100000 {
			t.Errorf("event = %+v", cu)
		}
	case <-time.After(time.Second):
		t.Fatal("no context:update")
	}

	row, err := st.GetSession("s1")
	if err != nil || row == nil {
		t.Fatal(err)
	}
	if row.ContextPercent != 50 {
		t.Errorf("persisted percent = %d, want 50", row.ContextPercent)
	}

	// Unchanged percent publishes nothing.
	appendLine(t, path, usageLine(100100))
	m.processFile(ms)
	expectNoEvent(t, sub.C)
}

func TestThresholdOncePerUpswing(t *testing.T) {
	m, st, bus := newTestMonitor(t)
	seedSessionRow(t, st, "s1")
	path := filepath.Join(t.TempDir(), "tr.jsonl")

	sub := bus.Subscribe(events.TopicContextThreshold)
	defer sub.Close()

	if err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path}); err != nil {
		t.Fatal(err)
	}
	defer m.StopMonitoring("s1")
	ms := m.testEntry(t, "s1")

	// Cross the threshold (>= 80% with default threshold 20).
	appendLine(t, path, usageLine(170000)) // 85%
	m.processFile(ms)
	select {
	case ev := <-sub.C:
		th := ev.(events.ContextThreshold)
		if th.ContextPercent != 85 || th.Threshold != 20 {
			t.Errorf("threshold event = %+v", th)
		}
	case <-time.After(time.Second):
		t.Fatal("no context:threshold on crossing")
	}

	// Climbing further inside the same upswing does not fire again.
	appendLine(t, path, usageLine(180000)) // 90%
	m.processFile(ms)
	expectNoEvent(t, sub.C)

	// Drop (fresh inner session) re-arms, next crossing fires again.
	appendLine(t, path, usageLine(20000)) // 10%
	m.processFile(ms)
	appendLine(t, path, usageLine(170000)) // 85%
	m.processFile(ms)
	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("threshold not re-armed after drop")
	}
}

func TestStateChangeEvents(t *testing.T) {
	m, st, bus := newTestMonitor(t)
	seedSessionRow(t, st, "s1")
	path := filepath.Join(t.TempDir(), "tr.jsonl")

	sub := bus.Subscribe(events.TopicClaudeStateChange)
	defer sub.Close()

	if err := m.StartMonitoring(StartOptions{SessionID: "s1", TranscriptPath: path}); err != nil {
		t.Fatal(err)
	}
	defer m.StopMonitoring("s1")
	ms := m.testEntry(t, "s1")

	appendLine(t, path, `{"message":{"stop_reason":null,"content":[{"type":"tool_use"}]}}`)
	m.processFile(ms)
	select {
	case ev := <-sub.C:
		sc := ev.(events.ClaudeStateChange)
		if sc.PreviousState != StateUnknown || sc.NewState != StateWaitingApproval {
			t.Errorf("event = %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no claude:stateChange")
	}

	// A record with no state signal must not overwrite the known state.
	appendLine(t, path, `{"type":"summary"}`)
	m.processFile(ms)
	expectNoEvent(t, sub.C)
}

func TestResolveTranscriptPicksNewest(t *testing.T) {
	m, st, _ := newTestMonitor(t)
	dir := t.TempDir()
	err := st.CreateProject(&store.Project{
		ID: "p1", Name: "demo", RepoPath: "/r", TmuxSession: "demo", ClaudeDir: dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	old := filepath.Join(dir, "old.jsonl")
	if err := os.WriteFile(old, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}
	newer := filepath.Join(dir, "new.jsonl")
	if err := os.WriteFile(newer, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := m.resolveTranscript("p1")
	if err != nil {
		t.Fatal(err)
	}
	if got != newer {
		t.Errorf("resolveTranscript() = %s, want %s", got, newer)
	}

	if _, err := m.resolveTranscript("missing"); !errors.Is(err, ErrNoTranscript) {
		t.Errorf("unknown project err = %v, want ErrNoTranscript", err)
	}
}
