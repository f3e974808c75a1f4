package ticket

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateProject(&store.Project{ID: "p1", Name: "demo", RepoPath: "/r", TmuxSession: "demo"}); err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(32)
	return NewMachine(st, bus), st, bus
}

func seedTicket(t *testing.T, st *store.Store, state string) {
	t.Helper()
	err := st.CreateTicket(&store.Ticket{
		ID: "t1", ProjectID: "p1", ExternalID: "CSM-001", Title: "demo", State: state,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{store.TicketBacklog, store.TicketInProgress, true},
		{store.TicketInProgress, store.TicketReview, true},
		{store.TicketInProgress, store.TicketBacklog, true},
		{store.TicketReview, store.TicketDone, true},
		{store.TicketReview, store.TicketInProgress, true},
		{store.TicketDone, store.TicketInProgress, true},
		{store.TicketBacklog, store.TicketReview, false},
		{store.TicketBacklog, store.TicketDone, false},
		{store.TicketDone, store.TicketReview, false},
		{store.TicketReview, store.TicketBacklog, false},
	}
	for _, tt := range tests {
		if got := transitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("transitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStartWorkSideEffects(t *testing.T) {
	m, st, bus := newTestMachine(t)
	seedTicket(t, st, store.TicketBacklog)
	sub := bus.Subscribe(events.TopicTicketState)
	defer sub.Close()

	got, err := m.StartWork("t1", "s1")
	if err != nil {
		t.Fatalf("StartWork() error = %v", err)
	}
	if got.State != store.TicketInProgress || got.StartedAt == nil {
		t.Errorf("ticket = %+v", got)
	}

	select {
	case ev := <-sub.C:
		tc := ev.(events.TicketStateChange)
		if tc.FromState != store.TicketBacklog || tc.ToState != store.TicketInProgress ||
			tc.Trigger != TriggerAuto || tc.Reason != ReasonSessionStarted || tc.TriggeredBy != "s1" {
			t.Errorf("event = %+v", tc)
		}
	case <-time.After(time.Second):
		t.Fatal("no ticket:stateChange published")
	}
}

func TestInvalidTransition(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketBacklog)

	_, err := m.Approve("t1", "user")
	var inv *InvalidTransitionError
	if !errors.As(err, &inv) {
		t.Fatalf("Approve from backlog = %v, want InvalidTransitionError", err)
	}
	if inv.From != store.TicketBacklog || inv.To != store.TicketDone {
		t.Errorf("error detail = %+v", inv)
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketReview)

	if _, err := m.Reject("t1", "", "user"); !errors.Is(err, ErrMissingFeedback) {
		t.Errorf("Reject without feedback = %v, want ErrMissingFeedback", err)
	}
	// No side effects on rejection failure.
	got, _ := st.GetTicket("t1")
	if got.State != store.TicketReview {
		t.Errorf("state changed on rejected transition: %s", got.State)
	}
}

type fakeSender struct {
	sessionID string
	text      string
}

func (f *fakeSender) SendInput(sessionID, text string) error {
	f.sessionID = sessionID
	f.text = text
	return nil
}

func TestRejectFormatsAndForwardsFeedback(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketReview)
	err := st.CreateSession(&store.Session{
		ID: "s1", ProjectID: "p1", TicketID: "t1",
		Type: store.SessionTypeTicket, Status: store.SessionRunning, StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	m.Sender = sender

	got, err := m.Reject("t1", "Add unit tests", "user")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	want := FormatRejectionFeedback("Add unit tests")
	if got.RejectionFeedback != want {
		t.Errorf("RejectionFeedback = %q, want canonical form", got.RejectionFeedback)
	}
	if !strings.Contains(got.RejectionFeedback, "Add unit tests") {
		t.Error("feedback should contain the user text")
	}
	if sender.sessionID != "s1" || sender.text != want {
		t.Errorf("forwarded = (%s, %q)", sender.sessionID, sender.text)
	}
}

func TestApproveSetsCompletedAt(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketReview)

	got, err := m.Approve("t1", "user")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if got.State != store.TicketDone || got.CompletedAt == nil {
		t.Errorf("ticket = %+v", got)
	}
}

func TestReopenClearsCompletedAt(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketReview)

	if _, err := m.Approve("t1", "user"); err != nil {
		t.Fatal(err)
	}
	got, err := m.Transition("t1", TransitionRequest{
		ToState: store.TicketInProgress, Trigger: TriggerManual, Reason: ReasonReopened,
	})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got.CompletedAt != nil {
		t.Error("CompletedAt should be cleared on reopen")
	}
}

func TestStartWorkClearsPriorRejectionFeedback(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketReview)

	if _, err := m.Reject("t1", "fix it", "user"); err != nil {
		t.Fatal(err)
	}
	// in_progress -> backlog -> in_progress clears feedback on restart.
	if _, err := m.Transition("t1", TransitionRequest{ToState: store.TicketBacklog, Trigger: TriggerManual, Reason: ReasonUserPaused}); err != nil {
		t.Fatal(err)
	}
	got, err := m.StartWork("t1", "s2")
	if err != nil {
		t.Fatal(err)
	}
	if got.RejectionFeedback != "" {
		t.Errorf("RejectionFeedback = %q, want cleared", got.RejectionFeedback)
	}
}

func TestHistoryChainContinuity(t *testing.T) {
	m, st, _ := newTestMachine(t)
	seedTicket(t, st, store.TicketBacklog)

	steps := []TransitionRequest{
		{ToState: store.TicketInProgress, Trigger: TriggerAuto, Reason: ReasonSessionStarted},
		{ToState: store.TicketReview, Trigger: TriggerAuto, Reason: ReasonCompletionDetected},
		{ToState: store.TicketInProgress, Trigger: TriggerManual, Reason: ReasonUserRejected, Feedback: "needs tests"},
		{ToState: store.TicketReview, Trigger: TriggerAuto, Reason: ReasonCompletionDetected},
		{ToState: store.TicketDone, Trigger: TriggerManual, Reason: ReasonUserApproved},
	}
	for i, req := range steps {
		if _, err := m.Transition("t1", req); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	history, err := m.GetHistory("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != len(steps) {
		t.Fatalf("history rows = %d, want %d", len(history), len(steps))
	}
	if history[0].FromState != store.TicketBacklog {
		t.Errorf("rows[0].FromState = %s, want backlog", history[0].FromState)
	}
	for i := 0; i < len(history)-1; i++ {
		if history[i].ToState != history[i+1].FromState {
			t.Errorf("chain broken at %d: %s != %s", i, history[i].ToState, history[i+1].FromState)
		}
	}
}

func TestFormatRejectionFeedbackDeterministic(t *testing.T) {
	a := FormatRejectionFeedback("  Add unit tests  ")
	b := FormatRejectionFeedback("Add unit tests")
	if a != b {
		t.Error("formatting should be a deterministic function of the trimmed input")
	}
	if !strings.HasPrefix(a, "## Review Feedback") {
		t.Errorf("missing canonical header: %q", a)
	}
}
