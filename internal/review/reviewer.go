package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/store"
)

// Review triggers.
const (
	TriggerStopHook    = "stop_hook"
	TriggerIdleTimeout = "idle_timeout"
	TriggerManual      = "manual"
)

// Reviewer decisions.
const (
	ResultComplete           = "complete"
	ResultNotComplete        = "not_complete"
	ResultNeedsClarification = "needs_clarification"
)

var (
	// ErrReviewInProgress indicates a concurrent review for the session.
	ErrReviewInProgress = errors.New("review already in progress")
	// ErrBinaryMissing indicates the reviewer CLI could not be found.
	ErrBinaryMissing = errors.New("reviewer binary missing")
	// ErrTimeout indicates the reviewer exceeded its time budget.
	ErrTimeout = errors.New("review timed out")
	// ErrCancelled indicates the review was cancelled.
	ErrCancelled = errors.New("review cancelled")
	// ErrNotTicketSession indicates the session has no ticket to review.
	ErrNotTicketSession = errors.New("session has no ticket")
)

// ExecutionError wraps a reviewer process failure.
type ExecutionError struct {
	Output string
	Cause  error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("reviewer execution failed: %v", e.Cause) }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// OutputSource supplies the session tail for the prompt.
type OutputSource interface {
	GetSessionOutput(id string, n int) ([]string, error)
}

// Tickets is the ticket machine surface the orchestrator drives.
type Tickets interface {
	MoveToReview(ticketID, sessionID string) (*store.Ticket, error)
}

// Notifier creates upserted notifications.
type Notifier interface {
	NotifyBestEffort(kind, message, sessionID, ticketID string)
}

// Orchestrator watches for review moments and runs the reviewer CLI.
type Orchestrator struct {
	store    *store.Store
	bus      *events.Bus
	cfg      config.ReviewerConfig
	logger   *slog.Logger
	output   OutputSource
	tickets  Tickets
	notifier Notifier

	// runCLI is swappable for tests.
	runCLI func(ctx context.Context, prompt string) (string, error)

	mu         sync.Mutex
	inProgress map[string]context.CancelFunc
	idleTimers map[string]*time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a reviewer orchestrator.
func NewOrchestrator(st *store.Store, bus *events.Bus, cfg config.ReviewerConfig, output OutputSource, tickets Tickets, notifier Notifier) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		bus:        bus,
		cfg:        cfg,
		logger:     slog.Default().With("component", "review"),
		output:     output,
		tickets:    tickets,
		notifier:   notifier,
		inProgress: make(map[string]context.CancelFunc),
		idleTimers: make(map[string]*time.Timer),
	}
	o.runCLI = o.execCLI
	return o
}

// Start subscribes to the stop and output topics that drive the automatic
// triggers.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	stopSub := o.bus.Subscribe(events.TopicAgentStopped)
	outSub := o.bus.Subscribe(events.TopicSessionOutput)
	exitSub := o.bus.Subscribe(events.TopicSessionExit)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer stopSub.Close()
		defer outSub.Close()
		defer exitSub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-stopSub.C:
				if stop, ok := ev.(events.AgentStopped); ok {
					o.triggerAsync(stop.SessionID, TriggerStopHook)
				}
			case ev := <-outSub.C:
				if out, ok := ev.(events.SessionOutput); ok {
					o.resetIdleTimer(out.SessionID)
				}
			case ev := <-exitSub.C:
				if ex, ok := ev.(events.SessionExit); ok {
					o.dropIdleTimer(ex.SessionID)
				}
			}
		}
	}()
}

// Shutdown cancels running reviews and all idle timers.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	for _, cancel := range o.inProgress {
		cancel()
	}
	for id, t := range o.idleTimers {
		t.Stop()
		delete(o.idleTimers, id)
	}
	o.mu.Unlock()
}

// resetIdleTimer restarts a session's idle clock. When it fires with no
// intervening output, the idle_timeout trigger runs.
func (o *Orchestrator) resetIdleTimer(sessionID string) {
	idle := o.cfg.IdleTimeout.Std()
	if idle <= 0 {
		idle = 90 * time.Second
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.idleTimers[sessionID]; ok {
		t.Reset(idle)
		return
	}
	o.idleTimers[sessionID] = time.AfterFunc(idle, func() {
		o.triggerAsync(sessionID, TriggerIdleTimeout)
	})
}

func (o *Orchestrator) dropIdleTimer(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.idleTimers[sessionID]; ok {
		t.Stop()
		delete(o.idleTimers, sessionID)
	}
}

// triggerAsync runs the eligibility check and review off the event loop.
func (o *Orchestrator) triggerAsync(sessionID, trigger string) {
	go func() {
		if err := o.ReviewSession(sessionID, trigger); err != nil {
			switch {
			case errors.Is(err, ErrReviewInProgress),
				errors.Is(err, ErrNotTicketSession):
				// Expected for auto triggers; nothing to review.
			default:
				o.logger.Warn("review trigger failed", "session", sessionID, "trigger", trigger, "error", err)
			}
		}
	}()
}

// ReviewSession runs one review for a ticket session. Auto and manual
// triggers share this path.
func (o *Orchestrator) ReviewSession(sessionID, trigger string) error {
	row, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if row == nil || row.TicketID == "" {
		return ErrNotTicketSession
	}
	ticket, err := o.store.GetTicket(row.TicketID)
	if err != nil {
		return err
	}
	if ticket == nil {
		return ErrNotTicketSession
	}
	if trigger != TriggerManual && ticket.State != store.TicketInProgress {
		return ErrNotTicketSession
	}
	project, err := o.store.GetProject(row.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %s not found", row.ProjectID)
	}

	timeout := o.cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	ctx, cancelRun := context.WithTimeout(context.Background(), timeout)
	defer cancelRun()

	o.mu.Lock()
	if _, busy := o.inProgress[sessionID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReviewInProgress, sessionID)
	}
	o.inProgress[sessionID] = cancelRun
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inProgress, sessionID)
		o.mu.Unlock()
	}()

	o.bus.Publish(events.ReviewStarted{
		SessionID: sessionID,
		TicketID:  ticket.ID,
		Trigger:   trigger,
		At:        time.Now().UTC(),
	})

	prompt := o.buildPrompt(ctx, sessionID, ticket, project)
	raw, err := o.runCLI(ctx, prompt)
	if err != nil {
		o.failReview(sessionID, ticket.ID, err)
		return err
	}

	result, reasoning, ok := parseDecision(raw)
	if !ok {
		err := &ExecutionError{Output: raw, Cause: errors.New("unparseable reviewer decision")}
		o.failReview(sessionID, ticket.ID, err)
		return err
	}

	o.applyDecision(sessionID, ticket, result, reasoning)
	return nil
}

// Cancel aborts a running review for the session, if any.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.inProgress[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InProgress reports whether a review is running for the session.
func (o *Orchestrator) InProgress(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inProgress[sessionID]
	return ok
}

func (o *Orchestrator) buildPrompt(ctx context.Context, sessionID string, ticket *store.Ticket, project *store.Project) string {
	lines := o.cfg.OutputLines
	if lines <= 0 {
		lines = 200
	}
	tail, err := o.output.GetSessionOutput(sessionID, lines)
	if err != nil {
		tail = nil
	}
	return assemblePrompt(promptInput{
		ticket:      ticket,
		ticketBody:  readTicketFile(ticket),
		diff:        collectDiff(ctx, project.RepoPath, o.cfg.MaxDiffSize),
		testOutput:  readTestOutput(project.RepoPath),
		outputLines: tail,
	})
}

// execCLI spawns the reviewer binary, writes the prompt to stdin, and
// collects stdout until exit or deadline.
func (o *Orchestrator) execCLI(ctx context.Context, prompt string) (string, error) {
	bin := o.cfg.CLIPath
	if bin == "" {
		bin = "claude"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryMissing, bin)
	}

	args := []string{"--print", "--dangerously-skip-permissions"}
	if o.cfg.Model != "" {
		args = append(args, "--model", o.cfg.Model)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ErrCancelled
	}
	if err != nil {
		return "", &ExecutionError{Output: stderr.String(), Cause: err}
	}
	return stdout.String(), nil
}

var decisionRe = regexp.MustCompile(`(?im)^\s*DECISION:\s*(complete|not_complete|needs_clarification)\s*$`)
var reasoningRe = regexp.MustCompile(`(?is)REASONING:\s*(.+)$`)

// parseDecision extracts the decision and reasoning from reviewer output.
func parseDecision(raw string) (result, reasoning string, ok bool) {
	m := decisionRe.FindStringSubmatch(raw)
	if m == nil {
		// Tolerate prose answers that still name a category.
		lower := strings.ToLower(raw)
		switch {
		case strings.Contains(lower, ResultNeedsClarification):
			result = ResultNeedsClarification
		case strings.Contains(lower, ResultNotComplete):
			result = ResultNotComplete
		case strings.Contains(lower, ResultComplete):
			result = ResultComplete
		default:
			return "", "", false
		}
	} else {
		result = strings.ToLower(m[1])
	}
	if rm := reasoningRe.FindStringSubmatch(raw); rm != nil {
		reasoning = strings.TrimSpace(rm[1])
	}
	return result, reasoning, true
}

// applyDecision translates the decision into ticket and notification side
// effects, caches it, and publishes review:completed.
func (o *Orchestrator) applyDecision(sessionID string, ticket *store.Ticket, result, reasoning string) {
	now := time.Now().UTC()

	switch result {
	case ResultComplete:
		if _, err := o.tickets.MoveToReview(ticket.ID, sessionID); err != nil {
			// The ticket may already have moved; that is not a failure.
			o.logger.Debug("moveToReview skipped", "ticket", ticket.ID, "error", err)
		}
		o.notifier.NotifyBestEffort(store.NotifyReviewReady,
			fmt.Sprintf("%s looks complete and is ready for review", ticketLabel(ticket)),
			sessionID, ticket.ID)
	case ResultNeedsClarification:
		o.notifier.NotifyBestEffort(store.NotifyWaitingInput,
			fmt.Sprintf("%s needs clarification: %s", ticketLabel(ticket), reasoning),
			sessionID, ticket.ID)
	case ResultNotComplete:
		// Work continues; no state change, no notification.
	}

	if err := o.store.SaveReviewCache(&store.ReviewCache{
		SessionID: sessionID,
		TicketID:  ticket.ID,
		Result:    result,
		Reasoning: reasoning,
		CreatedAt: now,
	}); err != nil {
		o.logger.Warn("review cache write failed", "session", sessionID, "error", err)
	}

	o.bus.Publish(events.ReviewCompleted{
		SessionID: sessionID,
		TicketID:  ticket.ID,
		Result:    result,
		Reasoning: reasoning,
		At:        now,
	})
	o.logger.Info("review completed", "session", sessionID, "ticket", ticket.ID, "result", result)
}

func (o *Orchestrator) failReview(sessionID, ticketID string, err error) {
	o.bus.Publish(events.ReviewFailed{
		SessionID: sessionID,
		TicketID:  ticketID,
		Error:     err.Error(),
		At:        time.Now().UTC(),
	})
	o.logger.Warn("review failed", "session", sessionID, "ticket", ticketID, "error", err)
}

func ticketLabel(t *store.Ticket) string {
	if t.ExternalID != "" {
		return t.ExternalID
	}
	return t.ID
}
