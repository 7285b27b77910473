package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
	"advisor-agent/internal/infra/logging"
	"advisor-agent/internal/infra/metrics"
	"advisor-agent/internal/usecase"
)

// Reply routes.
const (
	RouteEmpty       = "empty"
	RouteInstruction = "instruction"
	RouteTools       = "tools"
	RouteChat        = "chat"
	RouteTimeout     = "timeout"
	RouteStopped     = "stopped"
)

const (
	emptyReply    = "What can I help you with? You can ask about your clients, or ask me to email, schedule or update HubSpot."
	timeoutReply  = "This is taking longer than expected. I'll keep working on it in the background; check back in a moment."
	stoppedReply  = "The assistant is restarting. Please send your message again in a moment."
	noAnswerReply = "I don't have an answer for that yet."
)

type AgentConfig struct {
	MessageTimeout   time.Duration
	CycleInterval    time.Duration
	TaskTimeout      time.Duration
	MemorySize       int
	HistoryTurns     int
	MaxHistoryTokens int
	RetrievalLimit   int
	ChatModel        string
	Dev              bool
}

func (c *AgentConfig) applyDefaults() {
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 60 * time.Second
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = 30 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.MemorySize <= 0 {
		c.MemorySize = 10
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 5
	}
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = 2000
	}
}

type AgentDeps struct {
	AI           adapter.AIServiceAdapter
	Dispatcher   usecase.DispatcherUseCase
	Retrieval    usecase.RetrievalUseCase
	Tasks        repository.TaskRepository
	Instructions repository.InstructionRepository
	TxManager    repository.TransactionManager
	Notifier     adapter.Notifier
}

// Reply is the answer to one user message.
type Reply struct {
	Text        string
	Route       string
	Instruction *model.Instruction
	Tasks       []*model.Task
	Retrieval   usecase.RetrievalSummary
}

// StateSnapshot is a point-in-time copy of a worker's state.
type StateSnapshot struct {
	UserID        string              `json:"user_id"`
	Status        model.AgentStatus   `json:"status"`
	CurrentTaskID string              `json:"current_task_id,omitempty"`
	Memory        []model.Exchange    `json:"memory"`
	Instructions  []model.Instruction `json:"instructions"`
	QueuedTasks   []string            `json:"queued_tasks"`
	PendingEvents int                 `json:"pending_events"`
	LastActivity  time.Time           `json:"last_activity"`
}

type envelopeKind int

const (
	envMessage envelopeKind = iota
	envEvent
)

type envelope struct {
	kind  envelopeKind
	text  string
	event model.Event
	reply chan Reply
}

// AgentWorker is the long-lived agent of one user. A single goroutine owns its
// state; callers talk to it through an unbounded mailbox.
type AgentWorker struct {
	userID string
	cfg    AgentConfig
	deps   AgentDeps
	log    *zerolog.Logger

	mu      sync.Mutex
	mailbox []envelope
	signal  chan struct{}
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	quit      chan struct{}
	done      chan struct{}

	// owned by the loop goroutine
	state *model.AgentState
	queue *usecase.TaskQueue
	fired usecase.FiredSet

	snapMu sync.RWMutex
	snap   StateSnapshot
}

func NewAgentWorker(userID string, cfg AgentConfig, deps AgentDeps, logger *zerolog.Logger) *AgentWorker {
	cfg.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	l := logger.With().Str("component", "AgentWorker").Str("user_id", userID).Logger()
	w := &AgentWorker{
		userID:  userID,
		cfg:     cfg,
		deps:    deps,
		log:     &l,
		signal:  make(chan struct{}, 1),
		started: make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   model.NewAgentState(userID, cfg.MemorySize),
		queue:   usecase.NewTaskQueue(),
		fired:   usecase.FiredSet{},
	}
	w.publish()
	return w
}

func (w *AgentWorker) UserID() string { return w.userID }

// Start launches the loop once; later calls are no-ops.
func (w *AgentWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		close(w.started)
		go w.run(ctx)
	})
}

// Stop asks the loop to exit. Queued messages get a restart reply.
func (w *AgentWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.quit)
	})
}

// Wait blocks until the loop has exited or ctx is done.
func (w *AgentWorker) Wait(ctx context.Context) error {
	select {
	case <-w.started:
	default:
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessMessage handles one user request and waits at most MessageTimeout for the reply.
// On timeout the work continues in the background and a fallback reply is returned with ErrTimeout.
func (w *AgentWorker) ProcessMessage(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		metrics.IncMessage(RouteEmpty, "ok")
		return Reply{Text: emptyReply, Route: RouteEmpty}, nil
	}

	env := envelope{kind: envMessage, text: text, reply: make(chan Reply, 1)}
	if !w.enqueue(env) {
		return Reply{Text: stoppedReply, Route: RouteStopped}, domain.ErrWorkerStopped
	}

	timer := time.NewTimer(w.cfg.MessageTimeout)
	defer timer.Stop()
	select {
	case r := <-env.reply:
		return r, nil
	case <-timer.C:
		metrics.IncMessage(RouteTimeout, "timeout")
		w.log.Warn().Dur("timeout", w.cfg.MessageTimeout).Msg("message reply timed out")
		return Reply{Text: timeoutReply, Route: RouteTimeout}, domain.ErrTimeout
	case <-ctx.Done():
		return Reply{Text: timeoutReply, Route: RouteTimeout}, ctx.Err()
	}
}

// HandleEvent queues an external event and returns without waiting.
func (w *AgentWorker) HandleEvent(eventType string, data map[string]any) (model.Event, error) {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if !model.KnownEventType(eventType) {
		return model.Event{}, fmt.Errorf("event type %q: %w", eventType, domain.ErrInvalidArgument)
	}
	ev := model.NewEvent(eventType, data)
	if !w.enqueue(envelope{kind: envEvent, event: ev}) {
		return ev, domain.ErrWorkerStopped
	}
	metrics.IncEvent(eventType)
	return ev, nil
}

// Snapshot returns the state as of the last completed operation.
func (w *AgentWorker) Snapshot() StateSnapshot {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	s := w.snap
	s.Memory = append([]model.Exchange(nil), s.Memory...)
	s.Instructions = append([]model.Instruction(nil), s.Instructions...)
	s.QueuedTasks = append([]string(nil), s.QueuedTasks...)
	return s
}

func (w *AgentWorker) enqueue(env envelope) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.mailbox = append(w.mailbox, env)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *AgentWorker) next() (envelope, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.mailbox) == 0 {
		return envelope{}, false
	}
	env := w.mailbox[0]
	w.mailbox[0] = envelope{}
	w.mailbox = w.mailbox[1:]
	return env, true
}

func (w *AgentWorker) run(ctx context.Context) {
	defer close(w.done)
	w.log.Info().Msg("agent worker started")

	w.rebuild(ctx)

	timer := time.NewTimer(w.cfg.CycleInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			w.shutdown()
			return
		case <-w.quit:
			w.shutdown()
			return
		case <-w.signal:
			for {
				env, ok := w.next()
				if !ok {
					break
				}
				w.dispatch(ctx, env)
			}
		case <-timer.C:
			w.cycle(ctx)
			timer.Reset(w.cfg.CycleInterval)
		}
	}
}

func (w *AgentWorker) dispatch(ctx context.Context, env envelope) {
	switch env.kind {
	case envMessage:
		env.reply <- w.handleMessage(ctx, env.text)
	case envEvent:
		w.handleEvent(ctx, env.event)
	}
	w.publish()
}

func (w *AgentWorker) shutdown() {
	w.mu.Lock()
	pending := w.mailbox
	w.mailbox = nil
	w.mu.Unlock()
	for _, env := range pending {
		if env.kind == envMessage {
			env.reply <- Reply{Text: stoppedReply, Route: RouteStopped}
		}
	}
	w.state.Status = model.AgentStopped
	w.publish()
	w.log.Info().Int("dropped_envelopes", len(pending)).Msg("agent worker stopped")
}

// rebuild restores instructions and unfinished tasks from storage.
// Tasks left in_progress by a previous run go back to pending.
func (w *AgentWorker) rebuild(ctx context.Context) {
	defer w.recoverOp("rebuild")
	if list, err := w.deps.Instructions.ListActive(ctx, nil, w.userID); err != nil {
		w.log.Error().Err(err).Msg("load instructions failed")
	} else {
		w.state.Instructions = list
	}

	tasks, err := w.deps.Tasks.ListByStatus(ctx, nil, w.userID, model.TaskStatusPending, model.TaskStatusInProgress)
	if err != nil {
		w.log.Error().Err(err).Msg("load tasks failed")
	}
	for _, t := range tasks {
		if t.Status == model.TaskStatusInProgress {
			if err := t.Requeue("interrupted"); err == nil {
				if err := w.deps.Tasks.Save(ctx, nil, t); err != nil {
					w.log.Error().Err(err).Str("task_id", t.ID).Msg("reset interrupted task failed")
				}
			}
		}
		w.queue.Push(t)
	}
	w.state.Status = model.AgentActive
	w.state.Touch()
	w.publish()
	w.log.Info().Int("instructions", len(w.state.Instructions)).Int("tasks", w.queue.Len()).Msg("agent state rebuilt")
}

// ---- messages ----

func (w *AgentWorker) handleMessage(parent context.Context, text string) (reply Reply) {
	ctx, cancel := context.WithTimeout(logging.WithUserID(parent, w.userID), w.cfg.TaskTimeout)
	defer cancel()
	defer logging.TraceDuration(w.log, "AgentWorker.ProcessMessage")()
	defer func() {
		if r := recover(); r != nil {
			metrics.IncPanic("message")
			w.log.Error().Interface("panic", r).Msg("message handling panicked")
			reply = Reply{Text: replyForError(fmt.Errorf("%w: panic", domain.ErrOperationFailed)), Route: reply.Route}
		}
		w.state.Remember(text, reply.Text)
	}()

	if usecase.IsInstruction(text) {
		return w.saveInstruction(ctx, text)
	}

	rc := w.deps.Retrieval.Search(ctx, w.userID, text, w.cfg.RetrievalLimit)
	w.log.Debug().
		Str("text", logging.Redact(text, w.cfg.Dev)).
		Int("emails", rc.Summary.Emails).
		Int("contacts", rc.Summary.Contacts).
		Int("notes", rc.Summary.Notes).
		Bool("fallback", rc.Fallback).
		Msg("retrieval done")

	if usecase.HasActionIntent(text) {
		reply = w.runTools(ctx, text, rc)
	} else {
		reply = w.chat(ctx, text, rc)
	}
	reply.Retrieval = rc.Summary
	return reply
}

func (w *AgentWorker) saveInstruction(ctx context.Context, text string) Reply {
	ins, err := model.NewInstruction(w.userID, text, usecase.InferTriggerEvents(text), 0)
	if err == nil {
		err = w.deps.Instructions.Save(ctx, nil, ins)
	}
	if err != nil {
		metrics.IncMessage(RouteInstruction, "error")
		w.log.Error().Err(err).Msg("save instruction failed")
		return Reply{Text: "I couldn't save that instruction right now. Please try again.", Route: RouteInstruction}
	}
	w.state.AddInstruction(ins)
	metrics.IncMessage(RouteInstruction, "ok")
	w.log.Info().Str("instruction_id", ins.ID).Strs("triggers", ins.TriggerEvents).Msg("instruction saved")
	return Reply{
		Text:        fmt.Sprintf("Got it. From now on I'll follow this instruction: %q (on %s events).", ins.Text, strings.Join(ins.TriggerEvents, ", ")),
		Route:       RouteInstruction,
		Instruction: ins,
	}
}

func (w *AgentWorker) runTools(ctx context.Context, text string, rc *usecase.RetrievalContext) Reply {
	res, err := w.deps.Dispatcher.Dispatch(ctx, usecase.DispatchRequest{
		UserID:  w.userID,
		Text:    text,
		Context: rc.Render(),
		History: w.history(ctx),
	})
	if res != nil {
		for _, c := range res.Calls {
			metrics.IncToolCall(c.Tool, string(c.Kind))
		}
	}
	if err != nil {
		metrics.IncMessage(RouteTools, string(domain.Classify(err)))
		w.log.Error().Err(err).Msg("dispatch failed")
		return Reply{Text: replyForError(err), Route: RouteTools}
	}
	tasks := res.Tasks()
	for _, t := range tasks {
		if t.Status == model.TaskStatusPending {
			w.queue.Push(t)
		}
	}
	metrics.IncMessage(RouteTools, "ok")
	return Reply{Text: res.Response, Route: RouteTools, Tasks: tasks}
}

func (w *AgentWorker) chat(ctx context.Context, text string, rc *usecase.RetrievalContext) Reply {
	msgs := []adapter.Message{
		{Role: "system", Content: "You are an assistant for a financial advisor. Answer questions about their clients using the context below. If the context does not contain the answer, say so.\n\n" + rc.Render()},
	}
	msgs = append(msgs, w.history(ctx)...)
	msgs = append(msgs, adapter.Message{Role: "user", Content: text})

	out, err := w.deps.AI.Chat(ctx, w.cfg.ChatModel, msgs)
	if err != nil {
		metrics.IncMessage(RouteChat, string(domain.Classify(err)))
		w.log.Error().Err(err).Msg("chat failed")
		return Reply{Text: replyForError(err), Route: RouteChat}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		out = noAnswerReply
	}
	metrics.IncMessage(RouteChat, "ok")
	return Reply{Text: out, Route: RouteChat}
}

// history renders recent exchanges, dropping the oldest while over the token budget.
func (w *AgentWorker) history(ctx context.Context) []adapter.Message {
	recent := w.state.RecentExchanges(w.cfg.HistoryTurns)
	msgs := make([]adapter.Message, 0, len(recent)*2)
	for _, ex := range recent {
		msgs = append(msgs,
			adapter.Message{Role: "user", Content: ex.UserText},
			adapter.Message{Role: "assistant", Content: ex.Reply},
		)
	}
	for len(msgs) > 0 {
		n, err := w.deps.AI.CountTokens(ctx, w.cfg.ChatModel, msgs)
		if err != nil || n <= w.cfg.MaxHistoryTokens {
			break
		}
		msgs = msgs[2:]
	}
	return msgs
}

func replyForError(err error) string {
	switch domain.Classify(err) {
	case domain.KindTimeout:
		return "That took too long to complete. Please try again."
	case domain.KindUpstream:
		return "The AI service is not available right now. Please try again in a moment."
	case domain.KindNotConnected:
		return "That needs an integration that is not connected yet. Connect it in settings and try again."
	case domain.KindInvalidArguments:
		return "I couldn't work out how to do that. Could you rephrase the request?"
	}
	return "Something went wrong while handling your request. Please try again."
}

// ---- events and instructions ----

func (w *AgentWorker) handleEvent(ctx context.Context, ev model.Event) {
	defer w.recoverOp("event")
	w.state.Events = append(w.state.Events, ev)
	w.state.Touch()
	w.fire(logging.WithEventID(ctx, ev.ID), ev)
}

// fire creates one follow-up task per instruction matching ev that has not fired for it yet.
// It reports false when a task could not be saved, so the event must be swept again.
func (w *AgentWorker) fire(ctx context.Context, ev model.Event) bool {
	complete := true
	for _, ins := range usecase.MatchInstructions(w.state.Instructions, ev.Type) {
		if w.fired.Seen(ins.ID, ev.ID) {
			continue
		}
		t, err := usecase.FollowUpTask(ins, ev)
		if err != nil {
			w.log.Error().Err(err).Str("instruction_id", ins.ID).Msg("build follow-up task failed")
			continue
		}
		err = w.deps.TxManager.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return w.deps.Tasks.Save(ctx, tx, t)
		})
		if err != nil {
			// not marked: the next sweep tries again
			complete = false
			w.log.Error().Err(err).Str("instruction_id", ins.ID).Str("event_id", ev.ID).Msg("save follow-up task failed")
			continue
		}
		w.fired.Mark(ins.ID, ev.ID)
		w.queue.Push(t)
		metrics.IncProactiveTask()
		w.log.Info().Str("task_id", t.ID).Str("instruction_id", ins.ID).Str("event_id", ev.ID).Msg("follow-up task created")
		w.notify(ctx, adapter.Notification{
			Type:    adapter.NotifyProactiveTaskCreated,
			TaskID:  t.ID,
			Message: fmt.Sprintf("A new %s event matched your instruction %q. I created a follow-up task.", ev.Type, ins.Text),
			Payload: map[string]any{"instruction_id": ins.ID, "event_id": ev.ID, "event_type": ev.Type},
		})
	}
	return complete
}

// ---- periodic cycle ----

func (w *AgentWorker) cycle(ctx context.Context) {
	defer w.publish()
	defer w.recoverOp("cycle")

	if list, err := w.deps.Instructions.ListActive(ctx, nil, w.userID); err != nil {
		w.log.Warn().Err(err).Msg("refresh instructions failed; keeping snapshot")
	} else {
		w.state.Instructions = list
	}

	if t := w.queue.PopReady(time.Now()); t != nil {
		w.execute(ctx, t)
	}

	// events whose tasks were all saved are drained; the rest wait for the next sweep
	backlog := w.state.Events
	w.state.Events = nil
	for _, ev := range backlog {
		if !w.fire(logging.WithEventID(ctx, ev.ID), ev) {
			w.state.Events = append(w.state.Events, ev)
			continue
		}
		w.fired.Forget(ev.ID)
	}
}

func (w *AgentWorker) execute(parent context.Context, t *model.Task) {
	ctx, cancel := context.WithTimeout(logging.WithTaskID(parent, t.ID), w.cfg.TaskTimeout)
	defer cancel()

	if err := t.Start(); err != nil {
		w.log.Warn().Err(err).Str("task_id", t.ID).Msg("task not startable; dropped from queue")
		return
	}
	if err := w.deps.Tasks.Save(ctx, nil, t); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("mark task in_progress failed")
	}
	w.state.CurrentTask = t
	w.publish()
	defer func() { w.state.CurrentTask = nil }()

	o := w.runTask(ctx, t)
	metrics.IncTask(string(t.Type), o.Kind.String())
	logEvt := w.log.Info()
	if o.Kind != usecase.OutcomeOK {
		logEvt = w.log.Warn().Str("reason", o.Reason)
	}
	logEvt.Str("task_id", t.ID).Str("type", string(t.Type)).Int("attempts", t.Attempts).Str("outcome", o.Kind.String()).Msg("task executed")

	// outcome is persisted even when the task deadline has passed
	if err := usecase.ApplyOutcome(context.WithoutCancel(ctx), w.deps.Tasks, w.queue, t, o); err != nil {
		w.log.Error().Err(err).Str("task_id", t.ID).Msg("apply outcome failed")
	}

	if t.Type == model.TaskTypeFollowUp && o.Kind != usecase.OutcomeRetry {
		n := adapter.Notification{Type: adapter.NotifyTaskCompleted, TaskID: t.ID, Message: "Completed: " + t.Title + "\n" + o.Result}
		if o.Kind == usecase.OutcomeError {
			n = adapter.Notification{Type: adapter.NotifyTaskFailed, TaskID: t.ID, Message: "Failed: " + t.Title + "\n" + o.Reason}
		}
		w.notify(ctx, n)
	}
}

func (w *AgentWorker) runTask(ctx context.Context, t *model.Task) (o usecase.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncPanic("task")
			w.log.Error().Interface("panic", r).Str("task_id", t.ID).Msg("task execution panicked")
			o = usecase.Fail(fmt.Sprintf("internal error: %v", r))
		}
	}()
	return w.deps.Dispatcher.ExecuteTask(ctx, t)
}

// ---- helpers ----

func (w *AgentWorker) notify(ctx context.Context, n adapter.Notification) {
	n.UserID = w.userID
	n.At = time.Now()
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Notifier.Publish(nctx, n); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn().Err(err).Str("type", n.Type).Msg("notify failed")
	}
}

func (w *AgentWorker) recoverOp(op string) {
	if r := recover(); r != nil {
		metrics.IncPanic(op)
		w.log.Error().Interface("panic", r).Str("op", op).Msg("agent operation panicked")
	}
}

func (w *AgentWorker) publish() {
	s := StateSnapshot{
		UserID:        w.userID,
		Status:        w.state.Status,
		Memory:        append([]model.Exchange(nil), w.state.Memory...),
		QueuedTasks:   w.queue.IDs(),
		PendingEvents: len(w.state.Events),
		LastActivity:  w.state.LastActivity,
	}
	if w.state.CurrentTask != nil {
		s.CurrentTaskID = w.state.CurrentTask.ID
	}
	for _, ins := range w.state.Instructions {
		s.Instructions = append(s.Instructions, *ins)
	}
	w.snapMu.Lock()
	w.snap = s
	w.snapMu.Unlock()
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, adapter.Notification) error { return nil }
