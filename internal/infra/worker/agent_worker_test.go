//go:build !integration

package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/usecase"
)

func TestProcessMessage_EmptyText(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")

	for _, text := range []string{"", "   \n\t"} {
		reply, err := w.ProcessMessage(context.Background(), text)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reply.Route != RouteEmpty || reply.Text == "" {
			t.Errorf("expected a prompt-for-input reply, got %+v", reply)
		}
	}
	if f.ai.callCount() != 0 {
		t.Errorf("empty text must not reach the model, got %d calls", f.ai.callCount())
	}
}

func TestProcessMessage_ChatAndMemory(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")

	reply, err := w.ProcessMessage(context.Background(), "How did the markets do today?")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply.Route != RouteChat || reply.Text != "hello" {
		t.Errorf("unexpected reply %+v", reply)
	}
	waitFor(t, "memory update", func() bool { return len(w.Snapshot().Memory) == 1 })
	if ex := w.Snapshot().Memory[0]; ex.UserText != "How did the markets do today?" || ex.Reply != "hello" {
		t.Errorf("unexpected exchange %+v", ex)
	}
}

func TestProcessMessage_ActionIntentUsesDispatcher(t *testing.T) {
	f := newWorkerFixture()
	deferred, _ := model.NewTask("u1", "Create calendar event: Meeting with Sara", "", model.TaskTypeCalendar,
		map[string]any{"tool": usecase.ToolCreateCalendarEvent})
	f.dispatcher.dispatch = func(req usecase.DispatchRequest) (*usecase.DispatchResult, error) {
		_ = f.tasks.Save(context.Background(), nil, deferred)
		return &usecase.DispatchResult{
			Response: "Google Calendar is not connected, so I created a pending calendar task.",
			Calls:    []usecase.CallOutcome{{Tool: usecase.ToolCreateCalendarEvent, Task: deferred}},
		}, nil
	}
	f.dispatcher.outcomes[deferred.Title] = usecase.Retry("not connected")
	w := f.start(t, "u1")

	reply, err := w.ProcessMessage(context.Background(), "Schedule a meeting with Sara Smith tomorrow at 2pm")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply.Route != RouteTools || !strings.Contains(reply.Text, "task") || len(reply.Tasks) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	// the deferred task is queued and retried by the cycle
	waitFor(t, "deferred task retries", func() bool { return f.dispatcher.count(deferred.ID) >= 2 })
	stored, _ := f.tasks.FindByID(context.Background(), nil, deferred.ID)
	if stored.Status != model.TaskStatusPending && stored.Status != model.TaskStatusInProgress {
		t.Errorf("retried task should stay unfinished, got %s", stored.Status)
	}
}

func TestProcessMessage_SavesInstruction(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")

	reply, err := w.ProcessMessage(context.Background(), "When someone emails me that is not in HubSpot, create a contact in HubSpot")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if reply.Route != RouteInstruction || reply.Instruction == nil {
		t.Fatalf("expected instruction route, got %+v", reply)
	}
	active, _ := f.instructions.ListActive(context.Background(), nil, "u1")
	if len(active) != 1 || active[0].TriggerEvents[0] != model.EventTypeGmail || len(active[0].TriggerEvents) != 1 {
		t.Fatalf("expected one gmail instruction, got %+v", active)
	}
	if f.ai.callCount() != 0 {
		t.Error("saving an instruction must not call the model")
	}
}

// An incoming email matching a standing instruction yields exactly one follow-up task,
// even after the periodic sweep re-evaluates the backlog.
func TestHandleEvent_OneFollowUpPerInstructionAndEvent(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")
	ctx := context.Background()

	if _, err := w.ProcessMessage(ctx, "When someone emails me that is not in HubSpot, create a contact in HubSpot"); err != nil {
		t.Fatal(err)
	}
	active, _ := f.instructions.ListActive(ctx, nil, "u1")
	if len(active) != 1 {
		t.Fatalf("instruction not stored")
	}

	ev, err := w.HandleEvent("gmail", map[string]any{"from": "new.person@example.com", "subject": "Hello"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := w.HandleEvent("calendar", map[string]any{"summary": "Lunch"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	followUps := func() []*model.Task {
		var out []*model.Task
		for _, task := range f.tasks.All("u1") {
			if task.Type == model.TaskTypeFollowUp {
				out = append(out, task)
			}
		}
		return out
	}
	waitFor(t, "follow-up executed", func() bool {
		fu := followUps()
		return len(fu) == 1 && fu[0].Status == model.TaskStatusCompleted
	})
	// let several more sweeps run over the backlog
	time.Sleep(60 * time.Millisecond)

	fu := followUps()
	if len(fu) != 1 {
		t.Fatalf("expected exactly one follow-up task, got %d", len(fu))
	}
	if fu[0].StringParam("instruction_id") != active[0].ID || fu[0].StringParam("event_id") != ev.ID {
		t.Errorf("task does not reference instruction/event: %v", fu[0].Parameters)
	}
	if n := f.notifier.count(adapter.NotifyProactiveTaskCreated); n != 1 {
		t.Errorf("expected one proactive notification, got %d", n)
	}
	waitFor(t, "completion notification", func() bool { return f.notifier.count(adapter.NotifyTaskCompleted) == 1 })
}

func TestHandleEvent_RejectsUnknownType(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")
	if _, err := w.HandleEvent("slack", nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
}

func TestCycle_RetryAndErrorOutcomes(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	retryTask, _ := model.NewTask("u1", "retry-me", "", model.TaskTypeEmail, nil)
	failTask, _ := model.NewTask("u1", "fail-me", "", model.TaskTypeEmail, nil)
	_ = f.tasks.Save(ctx, nil, retryTask)
	_ = f.tasks.Save(ctx, nil, failTask)
	f.dispatcher.outcomes["retry-me"] = usecase.Retry("gmail not connected")
	f.dispatcher.outcomes["fail-me"] = usecase.Fail("invalid arguments")

	f.start(t, "u1")

	waitFor(t, "retry task re-attempted", func() bool { return f.dispatcher.count(retryTask.ID) >= 3 })
	if n := f.dispatcher.count(failTask.ID); n != 1 {
		t.Errorf("failed task must run exactly once, ran %d times", n)
	}
	stored, _ := f.tasks.FindByID(ctx, nil, failTask.ID)
	if stored.Status != model.TaskStatusFailed || stored.Error != "invalid arguments" {
		t.Errorf("expected failed task with reason, got %s %q", stored.Status, stored.Error)
	}
	waitFor(t, "retry attempts persisted", func() bool {
		s, _ := f.tasks.FindByID(ctx, nil, retryTask.ID)
		return s.Attempts >= 3 && !s.Terminal()
	})
}

func TestCycle_QueuesTasksCreatedWhileExecuting(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	parent, _ := model.NewTask("u1", "parent", "", model.TaskTypeFollowUp, map[string]any{"instruction": "create a task to call Sara"})
	child, _ := model.NewTask("u1", "Call Sara", "", model.TaskTypeFollowUp, map[string]any{"instruction": "call Sara"})
	// only the parent is loaded at start; the child reaches the worker through the outcome
	_ = f.tasks.Save(ctx, nil, parent)
	created := usecase.OK("created a task")
	created.Tasks = []*model.Task{child}
	f.dispatcher.outcomes["parent"] = created

	f.start(t, "u1")

	waitFor(t, "created task executed", func() bool { return f.dispatcher.count(child.ID) == 1 })
	waitFor(t, "created task completed", func() bool {
		s, err := f.tasks.FindByID(ctx, nil, child.ID)
		return err == nil && s.Status == model.TaskStatusCompleted
	})
}

func TestCycle_KeepsEventsUntilFollowUpIsSaved(t *testing.T) {
	f := newWorkerFixture()
	f.tx = &flakyTx{failures: 2}
	w := f.start(t, "u1")
	ctx := context.Background()

	if _, err := w.ProcessMessage(ctx, "When someone emails me, send them a welcome email"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.HandleEvent("gmail", map[string]any{"from": "new.person@example.com"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	followUps := func() int {
		n := 0
		for _, task := range f.tasks.All("u1") {
			if task.Type == model.TaskTypeFollowUp {
				n++
			}
		}
		return n
	}
	waitFor(t, "follow-up created after storage recovers", func() bool { return followUps() == 1 })
	waitFor(t, "event drained", func() bool { return w.Snapshot().PendingEvents == 0 })
	time.Sleep(60 * time.Millisecond)
	if n := followUps(); n != 1 {
		t.Errorf("expected exactly one follow-up task, got %d", n)
	}
}

func TestRebuild_ResetsInterruptedTasks(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	task, _ := model.NewTask("u1", "interrupted", "", model.TaskTypeEmail, nil)
	_ = task.Start()
	_ = f.tasks.Save(ctx, nil, task)

	f.start(t, "u1")

	waitFor(t, "interrupted task completed", func() bool {
		s, _ := f.tasks.FindByID(ctx, nil, task.ID)
		return s.Status == model.TaskStatusCompleted
	})
	s, _ := f.tasks.FindByID(ctx, nil, task.ID)
	if s.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", s.Attempts)
	}
}

func TestProcessMessage_Timeout(t *testing.T) {
	f := newWorkerFixture()
	f.cfg.MessageTimeout = 50 * time.Millisecond
	f.dispatcher.block = make(chan struct{})
	w := f.start(t, "u1")
	released := false
	release := func() {
		if !released {
			released = true
			close(f.dispatcher.block)
		}
	}
	t.Cleanup(release)

	reply, err := w.ProcessMessage(context.Background(), "Send an email to Bob about the review")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if reply.Text == "" || reply.Route != RouteTimeout {
		t.Errorf("expected fallback reply, got %+v", reply)
	}

	release()
	waitFor(t, "background work finished", func() bool { return len(w.Snapshot().Memory) == 1 })
}

func TestCycle_RecoversFromPanics(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()
	task, _ := model.NewTask("u1", "explode", "", model.TaskTypeEmail, nil)
	_ = f.tasks.Save(ctx, nil, task)
	f.dispatcher.panicOn = "explode"

	w := f.start(t, "u1")

	waitFor(t, "panicking task failed", func() bool {
		s, _ := f.tasks.FindByID(ctx, nil, task.ID)
		return s.Status == model.TaskStatusFailed
	})
	reply, err := w.ProcessMessage(ctx, "Are you still there?")
	if err != nil || reply.Text != "hello" {
		t.Errorf("worker should keep serving after a panic: %+v %v", reply, err)
	}
}

func TestStop_RejectsNewWork(t *testing.T) {
	f := newWorkerFixture()
	w := f.start(t, "u1")
	w.Stop()
	if err := w.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ProcessMessage(context.Background(), "hello?"); !errors.Is(err, domain.ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
	if w.Snapshot().Status != model.AgentStopped {
		t.Errorf("expected stopped status, got %s", w.Snapshot().Status)
	}
}
