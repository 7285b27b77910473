//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
	"advisor-agent/internal/infra/db/memory"
	"advisor-agent/internal/usecase"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// fakeDispatcher records executions and answers with per-task outcomes.
type fakeDispatcher struct {
	mu         sync.Mutex
	outcomes   map[string]usecase.Outcome // by task title
	executions map[string]int             // by task id
	dispatch   func(req usecase.DispatchRequest) (*usecase.DispatchResult, error)
	panicOn    string
	block      chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{outcomes: map[string]usecase.Outcome{}, executions: map[string]int{}}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req usecase.DispatchRequest) (*usecase.DispatchResult, error) {
	if f.block != nil {
		<-f.block
	}
	if f.dispatch != nil {
		return f.dispatch(req)
	}
	return &usecase.DispatchResult{Response: "done"}, nil
}

func (f *fakeDispatcher) ExecuteRule(ctx context.Context, userID string, actions []string, trigger string) (string, error) {
	return "rule done", nil
}

func (f *fakeDispatcher) ExecuteTask(ctx context.Context, t *model.Task) usecase.Outcome {
	f.mu.Lock()
	f.executions[t.ID]++
	o, ok := f.outcomes[t.Title]
	f.mu.Unlock()
	if f.panicOn != "" && t.Title == f.panicOn {
		panic("boom")
	}
	if !ok {
		return usecase.OK("done")
	}
	return o
}

func (f *fakeDispatcher) ToolNames() []string { return nil }

func (f *fakeDispatcher) count(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executions[taskID]
}

type fakeRetrieval struct{}

func (fakeRetrieval) Search(ctx context.Context, userID, query string, limit int) *usecase.RetrievalContext {
	return &usecase.RetrievalContext{}
}

type fakeAI struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (f *fakeAI) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{Name: model}, nil
}

func (f *fakeAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return len(messages), nil
}

func (f *fakeAI) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, nil
}

func (f *fakeAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	s, err := f.Chat(ctx, model, messages)
	return s, adapter.Usage{}, err
}

func (f *fakeAI) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	s, err := f.Chat(ctx, model, messages)
	return adapter.ChatResult{Content: s}, err
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []adapter.Notification
}

func (n *recordingNotifier) Publish(ctx context.Context, msg adapter.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) count(typ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Type == typ {
			c++
		}
	}
	return c
}

type workerFixture struct {
	ai           *fakeAI
	dispatcher   *fakeDispatcher
	tasks        *memory.TaskRepo
	instructions *memory.InstructionRepo
	notifier     *recordingNotifier
	tx           repository.TransactionManager
	cfg          AgentConfig
}

func newWorkerFixture() *workerFixture {
	return &workerFixture{
		ai:           &fakeAI{reply: "hello"},
		dispatcher:   newFakeDispatcher(),
		tasks:        memory.NewTaskRepo(),
		instructions: memory.NewInstructionRepo(),
		notifier:     &recordingNotifier{},
		tx:           memory.TxManager{},
		cfg:          AgentConfig{MessageTimeout: 2 * time.Second, CycleInterval: 10 * time.Millisecond},
	}
}

func (f *workerFixture) deps() AgentDeps {
	return AgentDeps{
		AI:           f.ai,
		Dispatcher:   f.dispatcher,
		Retrieval:    fakeRetrieval{},
		Tasks:        f.tasks,
		Instructions: f.instructions,
		TxManager:    f.tx,
		Notifier:     f.notifier,
	}
}

func (f *workerFixture) start(t *testing.T, userID string) *AgentWorker {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewAgentWorker(userID, f.cfg, f.deps(), testLogger())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = w.Wait(context.Background())
	})
	return w
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyTx fails the first failures transactions and then behaves like the memory manager.
type flakyTx struct {
	mu       sync.Mutex
	failures int
}

func (f *flakyTx) WithTx(ctx context.Context, opts pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return memory.TxManager{}.WithTx(ctx, opts, fn)
}
