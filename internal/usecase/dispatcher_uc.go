package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/domain/ports/repository"
)

// Compile-time check
var _ DispatcherUseCase = (*dispatcherUC)(nil)

type DispatcherUseCase interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
	ExecuteRule(ctx context.Context, userID string, actions []string, trigger string) (string, error)
	ExecuteTask(ctx context.Context, t *model.Task) Outcome
	ToolNames() []string
}

type DispatchRequest struct {
	UserID  string
	Text    string
	Context string
	History []adapter.Message
	// Tools limits the offered tools; empty offers all of them.
	Tools []string
}

// CallOutcome is the result of one tool call.
type CallOutcome struct {
	Tool   string
	Result string
	Err    error
	Kind   domain.ErrorKind
	// Task is set when the call was deferred into (or created) a durable task.
	Task *model.Task
}

type DispatchResult struct {
	Text     string
	Calls    []CallOutcome
	Response string
}

// Tasks lists the tasks created while dispatching.
func (r *DispatchResult) Tasks() []*model.Task {
	var out []*model.Task
	for _, c := range r.Calls {
		if c.Task != nil {
			out = append(out, c.Task)
		}
	}
	return out
}

type DispatcherDeps struct {
	AI       adapter.AIServiceAdapter
	Email    adapter.EmailProvider
	Calendar adapter.CalendarProvider
	CRM      adapter.CRMProvider
	Tasks    repository.TaskRepository
	Model    string
	Location *time.Location
	Now      func() time.Time
}

type dispatcherUC struct {
	ai       adapter.AIServiceAdapter
	email    adapter.EmailProvider
	calendar adapter.CalendarProvider
	crm      adapter.CRMProvider
	tasks    repository.TaskRepository
	model    string
	loc      *time.Location
	now      func() time.Time
	tools    map[string]toolDef
	log      *zerolog.Logger
}

func NewDispatcherUseCase(deps DispatcherDeps, logger *zerolog.Logger) *dispatcherUC {
	l := logger.With().Str("component", "Dispatcher").Logger()
	d := &dispatcherUC{
		ai:       deps.AI,
		email:    deps.Email,
		calendar: deps.Calendar,
		crm:      deps.CRM,
		tasks:    deps.Tasks,
		model:    deps.Model,
		loc:      deps.Location,
		now:      deps.Now,
		log:      &l,
	}
	if d.loc == nil {
		d.loc = time.UTC
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.tools = d.buildTools()
	return d
}

func (d *dispatcherUC) ToolNames() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *dispatcherUC) schemas(only []string) []adapter.ToolSchema {
	names := only
	if len(names) == 0 {
		names = d.ToolNames()
	}
	out := make([]adapter.ToolSchema, 0, len(names))
	for _, name := range names {
		if def, ok := d.tools[name]; ok {
			out = append(out, def.schema)
		}
	}
	return out
}

func (d *dispatcherUC) systemPrompt() string {
	now := d.now().In(d.loc)
	return fmt.Sprintf(`You are an assistant for a financial advisor. You can act on their Gmail, Google Calendar and HubSpot CRM through the provided tools.
Current time: %s (%s).
Use tools when the request needs an action or live data. Use only email addresses and names that appear in the request or the context. Answer briefly.`,
		now.Format(time.RFC3339), d.loc.String())
}

func (d *dispatcherUC) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	msgs := []adapter.Message{{Role: "system", Content: d.systemPrompt()}}
	if strings.TrimSpace(req.Context) != "" {
		msgs = append(msgs, adapter.Message{Role: "system", Content: "Context from the advisor's data:\n" + req.Context})
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, adapter.Message{Role: "user", Content: req.Text})

	res, err := d.ai.ChatWithTools(ctx, d.model, msgs, d.schemas(req.Tools))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", asUpstream("llm", err))
	}

	out := &DispatchResult{Text: strings.TrimSpace(res.Content)}
	for _, call := range res.ToolCalls {
		co := d.runCall(ctx, req.UserID, call, true)
		if co.Err != nil {
			d.log.Warn().Err(co.Err).Str("user_id", req.UserID).Str("tool", co.Tool).Str("kind", string(co.Kind)).Msg("tool call failed")
		}
		out.Calls = append(out.Calls, co)
	}
	out.Response = composeResponse(out.Text, out.Calls)
	if out.Response == "" {
		return out, domain.ErrEmptyModelResponse
	}
	return out, nil
}

// runCall executes one tool call. When deferNotConnected is set, an action tool
// whose integration is missing is turned into a pending task instead of failing.
func (d *dispatcherUC) runCall(ctx context.Context, userID string, call adapter.ToolCall, deferNotConnected bool) (co CallOutcome) {
	co.Tool = call.Name
	def, ok := d.tools[call.Name]
	if !ok {
		co.Err = fmt.Errorf("%w: %q", domain.ErrUnknownTool, call.Name)
		co.Kind = domain.Classify(co.Err)
		return co
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		co.Err = invalidArg("arguments are not valid JSON")
		co.Kind = domain.KindInvalidArguments
		return co
	}

	var created []*model.Task
	result, err := safeRun(withTaskSink(ctx, &created), def.run, userID, args)
	if len(created) > 0 {
		co.Task = created[0]
	}
	if err == nil {
		co.Result = result
		return co
	}

	if deferNotConnected && def.taskType != "" && errors.Is(err, domain.ErrNotConnected) {
		t, derr := d.deferCall(ctx, userID, def, call.Name, args)
		if derr == nil {
			co.Task = t
			co.Result = fmt.Sprintf("%s is not connected, so I created a pending %s task %q (task %s). It will run once %s is connected.",
				integrationName(def.integration), t.Type, t.Title, t.ID, integrationName(def.integration))
			return co
		}
		err = fmt.Errorf("%w (deferring failed: %v)", err, derr)
	}
	co.Err = err
	co.Kind = domain.Classify(err)
	return co
}

func (d *dispatcherUC) deferCall(ctx context.Context, userID string, def toolDef, name string, args json.RawMessage) (*model.Task, error) {
	var argMap map[string]any
	if err := json.Unmarshal(args, &argMap); err != nil {
		return nil, invalidArg("arguments must be a JSON object")
	}
	params := map[string]any{"tool": name, "arguments": argMap}
	t, err := model.NewTask(userID, describeCall(name, argMap), "Deferred "+name+" call.", def.taskType, params)
	if err != nil {
		return nil, err
	}
	if err := d.tasks.Save(ctx, nil, t); err != nil {
		return nil, fmt.Errorf("save deferred task: %w", err)
	}
	return t, nil
}

func safeRun(ctx context.Context, run toolHandler, userID string, args json.RawMessage) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tool panicked: %v", domain.ErrOperationFailed, r)
		}
	}()
	return run(ctx, userID, args)
}

func (d *dispatcherUC) ExecuteRule(ctx context.Context, userID string, actions []string, trigger string) (string, error) {
	run, err := d.runRule(ctx, userID, actions, trigger, nil)
	return strings.Join(run.done, "\n"), err
}

// ruleRun is the progress of a rule: one numbered result per finished action
// and the tasks its tool calls created.
type ruleRun struct {
	done  []string
	tasks []*model.Task
}

// runRule performs actions in order, skipping the len(done) actions that finished
// in an earlier attempt and feeding their results to the remaining ones.
func (d *dispatcherUC) runRule(ctx context.Context, userID string, actions []string, trigger string, done []string) (ruleRun, error) {
	run := ruleRun{done: append([]string(nil), done...)}
	for i := len(run.done); i < len(actions); i++ {
		action := actions[i]
		var b strings.Builder
		fmt.Fprintf(&b, "Trigger:\n%s\n\nPerform this action now: %s", trigger, action)
		if len(run.done) > 0 {
			fmt.Fprintf(&b, "\n\nResults of previous actions:\n%s", strings.Join(run.done, "\n"))
		}
		msgs := []adapter.Message{
			{Role: "system", Content: d.systemPrompt() + "\nYou are executing a standing instruction without the advisor present. If the action does not apply to this trigger, say so and call no tool."},
			{Role: "user", Content: b.String()},
		}
		res, err := d.ai.ChatWithTools(ctx, d.model, msgs, d.schemas(nil))
		if err != nil {
			return run, fmt.Errorf("action %d %q: %w", i+1, action, asUpstream("llm", err))
		}

		var parts []string
		if txt := strings.TrimSpace(res.Content); txt != "" {
			parts = append(parts, txt)
		}
		for _, call := range res.ToolCalls {
			co := d.runCall(ctx, userID, call, false)
			if co.Task != nil {
				run.tasks = append(run.tasks, co.Task)
			}
			if co.Err != nil {
				return run, fmt.Errorf("action %d %q: %s: %w", i+1, action, co.Tool, co.Err)
			}
			parts = append(parts, co.Result)
		}
		step := strings.Join(parts, " ")
		if step == "" {
			step = "no result"
		}
		run.done = append(run.done, fmt.Sprintf("%d. %s: %s", i+1, action, step))
	}
	return run, nil
}

// ParamCompletedSteps holds the results of the actions a task already performed.
const ParamCompletedSteps = "completed_steps"

// ExecuteTask runs t. Instruction-driven tasks record finished actions in
// t.Parameters so a retried attempt resumes at the first unfinished one.
func (d *dispatcherUC) ExecuteTask(ctx context.Context, t *model.Task) Outcome {
	switch t.Type {
	case model.TaskTypeEmail, model.TaskTypeCalendar, model.TaskTypeCRM:
		name := t.StringParam("tool")
		if name == "" {
			if t.StringParam("instruction") != "" {
				return d.executeInstruction(ctx, t)
			}
			return Fail(domain.ErrMissingTaskParameters.Error() + ": tool")
		}
		raw, err := json.Marshal(t.Parameters["arguments"])
		if err != nil || string(raw) == "null" {
			raw = []byte("{}")
		}
		co := d.runCall(ctx, t.UserID, adapter.ToolCall{Name: name, Arguments: string(raw)}, false)
		o := outcomeOf(co.Result, co.Err)
		if co.Task != nil {
			o.Tasks = []*model.Task{co.Task}
		}
		return o

	case model.TaskTypeFollowUp:
		if t.StringParam("instruction") == "" {
			return Fail(domain.ErrMissingTaskParameters.Error() + ": instruction")
		}
		return d.executeInstruction(ctx, t)
	}
	return Fail(fmt.Sprintf("unsupported task type %q", t.Type))
}

func (d *dispatcherUC) executeInstruction(ctx context.Context, t *model.Task) Outcome {
	instruction := t.StringParam("instruction")
	actions := SplitActions(ActionPart(instruction))
	if len(actions) == 0 {
		actions = []string{instruction}
	}
	done := completedSteps(t)
	if len(done) > len(actions) {
		done = done[:len(actions)]
	}
	run, err := d.runRule(ctx, t.UserID, actions, describeTrigger(t), done)
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}
	t.Parameters[ParamCompletedSteps] = run.done
	o := outcomeOf(strings.Join(run.done, "\n"), err)
	o.Tasks = run.tasks
	return o
}

// completedSteps reads ParamCompletedSteps, which is []any after a JSON round trip.
func completedSteps(t *model.Task) []string {
	switch v := t.Parameters[ParamCompletedSteps].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func outcomeOf(result string, err error) Outcome {
	switch {
	case err == nil:
		return OK(result)
	case domain.Retryable(err):
		return Retry(err.Error())
	default:
		return Fail(err.Error())
	}
}

func describeTrigger(t *model.Task) string {
	if _, ok := t.Parameters["event"]; !ok {
		return fmt.Sprintf("A task recorded earlier: %s\n%s", t.Title, t.Description)
	}
	evType := t.StringParam("event_type")
	if evType == "" {
		evType = "external"
	}
	payload, err := json.MarshalIndent(t.Parameters["event"], "", "  ")
	if err != nil || string(payload) == "null" {
		payload = []byte("{}")
	}
	return fmt.Sprintf("A %s event arrived:\n%s", evType, payload)
}

// asUpstream keeps classified errors and wraps anything else as an upstream failure.
func asUpstream(provider string, err error) error {
	if domain.Classify(err) != domain.KindInternal {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewUpstreamError(provider, 0, err)
}

func composeResponse(text string, calls []CallOutcome) string {
	var ok, failed []string
	for _, c := range calls {
		if c.Err != nil {
			failed = append(failed, fmt.Sprintf("- %s: %s", c.Tool, errorMessage(c)))
			continue
		}
		ok = append(ok, "- "+c.Result)
	}
	var sections []string
	if text != "" {
		sections = append(sections, text)
	}
	if len(ok) > 0 {
		sections = append(sections, "Completed actions:\n"+strings.Join(ok, "\n"))
	}
	if len(failed) > 0 {
		sections = append(sections, "Errors:\n"+strings.Join(failed, "\n"))
	}
	return strings.Join(sections, "\n\n")
}

func errorMessage(c CallOutcome) string {
	var ue *domain.UpstreamError
	switch {
	case c.Kind == domain.KindNotConnected:
		return "the required integration is not connected. Connect it in settings and try again."
	case errors.As(c.Err, &ue):
		return fmt.Sprintf("%s did not respond correctly, please try again later.", integrationName(ue.Provider))
	}
	return c.Err.Error()
}

func integrationName(provider string) string {
	if n, ok := integrationNames[provider]; ok {
		return n
	}
	return provider
}

func describeCall(name string, args map[string]any) string {
	str := func(k string) string {
		if s, ok := args[k].(string); ok {
			return s
		}
		return ""
	}
	switch name {
	case ToolSendEmail:
		return "Send email: " + truncate(firstNonEmpty(str("subject"), "(no subject)"), 80)
	case ToolCreateCalendarEvent:
		return "Create calendar event: " + truncate(firstNonEmpty(str("summary"), "(untitled)"), 80)
	case ToolCreateContact:
		return "Create contact: " + firstNonEmpty(str("email"), str("first_name"))
	case ToolCreateNote:
		return "Add note to " + firstNonEmpty(str("contact_email"), str("contact_id"), "contact")
	}
	return strings.ReplaceAll(name, "_", " ")
}
