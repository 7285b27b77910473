//go:build !integration

package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// ---- AI ----

// scriptedAI replays ChatWithTools results in order; the last one repeats.
type scriptedAI struct {
	mu      sync.Mutex
	results []adapter.ChatResult
	err     error
	prompts [][]adapter.Message
}

func (f *scriptedAI) ListModels(ctx context.Context) ([]string, error) { return []string{"test"}, nil }

func (f *scriptedAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	return adapter.ModelInfo{Name: model}, nil
}

func (f *scriptedAI) CountTokens(ctx context.Context, model string, messages []adapter.Message) (int, error) {
	return len(messages), nil
}

func (f *scriptedAI) Chat(ctx context.Context, model string, messages []adapter.Message) (string, error) {
	res, err := f.ChatWithTools(ctx, model, messages, nil)
	return res.Content, err
}

func (f *scriptedAI) ChatWithUsage(ctx context.Context, model string, messages []adapter.Message) (string, adapter.Usage, error) {
	s, err := f.Chat(ctx, model, messages)
	return s, adapter.Usage{}, err
}

func (f *scriptedAI) ChatWithTools(ctx context.Context, model string, messages []adapter.Message, tools []adapter.ToolSchema) (adapter.ChatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, append([]adapter.Message(nil), messages...))
	if f.err != nil {
		return adapter.ChatResult{}, f.err
	}
	if len(f.results) == 0 {
		return adapter.ChatResult{}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *scriptedAI) lastUserPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	msgs := f.prompts[len(f.prompts)-1]
	return msgs[len(msgs)-1].Content
}

func toolCall(name, args string) adapter.ToolCall {
	return adapter.ToolCall{ID: "call_" + name, Name: name, Arguments: args}
}

// ---- embeddings ----

type fakeEmbedder struct {
	vectors map[string][]float32
	dims    int
	err     error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return v, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

// ---- providers ----

type fakeEmail struct {
	mu   sync.Mutex
	err  error
	sent []adapter.OutgoingEmail
}

func (f *fakeEmail) SendEmail(ctx context.Context, userID string, msg adapter.OutgoingEmail) (adapter.SentEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return adapter.SentEmail{}, f.err
	}
	f.sent = append(f.sent, msg)
	return adapter.SentEmail{MessageID: "msg-1", ThreadID: "thr-1"}, nil
}

type fakeCalendar struct {
	mu      sync.Mutex
	err     error
	created []adapter.NewCalendarEvent
}

func (f *fakeCalendar) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]adapter.CalendarEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, userID string, ev adapter.NewCalendarEvent) (adapter.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return adapter.CalendarEvent{}, f.err
	}
	f.created = append(f.created, ev)
	return adapter.CalendarEvent{ID: "ev-1", Summary: ev.Summary, Start: ev.Start, End: ev.End, Attendees: ev.Attendees}, nil
}

func (f *fakeCalendar) FindFreeSlots(ctx context.Context, userID string, from, to time.Time, d time.Duration) ([]adapter.TimeSlot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []adapter.TimeSlot{{Start: from, End: from.Add(d)}}, nil
}

type fakeCRM struct {
	mu       sync.Mutex
	err      error
	contacts []adapter.Contact
	notes    []adapter.Note
}

func (f *fakeCRM) CreateContact(ctx context.Context, userID string, c adapter.Contact) (adapter.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return adapter.Contact{}, f.err
	}
	c.ID = "c-" + c.Email
	f.contacts = append(f.contacts, c)
	return c, nil
}

func (f *fakeCRM) SearchContacts(ctx context.Context, userID, query string) ([]adapter.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []adapter.Contact
	for _, c := range f.contacts {
		if c.Email == query {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCRM) CreateNote(ctx context.Context, userID, contactID, body string) (adapter.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return adapter.Note{}, f.err
	}
	n := adapter.Note{ID: "n-1", ContactID: contactID, Body: body}
	f.notes = append(f.notes, n)
	return n, nil
}

var errNotConnected = domain.ErrNotConnected
