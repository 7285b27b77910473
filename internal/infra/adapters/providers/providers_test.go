//go:build !integration

package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/db/memory"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func connected(provider string) *memory.CredentialStore {
	s := memory.NewCredentialStore()
	s.Put("u1", provider, "tok", time.Time{})
	return s
}

func TestGmail_SendEmail(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me/messages/send" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw = body["raw"]
		_, _ = io.WriteString(w, `{"id":"m1","threadId":"t1"}`)
	}))
	defer srv.Close()

	g := NewGmailClient(connected(adapter.ProviderGmail), Options{BaseURL: srv.URL}, testLogger())
	sent, err := g.SendEmail(context.Background(), "u1", adapter.OutgoingEmail{
		To: []string{"sara@example.com"}, Subject: "Review", Body: "See you Tuesday",
	})
	if err != nil {
		t.Fatalf("SendEmail: %v", err)
	}
	if sent.MessageID != "m1" || sent.ThreadID != "t1" {
		t.Errorf("unexpected result %+v", sent)
	}
	msg, _ := base64.RawURLEncoding.DecodeString(raw)
	if !strings.Contains(string(msg), "To: sara@example.com") || !strings.Contains(string(msg), "See you Tuesday") {
		t.Errorf("unexpected message %q", msg)
	}

	t.Run("should report not connected without calling the API", func(t *testing.T) {
		g := NewGmailClient(memory.NewCredentialStore(), Options{BaseURL: srv.URL}, testLogger())
		_, err := g.SendEmail(context.Background(), "u1", adapter.OutgoingEmail{To: []string{"a@b.c"}})
		if !errors.Is(err, domain.ErrNotConnected) {
			t.Errorf("expected not connected, got %v", err)
		}
	})
}

func TestAPIClient_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusUnauthorized, domain.KindNotConnected},
		{http.StatusBadRequest, domain.KindInvalidArguments},
		{http.StatusBadGateway, domain.KindUpstream},
		{http.StatusTooManyRequests, domain.KindUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
		}))
		g := NewGmailClient(connected(adapter.ProviderGmail), Options{BaseURL: srv.URL}, testLogger())
		_, err := g.SendEmail(context.Background(), "u1", adapter.OutgoingEmail{To: []string{"a@b.c"}})
		if got := domain.Classify(err); got != tc.kind {
			t.Errorf("status %d: expected %s, got %s (%v)", tc.status, tc.kind, got, err)
		}
		if err != nil && !strings.Contains(err.Error(), "nope") {
			t.Errorf("status %d: provider message lost: %v", tc.status, err)
		}
		srv.Close()
	}
}

func TestAPIClient_BreakerOpensOnServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewGmailClient(connected(adapter.ProviderGmail),
		Options{BaseURL: srv.URL, BreakerFailures: 2, BreakerCooldown: time.Hour}, testLogger())
	for i := 0; i < 4; i++ {
		_, err := g.SendEmail(context.Background(), "u1", adapter.OutgoingEmail{To: []string{"a@b.c"}})
		if domain.Classify(err) != domain.KindUpstream {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if calls != 2 {
		t.Errorf("open breaker should stop calls, server saw %d", calls)
	}
}

func TestCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/calendars/primary/events":
			_, _ = io.WriteString(w, `{"items":[
				{"id":"e1","summary":"Review","htmlLink":"https://cal/e1",
				 "start":{"dateTime":"2026-10-19T10:00:00Z"},"end":{"dateTime":"2026-10-19T11:00:00Z"},
				 "attendees":[{"email":"sara@example.com"}]},
				{"id":"e2","status":"cancelled","start":{"date":"2026-10-20"},"end":{"date":"2026-10-21"}}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/calendars/primary/events":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["summary"] != "Meeting with Sara" {
				t.Errorf("unexpected body %v", body)
			}
			_, _ = io.WriteString(w, `{"id":"e9","summary":"Meeting with Sara",
				"start":{"dateTime":"2026-10-19T14:00:00Z"},"end":{"dateTime":"2026-10-19T14:30:00Z"}}`)
		case r.URL.Path == "/freeBusy":
			_, _ = io.WriteString(w, `{"calendars":{"primary":{"busy":[
				{"start":"2026-10-19T09:00:00Z","end":"2026-10-19T10:00:00Z"}]}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewCalendarClient(connected(adapter.ProviderCalendar), WorkingHours{}, Options{BaseURL: srv.URL}, testLogger())
	ctx := context.Background()
	monday := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	t.Run("should list events and skip cancelled ones", func(t *testing.T) {
		evs, err := c.ListEvents(ctx, "u1", monday, monday.AddDate(0, 0, 7))
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 1 || evs[0].Summary != "Review" || evs[0].Attendees[0] != "sara@example.com" {
			t.Errorf("unexpected events %+v", evs)
		}
	})

	t.Run("should create an event", func(t *testing.T) {
		start := monday.Add(14 * time.Hour)
		ev, err := c.CreateEvent(ctx, "u1", adapter.NewCalendarEvent{Summary: "Meeting with Sara", Start: start, End: start.Add(30 * time.Minute)})
		if err != nil || ev.ID != "e9" || !ev.Start.Equal(start) {
			t.Errorf("unexpected event %+v %v", ev, err)
		}
	})

	t.Run("should derive free slots around busy time", func(t *testing.T) {
		slots, err := c.FindFreeSlots(ctx, "u1", monday.Add(9*time.Hour), monday.Add(12*time.Hour), time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if len(slots) != 2 || slots[0].Start.Hour() != 10 || slots[1].Start.Hour() != 11 {
			t.Errorf("unexpected slots %+v", slots)
		}
	})
}

func TestFreeSlots_SkipsWeekendsAndRespectsHours(t *testing.T) {
	saturday := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	slots := FreeSlots(nil, saturday, saturday.AddDate(0, 0, 3), 4*time.Hour, WorkingHours{})
	// only Monday 9-17 fits two 4h slots
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %+v", slots)
	}
	for _, s := range slots {
		if s.Start.Weekday() != time.Monday || s.Start.Hour() < 9 || s.End.Hour() > 17 {
			t.Errorf("slot outside working hours: %+v", s)
		}
	}
}

func TestHubspot(t *testing.T) {
	var noteBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crm/v3/objects/contacts":
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"message":"Contact already exists"}`)
		case "/crm/v3/objects/contacts/search":
			_, _ = io.WriteString(w, `{"results":[{"id":"101","properties":{"email":"bill@example.com","firstname":"Bill"}}]}`)
		case "/crm/v3/objects/notes":
			_ = json.NewDecoder(r.Body).Decode(&noteBody)
			_, _ = io.WriteString(w, `{"id":"n1","createdAt":"2026-10-16T09:00:00Z"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHubspotClient(connected(adapter.ProviderHubspot), Options{BaseURL: srv.URL}, testLogger())
	ctx := context.Background()

	t.Run("should return the existing contact on conflict", func(t *testing.T) {
		c, err := h.CreateContact(ctx, "u1", adapter.Contact{Email: "Bill@example.com"})
		if err != nil || c.ID != "101" || c.Name() != "Bill" {
			t.Errorf("unexpected contact %+v %v", c, err)
		}
	})

	t.Run("should associate notes with the contact", func(t *testing.T) {
		n, err := h.CreateNote(ctx, "u1", "101", "Discussed rollover")
		if err != nil || n.ID != "n1" {
			t.Fatalf("unexpected note %+v %v", n, err)
		}
		assoc := noteBody["associations"].([]any)[0].(map[string]any)
		if assoc["to"].(map[string]any)["id"] != "101" {
			t.Errorf("note not associated: %v", noteBody)
		}
	})

	t.Run("should reject empty queries locally", func(t *testing.T) {
		if _, err := h.SearchContacts(ctx, "u1", "  "); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	})
}
