package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.CalendarProvider = (*CalendarClient)(nil)

const calendarBaseURL = "https://www.googleapis.com/calendar/v3"

// WorkingHours bounds the slots FindFreeSlots proposes.
type WorkingHours struct {
	Location  *time.Location
	StartHour int
	EndHour   int
	Weekends  bool
}

func (w WorkingHours) normalized() WorkingHours {
	if w.Location == nil {
		w.Location = time.UTC
	}
	if w.EndHour <= w.StartHour || w.EndHour > 24 {
		w.StartHour, w.EndHour = 9, 17
	}
	return w
}

// CalendarClient talks to the user's primary Google calendar.
type CalendarClient struct {
	api   *apiClient
	hours WorkingHours
}

func NewCalendarClient(creds adapter.CredentialSource, hours WorkingHours, opts Options, logger *zerolog.Logger) *CalendarClient {
	return &CalendarClient{
		api:   newAPIClient(adapter.ProviderCalendar, calendarBaseURL, creds, opts, logger),
		hours: hours.normalized(),
	}
}

func (c *CalendarClient) ListEvents(ctx context.Context, userID string, from, to time.Time) ([]adapter.CalendarEvent, error) {
	q := url.Values{}
	q.Set("timeMin", from.UTC().Format(time.RFC3339))
	q.Set("timeMax", to.UTC().Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", "50")
	doc, err := c.api.do(ctx, userID, http.MethodGet, "/calendars/primary/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out []adapter.CalendarEvent
	for _, item := range doc.Get("items").Array() {
		if item.Get("status").String() == "cancelled" {
			continue
		}
		out = append(out, parseEvent(item, c.hours.Location))
	}
	return out, nil
}

func (c *CalendarClient) CreateEvent(ctx context.Context, userID string, ev adapter.NewCalendarEvent) (adapter.CalendarEvent, error) {
	if !ev.End.After(ev.Start) {
		return adapter.CalendarEvent{}, fmt.Errorf("%w: event must end after it starts", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"summary":     ev.Summary,
		"description": ev.Description,
		"start":       map[string]string{"dateTime": ev.Start.Format(time.RFC3339)},
		"end":         map[string]string{"dateTime": ev.End.Format(time.RFC3339)},
	}
	if len(ev.Attendees) > 0 {
		att := make([]map[string]string, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			att = append(att, map[string]string{"email": a})
		}
		body["attendees"] = att
	}
	doc, err := c.api.do(ctx, userID, http.MethodPost, "/calendars/primary/events?sendUpdates=all", body)
	if err != nil {
		return adapter.CalendarEvent{}, err
	}
	return parseEvent(doc, c.hours.Location), nil
}

func (c *CalendarClient) FindFreeSlots(ctx context.Context, userID string, from, to time.Time, duration time.Duration) ([]adapter.TimeSlot, error) {
	if duration <= 0 || !to.After(from) {
		return nil, fmt.Errorf("%w: empty search window", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"timeMin": from.UTC().Format(time.RFC3339),
		"timeMax": to.UTC().Format(time.RFC3339),
		"items":   []map[string]string{{"id": "primary"}},
	}
	doc, err := c.api.do(ctx, userID, http.MethodPost, "/freeBusy", body)
	if err != nil {
		return nil, err
	}
	var busy []adapter.TimeSlot
	for _, b := range doc.Get("calendars.primary.busy").Array() {
		s, err1 := time.Parse(time.RFC3339, b.Get("start").String())
		e, err2 := time.Parse(time.RFC3339, b.Get("end").String())
		if err1 != nil || err2 != nil {
			continue
		}
		busy = append(busy, adapter.TimeSlot{Start: s, End: e})
	}
	return FreeSlots(busy, from, to, duration, c.hours), nil
}

// FreeSlots walks working hours between from and to and returns back-to-back
// slots of the given duration that overlap no busy interval.
func FreeSlots(busy []adapter.TimeSlot, from, to time.Time, duration time.Duration, hours WorkingHours) []adapter.TimeSlot {
	hours = hours.normalized()
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	var out []adapter.TimeSlot
	from = from.In(hours.Location)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, hours.Location)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if !hours.Weekends && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
			continue
		}
		dayStart := day.Add(time.Duration(hours.StartHour) * time.Hour)
		dayEnd := day.Add(time.Duration(hours.EndHour) * time.Hour)
		if dayStart.Before(from) {
			dayStart = ceilTo(from, 30*time.Minute)
		}
		if dayEnd.After(to) {
			dayEnd = to
		}
		for s := dayStart; !s.Add(duration).After(dayEnd); {
			e := s.Add(duration)
			if b, clash := overlapping(busy, s, e); clash {
				s = ceilTo(b.End.In(hours.Location), 15*time.Minute)
				continue
			}
			out = append(out, adapter.TimeSlot{Start: s, End: e})
			s = e
		}
	}
	return out
}

func overlapping(busy []adapter.TimeSlot, s, e time.Time) (adapter.TimeSlot, bool) {
	for _, b := range busy {
		if b.Start.Before(e) && b.End.After(s) {
			return b, true
		}
	}
	return adapter.TimeSlot{}, false
}

func ceilTo(t time.Time, step time.Duration) time.Time {
	r := t.Truncate(step)
	if r.Before(t) {
		r = r.Add(step)
	}
	return r
}

func parseEvent(item gjson.Result, loc *time.Location) adapter.CalendarEvent {
	ev := adapter.CalendarEvent{
		ID:      item.Get("id").String(),
		Summary: item.Get("summary").String(),
		Link:    item.Get("htmlLink").String(),
		Start:   parseEventTime(item.Get("start"), loc),
		End:     parseEventTime(item.Get("end"), loc),
	}
	for _, a := range item.Get("attendees.#.email").Array() {
		ev.Attendees = append(ev.Attendees, a.String())
	}
	return ev
}

// parseEventTime accepts timed events and all-day dates.
func parseEventTime(r gjson.Result, loc *time.Location) time.Time {
	if dt := r.Get("dateTime").String(); dt != "" {
		if t, err := time.Parse(time.RFC3339, dt); err == nil {
			return t
		}
	}
	if d := r.Get("date").String(); d != "" {
		if t, err := time.ParseInLocation("2006-01-02", d, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}
