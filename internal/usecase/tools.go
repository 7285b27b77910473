package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
)

// Tool names understood by the dispatcher.
const (
	ToolSendEmail           = "send_email"
	ToolListCalendarEvents  = "list_calendar_events"
	ToolCreateCalendarEvent = "create_calendar_event"
	ToolFindFreeSlots       = "find_free_slots"
	ToolCreateContact       = "create_contact"
	ToolSearchContacts      = "search_contacts"
	ToolCreateNote          = "create_note"
	ToolCreateTask          = "create_task"
)

type toolHandler func(ctx context.Context, userID string, args json.RawMessage) (string, error)

// toolDef is one entry of the closed tool table. Action tools carry the task type
// their intent is deferred into when the integration is not connected.
type toolDef struct {
	schema      adapter.ToolSchema
	taskType    model.TaskType
	integration string
	run         toolHandler
}

var integrationNames = map[string]string{
	adapter.ProviderGmail:    "Gmail",
	adapter.ProviderCalendar: "Google Calendar",
	adapter.ProviderHubspot:  "HubSpot",
}

func (d *dispatcherUC) buildTools() map[string]toolDef {
	return map[string]toolDef{
		ToolSendEmail: {
			schema: adapter.ToolSchema{
				Name:        ToolSendEmail,
				Description: "Send an email from the user's Gmail account.",
				Parameters: objectSchema(map[string]any{
					"to":      arrayOf("string", "Recipient email addresses"),
					"cc":      arrayOf("string", "Carbon copy addresses"),
					"subject": prop("string", "Subject line"),
					"body":    prop("string", "Plain text body"),
				}, "to", "subject", "body"),
			},
			taskType:    model.TaskTypeEmail,
			integration: adapter.ProviderGmail,
			run:         d.sendEmail,
		},
		ToolListCalendarEvents: {
			schema: adapter.ToolSchema{
				Name:        ToolListCalendarEvents,
				Description: "List calendar events between two times (RFC3339). Defaults to the next 7 days.",
				Parameters: objectSchema(map[string]any{
					"start": prop("string", "Range start, RFC3339"),
					"end":   prop("string", "Range end, RFC3339"),
				}),
			},
			integration: adapter.ProviderCalendar,
			run:         d.listCalendarEvents,
		},
		ToolCreateCalendarEvent: {
			schema: adapter.ToolSchema{
				Name:        ToolCreateCalendarEvent,
				Description: "Create a calendar event and invite attendees.",
				Parameters: objectSchema(map[string]any{
					"summary":          prop("string", "Event title"),
					"description":      prop("string", "Event description"),
					"start":            prop("string", "Start time, RFC3339"),
					"end":              prop("string", "End time, RFC3339"),
					"duration_minutes": prop("integer", "Used when end is omitted; default 30"),
					"attendees":        arrayOf("string", "Attendee email addresses"),
				}, "summary", "start"),
			},
			taskType:    model.TaskTypeCalendar,
			integration: adapter.ProviderCalendar,
			run:         d.createCalendarEvent,
		},
		ToolFindFreeSlots: {
			schema: adapter.ToolSchema{
				Name:        ToolFindFreeSlots,
				Description: "Find free time slots in the user's calendar.",
				Parameters: objectSchema(map[string]any{
					"start":            prop("string", "Range start, RFC3339"),
					"end":              prop("string", "Range end, RFC3339"),
					"duration_minutes": prop("integer", "Slot length; default 30"),
				}),
			},
			integration: adapter.ProviderCalendar,
			run:         d.findFreeSlots,
		},
		ToolCreateContact: {
			schema: adapter.ToolSchema{
				Name:        ToolCreateContact,
				Description: "Create a contact in HubSpot.",
				Parameters: objectSchema(map[string]any{
					"email":      prop("string", "Contact email"),
					"first_name": prop("string", "First name"),
					"last_name":  prop("string", "Last name"),
					"company":    prop("string", "Company"),
					"phone":      prop("string", "Phone number"),
				}, "email"),
			},
			taskType:    model.TaskTypeCRM,
			integration: adapter.ProviderHubspot,
			run:         d.createContact,
		},
		ToolSearchContacts: {
			schema: adapter.ToolSchema{
				Name:        ToolSearchContacts,
				Description: "Search HubSpot contacts by name or email.",
				Parameters: objectSchema(map[string]any{
					"query": prop("string", "Name or email fragment"),
				}, "query"),
			},
			integration: adapter.ProviderHubspot,
			run:         d.searchContacts,
		},
		ToolCreateNote: {
			schema: adapter.ToolSchema{
				Name:        ToolCreateNote,
				Description: "Add a note to a HubSpot contact, identified by id or email.",
				Parameters: objectSchema(map[string]any{
					"contact_id":    prop("string", "HubSpot contact id"),
					"contact_email": prop("string", "Contact email when the id is unknown"),
					"body":          prop("string", "Note text"),
				}, "body"),
			},
			taskType:    model.TaskTypeCRM,
			integration: adapter.ProviderHubspot,
			run:         d.createNote,
		},
		ToolCreateTask: {
			schema: adapter.ToolSchema{
				Name:        ToolCreateTask,
				Description: "Record a task to be done later, e.g. a follow-up.",
				Parameters: objectSchema(map[string]any{
					"title":         prop("string", "Short title"),
					"description":   prop("string", "What needs to happen"),
					"task_type":     enumOf([]string{"email", "calendar", "crm", "follow_up"}, "Kind of work"),
					"scheduled_for": prop("string", "When to do it, RFC3339"),
				}, "title"),
			},
			run: d.createTask,
		},
	}
}

// ---- handlers ----

type sendEmailArgs struct {
	To      stringList `json:"to"`
	Cc      stringList `json:"cc"`
	Subject string     `json:"subject"`
	Body    string     `json:"body"`
}

func (d *dispatcherUC) sendEmail(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a sendEmailArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if len(a.To) == 0 {
		return "", invalidArg("to is required")
	}
	for _, addr := range append(append([]string{}, a.To...), a.Cc...) {
		if !strings.Contains(addr, "@") {
			return "", invalidArg(fmt.Sprintf("%q is not an email address", addr))
		}
	}
	if strings.TrimSpace(a.Subject) == "" && strings.TrimSpace(a.Body) == "" {
		return "", invalidArg("subject or body is required")
	}
	sent, err := d.email.SendEmail(ctx, userID, adapter.OutgoingEmail{To: a.To, Cc: a.Cc, Subject: a.Subject, Body: a.Body})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Sent email %q to %s (message %s).", a.Subject, strings.Join(a.To, ", "), sent.MessageID), nil
}

type rangeArgs struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (d *dispatcherUC) resolveRange(a rangeArgs) (time.Time, time.Time, error) {
	from := d.now().In(d.loc)
	to := from.Add(7 * 24 * time.Hour)
	var err error
	if a.Start != "" {
		if from, err = parseTime(a.Start, d.loc); err != nil {
			return from, to, err
		}
		to = from.Add(7 * 24 * time.Hour)
	}
	if a.End != "" {
		if to, err = parseTime(a.End, d.loc); err != nil {
			return from, to, err
		}
	}
	if !to.After(from) {
		return from, to, invalidArg("end must be after start")
	}
	return from, to, nil
}

func (d *dispatcherUC) listCalendarEvents(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a rangeArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	from, to, err := d.resolveRange(a)
	if err != nil {
		return "", err
	}
	events, err := d.calendar.ListEvents(ctx, userID, from, to)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("No calendar events between %s and %s.", fmtTime(from), fmtTime(to)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d calendar events:", len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "\n  * %s, %s to %s", ev.Summary, fmtTime(ev.Start.In(d.loc)), fmtTime(ev.End.In(d.loc)))
	}
	return b.String(), nil
}

type createEventArgs struct {
	Summary         string     `json:"summary"`
	Description     string     `json:"description"`
	Start           string     `json:"start"`
	End             string     `json:"end"`
	DurationMinutes int        `json:"duration_minutes"`
	Attendees       stringList `json:"attendees"`
}

func (d *dispatcherUC) createCalendarEvent(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a createEventArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Summary) == "" {
		return "", invalidArg("summary is required")
	}
	if a.Start == "" {
		return "", invalidArg("start is required")
	}
	start, err := parseTime(a.Start, d.loc)
	if err != nil {
		return "", err
	}
	end := start.Add(minutesOr(a.DurationMinutes, 30))
	if a.End != "" {
		if end, err = parseTime(a.End, d.loc); err != nil {
			return "", err
		}
	}
	if !end.After(start) {
		return "", invalidArg("end must be after start")
	}
	ev, err := d.calendar.CreateEvent(ctx, userID, adapter.NewCalendarEvent{
		Summary:     a.Summary,
		Description: a.Description,
		Start:       start,
		End:         end,
		Attendees:   a.Attendees,
	})
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Booked %q on %s to %s", ev.Summary, fmtTime(start), fmtTime(end))
	if len(a.Attendees) > 0 {
		msg += " with " + strings.Join(a.Attendees, ", ")
	}
	return msg + ".", nil
}

func (d *dispatcherUC) findFreeSlots(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a rangeArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	from, to, err := d.resolveRange(a)
	if err != nil {
		return "", err
	}
	dur := minutesOr(a.DurationMinutes, 30)
	slots, err := d.calendar.FindFreeSlots(ctx, userID, from, to, dur)
	if err != nil {
		return "", err
	}
	if len(slots) == 0 {
		return "No free slots found in that range.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d free slots:", len(slots))
	for i, s := range slots {
		if i == 10 {
			fmt.Fprintf(&b, "\n  * ...and %d more", len(slots)-i)
			break
		}
		fmt.Fprintf(&b, "\n  * %s to %s", fmtTime(s.Start.In(d.loc)), fmtTime(s.End.In(d.loc)))
	}
	return b.String(), nil
}

type contactArgs struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`
}

func (d *dispatcherUC) createContact(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a contactArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if !strings.Contains(a.Email, "@") {
		return "", invalidArg("a valid email is required")
	}
	c, err := d.crm.CreateContact(ctx, userID, adapter.Contact{
		Email: a.Email, FirstName: a.FirstName, LastName: a.LastName, Company: a.Company, Phone: a.Phone,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created HubSpot contact %s (%s, id %s).", c.Name(), c.Email, c.ID), nil
}

func (d *dispatcherUC) searchContacts(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Query) == "" {
		return "", invalidArg("query is required")
	}
	contacts, err := d.crm.SearchContacts(ctx, userID, a.Query)
	if err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		return fmt.Sprintf("No contacts match %q.", a.Query), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d contacts match %q:", len(contacts), a.Query)
	for _, c := range contacts {
		fmt.Fprintf(&b, "\n  * %s <%s> (id %s)", c.Name(), c.Email, c.ID)
	}
	return b.String(), nil
}

type noteArgs struct {
	ContactID    string `json:"contact_id"`
	ContactEmail string `json:"contact_email"`
	Body         string `json:"body"`
}

func (d *dispatcherUC) createNote(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a noteArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	if strings.TrimSpace(a.Body) == "" {
		return "", invalidArg("body is required")
	}
	contactID := a.ContactID
	if contactID == "" {
		if a.ContactEmail == "" {
			return "", invalidArg("contact_id or contact_email is required")
		}
		found, err := d.crm.SearchContacts(ctx, userID, a.ContactEmail)
		if err != nil {
			return "", err
		}
		for _, c := range found {
			if strings.EqualFold(c.Email, a.ContactEmail) {
				contactID = c.ID
				break
			}
		}
		if contactID == "" {
			return "", invalidArg(fmt.Sprintf("no contact with email %s", a.ContactEmail))
		}
	}
	n, err := d.crm.CreateNote(ctx, userID, contactID, a.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Added note %s to contact %s.", n.ID, contactID), nil
}

type taskArgs struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TaskType     string `json:"task_type"`
	ScheduledFor string `json:"scheduled_for"`
}

func (d *dispatcherUC) createTask(ctx context.Context, userID string, raw json.RawMessage) (string, error) {
	var a taskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return "", err
	}
	typ := model.TaskType(a.TaskType)
	if a.TaskType == "" {
		typ = model.TaskTypeFollowUp
	}
	// every created task runs as an instruction; tool-backed tasks only come from deferred calls
	params := map[string]any{"instruction": firstNonEmpty(a.Description, a.Title)}
	t, err := model.NewTask(userID, a.Title, a.Description, typ, params)
	if err != nil {
		return "", err
	}
	if a.ScheduledFor != "" {
		at, err := parseTime(a.ScheduledFor, d.loc)
		if err != nil {
			return "", err
		}
		t.ScheduledFor = &at
	}
	if err := d.tasks.Save(ctx, nil, t); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}
	collectTask(ctx, t)
	return fmt.Sprintf("Created %s task %q (task %s).", t.Type, t.Title, t.ID), nil
}

// ---- helpers ----

type taskSinkKey struct{}

// withTaskSink makes tasks persisted by tool handlers visible to the caller.
func withTaskSink(ctx context.Context, sink *[]*model.Task) context.Context {
	return context.WithValue(ctx, taskSinkKey{}, sink)
}

func collectTask(ctx context.Context, t *model.Task) {
	if sink, ok := ctx.Value(taskSinkKey{}).(*[]*model.Task); ok {
		*sink = append(*sink, t)
	}
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = splitAddresses(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	out := make([]string, 0, len(many))
	for _, m := range many {
		out = append(out, splitAddresses(m)...)
	}
	*s = out
	return nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func invalidArg(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, msg)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTime accepts RFC3339 and a few zone-less layouts interpreted in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range timeLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, invalidArg(fmt.Sprintf("cannot parse time %q", s))
}

func fmtTime(t time.Time) string { return t.Format("Mon Jan 2 15:04 MST") }

func minutesOr(m, def int) time.Duration {
	if m <= 0 {
		m = def
	}
	return time.Duration(m) * time.Minute
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func arrayOf(itemType, desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": itemType}, "description": desc}
}

func enumOf(values []string, desc string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
