package adapter

import (
	"context"
	"time"
)

// Provider names used for credentials and errors.
const (
	ProviderGmail    = "gmail"
	ProviderCalendar = "google_calendar"
	ProviderHubspot  = "hubspot"
)

// CredentialSource yields a usable access token for a user's delegated provider.
// A missing or expired credential is domain.ErrNotConnected.
type CredentialSource interface {
	AccessToken(ctx context.Context, userID, provider string) (string, error)
}

type OutgoingEmail struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

type SentEmail struct {
	MessageID string
	ThreadID  string
}

type EmailProvider interface {
	SendEmail(ctx context.Context, userID string, msg OutgoingEmail) (SentEmail, error)
}

type CalendarEvent struct {
	ID        string
	Summary   string
	Start     time.Time
	End       time.Time
	Attendees []string
	Link      string
}

type NewCalendarEvent struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

type TimeSlot struct {
	Start time.Time
	End   time.Time
}

type CalendarProvider interface {
	ListEvents(ctx context.Context, userID string, from, to time.Time) ([]CalendarEvent, error)
	CreateEvent(ctx context.Context, userID string, ev NewCalendarEvent) (CalendarEvent, error)
	FindFreeSlots(ctx context.Context, userID string, from, to time.Time, duration time.Duration) ([]TimeSlot, error)
}

type Contact struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Company   string
	Phone     string
}

func (c Contact) Name() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	case c.LastName != "":
		return c.LastName
	}
	return c.Email
}

type Note struct {
	ID        string
	ContactID string
	Body      string
	CreatedAt time.Time
}

type CRMProvider interface {
	CreateContact(ctx context.Context, userID string, c Contact) (Contact, error)
	SearchContacts(ctx context.Context, userID, query string) ([]Contact, error)
	CreateNote(ctx context.Context, userID, contactID, body string) (Note, error)
}
