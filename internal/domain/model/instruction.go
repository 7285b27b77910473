package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"advisor-agent/internal/domain"
)

// Event types an instruction can be triggered by.
const (
	EventTypeGmail    = "gmail"
	EventTypeCalendar = "calendar"
	EventTypeHubspot  = "hubspot"
)

// AllEventTypes is the trigger set of an instruction that named none.
var AllEventTypes = []string{EventTypeGmail, EventTypeCalendar, EventTypeHubspot}

func KnownEventType(t string) bool {
	for _, k := range AllEventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Instruction is a standing rule the user asked the agent to follow.
// Instructions are deactivated, never deleted.
type Instruction struct {
	ID            string
	UserID        string
	Text          string
	Active        bool
	TriggerEvents []string
	Priority      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewInstruction(userID, text string, triggers []string, priority int) (*Instruction, error) {
	text = strings.TrimSpace(text)
	if userID == "" || text == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Instruction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Text:          text,
		Active:        true,
		TriggerEvents: NormalizeTriggers(triggers),
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// NormalizeTriggers lowercases, dedups and drops unknown names.
// An empty result means every event type.
func NormalizeTriggers(triggers []string) []string {
	seen := make(map[string]struct{}, len(triggers))
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if !KnownEventType(t) {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return append([]string(nil), AllEventTypes...)
	}
	return out
}

// Matches reports whether the instruction fires for an event of the given type.
func (i *Instruction) Matches(eventType string) bool {
	if !i.Active {
		return false
	}
	for _, t := range i.TriggerEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

func (i *Instruction) Deactivate() {
	i.Active = false
	i.UpdatedAt = time.Now()
}
