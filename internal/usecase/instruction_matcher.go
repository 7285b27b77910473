package usecase

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"advisor-agent/internal/domain/model"
)

// MatchInstructions returns the active instructions triggered by eventType,
// highest priority first. Equal priorities keep snapshot order.
func MatchInstructions(snapshot []*model.Instruction, eventType string) []*model.Instruction {
	var out []*model.Instruction
	for _, ins := range snapshot {
		if ins != nil && ins.Matches(eventType) {
			out = append(out, ins)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// FollowUpTask builds the proactive task for one (instruction, event) match.
func FollowUpTask(ins *model.Instruction, ev model.Event) (*model.Task, error) {
	params := map[string]any{
		"instruction_id": ins.ID,
		"instruction":    ins.Text,
		"event_id":       ev.ID,
		"event_type":     ev.Type,
		"event":          ev.Payload,
	}
	desc := fmt.Sprintf("Standing instruction %q triggered by %s event %s.", ins.Text, ev.Type, ev.ID)
	return model.NewTask(ins.UserID, "Follow up: "+truncate(ins.Text, 80), desc, model.TaskTypeFollowUp, params)
}

// FiredSet remembers which (instruction, event) pairs produced a follow-up task,
// grouped by event so a drained event can be forgotten.
type FiredSet map[string]map[string]struct{}

func (f FiredSet) Seen(instructionID, eventID string) bool {
	_, ok := f[eventID][instructionID]
	return ok
}

func (f FiredSet) Mark(instructionID, eventID string) {
	byIns, ok := f[eventID]
	if !ok {
		byIns = map[string]struct{}{}
		f[eventID] = byIns
	}
	byIns[instructionID] = struct{}{}
}

// Forget drops every pair of eventID.
func (f FiredSet) Forget(eventID string) {
	delete(f, eventID)
}

// ---- text heuristics ----

var instructionPattern = regexp.MustCompile(`(?i)^\s*(always|whenever|from now on|going forward|every time|each time|remember to)\b|^\s*never\s+(send|e-?mail|reply|forward|schedule|book|accept|invite|add|create|update|share|cc|contact|call)\b|\b(when|if) (someone|somebody|anyone|a|an|i get|i receive|there is|a new)\b|\b(from now on|going forward|every time|whenever)\b`)

// IsInstruction reports whether text reads like a standing instruction rather than a request.
func IsInstruction(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || strings.HasSuffix(t, "?") {
		return false
	}
	return instructionPattern.MatchString(t)
}

var triggerRules = []struct {
	event string
	re    *regexp.Regexp
}{
	{model.EventTypeGmail, regexp.MustCompile(`(?i)\b(e-?mails?|gmail|inbox|messages? me)\b`)},
	{model.EventTypeCalendar, regexp.MustCompile(`(?i)\b(meetings?|calendar|events?|invites?|invitations?|appointments?)\b`)},
	{model.EventTypeHubspot, regexp.MustCompile(`(?i)\b(hubspot|crm|new contacts?|contacts? (is |gets |are )?(created|added)|notes? (is |gets )?(created|added))\b`)},
}

// InferTriggerEvents guesses which event types an instruction reacts to from its trigger clause.
// No match means every type.
func InferTriggerEvents(text string) []string {
	clause := notInCRM.ReplaceAllString(triggerClause(text), "")
	var out []string
	for _, r := range triggerRules {
		if r.re.MatchString(clause) {
			out = append(out, r.event)
		}
	}
	return model.NormalizeTriggers(out)
}

// notInCRM strips conditions like "that is not in HubSpot", which filter rather than trigger.
var notInCRM = regexp.MustCompile(`(?i)\b(is not|isn't|are not|aren't|not)\s+(yet\s+)?(in|on)\s+(my\s+|the\s+)?(hubspot|crm)\b`)

var thenSplit = regexp.MustCompile(`(?i)\s+then\s+`)

// triggerClause is the condition part of "when X, do Y" / "when X then Y".
func triggerClause(text string) string {
	if i := strings.Index(text, ","); i > 0 {
		return text[:i]
	}
	if loc := thenSplit.FindStringIndex(text); loc != nil {
		return text[:loc[0]]
	}
	return text
}

// ActionPart is the "do Y" part of an instruction, or the whole text when it has no condition.
func ActionPart(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, ","); i > 0 && i < len(text)-1 {
		return strings.TrimSpace(text[i+1:])
	}
	if loc := thenSplit.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[loc[1]:])
	}
	return text
}

var actionSplit = regexp.MustCompile(`(?i)\s*(?:;\s*(?:and\s+)?(?:then\s+)?|,?\s+and then\s+|,?\s+then\s+|,\s+and\s+)\s*`)

// SplitActions splits an action clause into ordered action descriptors.
func SplitActions(action string) []string {
	var out []string
	for _, part := range actionSplit.Split(action, -1) {
		part = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "."))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

var actionIntent = regexp.MustCompile(`(?i)\b(send|e-?mail|schedule|reschedule|book|create|add|set up|arrange|cancel|invite|remind|note|follow[- ]up|contact|meeting|draft|reply|free slots?|availability)\b`)

// HasActionIntent reports whether a request likely needs a tool.
func HasActionIntent(text string) bool {
	return actionIntent.MatchString(text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
