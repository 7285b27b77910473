package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.CRMProvider = (*HubspotClient)(nil)

const (
	hubspotBaseURL = "https://api.hubapi.com"
	// HubSpot-defined association type for note -> contact
	noteToContactAssociation = 202
	searchLimit              = 10
)

var contactProperties = []string{"email", "firstname", "lastname", "company", "phone"}

// HubspotClient manages contacts and notes in HubSpot CRM v3.
type HubspotClient struct {
	api *apiClient
	now func() time.Time
}

func NewHubspotClient(creds adapter.CredentialSource, opts Options, logger *zerolog.Logger) *HubspotClient {
	return &HubspotClient{
		api: newAPIClient(adapter.ProviderHubspot, hubspotBaseURL, creds, opts, logger),
		now: time.Now,
	}
}

// CreateContact returns the existing contact when the email is already known.
func (h *HubspotClient) CreateContact(ctx context.Context, userID string, c adapter.Contact) (adapter.Contact, error) {
	if strings.TrimSpace(c.Email) == "" {
		return adapter.Contact{}, fmt.Errorf("%w: contact email is required", domain.ErrInvalidArgument)
	}
	props := map[string]string{"email": c.Email}
	setIf(props, "firstname", c.FirstName)
	setIf(props, "lastname", c.LastName)
	setIf(props, "company", c.Company)
	setIf(props, "phone", c.Phone)

	doc, err := h.api.do(ctx, userID, http.MethodPost, "/crm/v3/objects/contacts", map[string]any{"properties": props})
	if errors.Is(err, domain.ErrAlreadyExists) {
		found, serr := h.SearchContacts(ctx, userID, c.Email)
		if serr == nil {
			for _, f := range found {
				if strings.EqualFold(f.Email, c.Email) {
					return f, nil
				}
			}
		}
		return adapter.Contact{}, err
	}
	if err != nil {
		return adapter.Contact{}, err
	}
	return parseContact(doc), nil
}

func (h *HubspotClient) SearchContacts(ctx context.Context, userID, query string) ([]adapter.Contact, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", domain.ErrInvalidArgument)
	}
	body := map[string]any{
		"query":      query,
		"limit":      searchLimit,
		"properties": contactProperties,
	}
	doc, err := h.api.do(ctx, userID, http.MethodPost, "/crm/v3/objects/contacts/search", body)
	if err != nil {
		return nil, err
	}
	var out []adapter.Contact
	for _, r := range doc.Get("results").Array() {
		out = append(out, parseContact(r))
	}
	return out, nil
}

func (h *HubspotClient) CreateNote(ctx context.Context, userID, contactID, body string) (adapter.Note, error) {
	if contactID == "" || strings.TrimSpace(body) == "" {
		return adapter.Note{}, fmt.Errorf("%w: note needs a contact and a body", domain.ErrInvalidArgument)
	}
	now := h.now().UTC()
	req := map[string]any{
		"properties": map[string]string{
			"hs_note_body": body,
			"hs_timestamp": now.Format(time.RFC3339),
		},
		"associations": []map[string]any{{
			"to": map[string]string{"id": contactID},
			"types": []map[string]any{{
				"associationCategory": "HUBSPOT_DEFINED",
				"associationTypeId":   noteToContactAssociation,
			}},
		}},
	}
	doc, err := h.api.do(ctx, userID, http.MethodPost, "/crm/v3/objects/notes", req)
	if err != nil {
		return adapter.Note{}, err
	}
	created := now
	if t, err := time.Parse(time.RFC3339, doc.Get("createdAt").String()); err == nil {
		created = t
	}
	return adapter.Note{
		ID:        doc.Get("id").String(),
		ContactID: contactID,
		Body:      body,
		CreatedAt: created,
	}, nil
}

func parseContact(r gjson.Result) adapter.Contact {
	p := r.Get("properties")
	return adapter.Contact{
		ID:        r.Get("id").String(),
		Email:     p.Get("email").String(),
		FirstName: p.Get("firstname").String(),
		LastName:  p.Get("lastname").String(),
		Company:   p.Get("company").String(),
		Phone:     p.Get("phone").String(),
	}
}

func setIf(m map[string]string, k, v string) {
	if v = strings.TrimSpace(v); v != "" {
		m[k] = v
	}
}
