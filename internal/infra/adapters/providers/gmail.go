package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.EmailProvider = (*GmailClient)(nil)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// GmailClient sends mail as the user through the Gmail API.
type GmailClient struct {
	api *apiClient
}

func NewGmailClient(creds adapter.CredentialSource, opts Options, logger *zerolog.Logger) *GmailClient {
	return &GmailClient{api: newAPIClient(adapter.ProviderGmail, gmailBaseURL, creds, opts, logger)}
}

func (g *GmailClient) SendEmail(ctx context.Context, userID string, msg adapter.OutgoingEmail) (adapter.SentEmail, error) {
	if len(msg.To) == 0 {
		return adapter.SentEmail{}, fmt.Errorf("%w: at least one recipient", domain.ErrInvalidArgument)
	}
	raw := base64.RawURLEncoding.EncodeToString([]byte(buildRFC822(msg)))
	doc, err := g.api.do(ctx, userID, http.MethodPost, "/users/me/messages/send", map[string]string{"raw": raw})
	if err != nil {
		return adapter.SentEmail{}, err
	}
	return adapter.SentEmail{
		MessageID: doc.Get("id").String(),
		ThreadID:  doc.Get("threadId").String(),
	}, nil
}

func buildRFC822(msg adapter.OutgoingEmail) string {
	var b strings.Builder
	b.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	if len(msg.Cc) > 0 {
		b.WriteString("Cc: " + strings.Join(msg.Cc, ", ") + "\r\n")
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.String()
}
