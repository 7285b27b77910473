// Package providers implements the delegated Gmail, Google Calendar and
// HubSpot integrations over their REST APIs.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/resilience"
)

const maxErrorBody = 512

// Options configure every provider client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// apiClient is the shared REST plumbing: credential lookup, JSON bodies,
// status mapping and the circuit breaker.
type apiClient struct {
	provider string
	baseURL  string
	http     *http.Client
	creds    adapter.CredentialSource
	breaker  *resilience.Breaker
	log      zerolog.Logger
}

func newAPIClient(provider, defaultBase string, creds adapter.CredentialSource, opts Options, logger *zerolog.Logger) *apiClient {
	base := opts.BaseURL
	if base == "" {
		base = defaultBase
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &apiClient{
		provider: provider,
		baseURL:  strings.TrimRight(base, "/"),
		http:     hc,
		creds:    creds,
		breaker:  resilience.NewBreaker(opts.BreakerFailures, opts.BreakerCooldown).CountOnly(tripsBreaker),
		log:      logger.With().Str("component", "provider").Str("provider", provider).Logger(),
	}
}

// tripsBreaker counts only faults on the provider side.
func tripsBreaker(err error) bool {
	var up *domain.UpstreamError
	if errors.As(err, &up) {
		return up.StatusCode == 0 || up.StatusCode >= 500 || up.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// do sends body as JSON and returns the parsed response document.
func (c *apiClient) do(ctx context.Context, userID, method, path string, body any) (gjson.Result, error) {
	token, err := c.creds.AccessToken(ctx, userID, c.provider)
	if err != nil {
		return gjson.Result{}, err
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return gjson.Result{}, fmt.Errorf("%s: marshal request: %w", c.provider, err)
		}
	}

	var doc gjson.Result
	call := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", c.provider, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewUpstreamError(c.provider, 0, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return domain.NewUpstreamError(c.provider, resp.StatusCode, err)
		}
		if err := c.statusError(resp.StatusCode, data); err != nil {
			return err
		}
		doc = gjson.ParseBytes(data)
		return nil
	}

	start := time.Now()
	err = c.breaker.Execute(call)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = domain.NewUpstreamError(c.provider, 0, err)
	}
	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("method", method).Str("path", path).Dur("took", time.Since(start)).Msg("provider call")
	return doc, err
}

func (c *apiClient) statusError(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	msg := errorMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", c.provider, domain.ErrNotConnected, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %w: %s", c.provider, domain.ErrAlreadyExists, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return domain.NewUpstreamError(c.provider, status, errors.New(msg))
	default:
		return fmt.Errorf("%s: %w: %s", c.provider, domain.ErrInvalidArgument, msg)
	}
}

// errorMessage digs the human message out of Google and HubSpot error bodies.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error_description", "error"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
