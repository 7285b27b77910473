package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/domain/model"
	"advisor-agent/internal/domain/ports/adapter"
	"advisor-agent/internal/infra/logging"
	"advisor-agent/internal/infra/redis"
	"advisor-agent/internal/infra/worker"
	"advisor-agent/internal/usecase"
)

const maxBodyBytes = 1 << 20

// Agent is the per-user worker surface the API talks to.
type Agent interface {
	ProcessMessage(ctx context.Context, text string) (worker.Reply, error)
	HandleEvent(eventType string, data map[string]any) (model.Event, error)
	Snapshot() worker.StateSnapshot
}

// Agents resolves users to their agent. Get starts one when needed; Lookup never does.
type Agents interface {
	Get(userID string) (Agent, error)
	Lookup(userID string) (Agent, bool)
}

// RegistryAgents exposes a worker.Registry as Agents.
type RegistryAgents struct{ Registry *worker.Registry }

func (a RegistryAgents) Get(userID string) (Agent, error) {
	w, err := a.Registry.Get(userID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (a RegistryAgents) Lookup(userID string) (Agent, bool) {
	w, ok := a.Registry.Lookup(userID)
	if !ok {
		return nil, false
	}
	return w, true
}

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type SnapshotCache interface {
	Save(ctx context.Context, userID string, snapshot any) error
	Load(ctx context.Context, userID string, dst any) error
}

// CredentialStore keeps delegated provider tokens obtained elsewhere.
type CredentialStore interface {
	Store(ctx context.Context, userID, provider, token string, expiresAt *time.Time) error
}

// ModelCatalog lists the chat models the configured providers serve.
type ModelCatalog interface {
	ListModels(ctx context.Context) ([]string, error)
	GetModelInfo(model string) (adapter.ModelInfo, error)
}

type Deps struct {
	Agents        Agents
	Ingest        usecase.IngestUseCase
	Credentials   CredentialStore
	Auth          *AuthManager
	Limiter       RateLimiter   // optional
	Snapshots     SnapshotCache // optional
	Models        ModelCatalog  // optional
	ChatModel     string
	WebhookSecret string
}

// Server is the JSON API in front of the worker registry.
type Server struct {
	agents        Agents
	ingest        usecase.IngestUseCase
	credentials   CredentialStore
	auth          *AuthManager
	limiter       RateLimiter
	snapshots     SnapshotCache
	models        ModelCatalog
	chatModel     string
	webhookSecret string
	log           *zerolog.Logger
	srv           *http.Server
}

func NewServer(deps Deps, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{
		agents:        deps.Agents,
		ingest:        deps.Ingest,
		credentials:   deps.Credentials,
		auth:          deps.Auth,
		limiter:       deps.Limiter,
		snapshots:     deps.Snapshots,
		models:        deps.Models,
		chatModel:     deps.ChatModel,
		webhookSecret: deps.WebhookSecret,
		log:           &l,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(traceID, recoverer(s.log), requestLog(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/messages", s.handleMessage)
		r.Post("/events", s.handleEvent)
		r.Get("/state", s.handleState)
		r.Get("/models", s.handleModels)
		r.Put("/credentials/{provider}", s.handleCredentials)
	})
	r.With(s.requireWebhookSecret).Post("/webhooks/{provider}", s.handleWebhook)
	return r
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---- messages ----

type messageRequest struct {
	Text string `json:"text"`
}

type taskView struct {
	ID     string           `json:"id"`
	Title  string           `json:"title"`
	Type   model.TaskType   `json:"type"`
	Status model.TaskStatus `json:"status"`
}

type messageResponse struct {
	Reply         string                   `json:"reply"`
	Route         string                   `json:"route"`
	InstructionID string                   `json:"instruction_id,omitempty"`
	Tasks         []taskView               `json:"tasks,omitempty"`
	Retrieval     usecase.RetrievalSummary `json:"retrieval"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !s.allow(r.Context(), userID) {
		writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	agent, err := s.agents.Get(userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	reply, err := agent.ProcessMessage(r.Context(), req.Text)
	resp := messageResponse{Reply: reply.Text, Route: reply.Route, Retrieval: reply.Retrieval}
	if reply.Instruction != nil {
		resp.InstructionID = reply.Instruction.ID
	}
	for _, t := range reply.Tasks {
		resp.Tasks = append(resp.Tasks, taskView{ID: t.ID, Title: t.Title, Type: t.Type, Status: t.Status})
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, domain.ErrTimeout):
		// work goes on in the background
		writeJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, domain.ErrWorkerStopped):
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		s.writeDomainError(w, r, err)
	}
}

func (s *Server) allow(ctx context.Context, userID string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, redis.UserScopeKey(userID, "messages"))
	if err != nil {
		// limiter outages must not take the assistant down
		s.log.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable")
		return true
	}
	return ok
}

// ---- events ----

type eventRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.deliverEvent(w, r, userFrom(r.Context()), req.Type, req.Data, 0)
}

func (s *Server) deliverEvent(w http.ResponseWriter, r *http.Request, userID, eventType string, data map[string]any, ingested int) {
	agent, err := s.agents.Get(userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	ev, err := agent.HandleEvent(eventType, data)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := map[string]any{"event_id": ev.ID, "type": ev.Type}
	if ingested > 0 {
		out["ingested"] = ingested
	}
	writeJSON(w, http.StatusAccepted, out)
}

// ---- webhooks ----

type webhookRequest struct {
	UserID    string             `json:"user_id"`
	Documents []usecase.Document `json:"documents"`
	Data      map[string]any     `json:"data"`
}

var webhookCorpus = map[string]model.Corpus{
	model.EventTypeGmail:   model.CorpusEmail,
	model.EventTypeHubspot: model.CorpusContact,
}

// handleWebhook embeds any pushed documents, then raises the provider's event
// on the user's agent so standing instructions can react.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !model.KnownEventType(provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var req webhookRequest
	if err := decodeBody(w, r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ctx := logging.WithUserID(r.Context(), req.UserID)

	ingested := 0
	for _, doc := range req.Documents {
		if doc.Corpus == "" {
			doc.Corpus = webhookCorpus[provider]
		}
		if s.ingest == nil {
			break
		}
		if _, err := s.ingest.Ingest(ctx, req.UserID, doc); err != nil {
			l := logging.With(ctx, s.log)
			l.Warn().Err(err).Str("source_id", doc.SourceID).Msg("webhook document skipped")
			continue
		}
		ingested++
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	if len(req.Documents) > 0 {
		if _, ok := data["source_id"]; !ok {
			data["source_id"] = req.Documents[0].SourceID
		}
	}
	s.deliverEvent(w, r.WithContext(ctx), req.UserID, provider, data, ingested)
}

// ---- credentials ----

type credentialRequest struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

var credentialProviders = map[string]bool{
	adapter.ProviderGmail:    true,
	adapter.ProviderCalendar: true,
	adapter.ProviderHubspot:  true,
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !credentialProviders[provider] || s.credentials == nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var req credentialRequest
	if err := decodeBody(w, r, &req); err != nil || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	if err := s.credentials.Store(r.Context(), userFrom(r.Context()), provider, req.AccessToken, req.ExpiresAt); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- state ----

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	if agent, ok := s.agents.Lookup(userID); ok {
		snap := agent.Snapshot()
		if s.snapshots != nil {
			if err := s.snapshots.Save(r.Context(), userID, snap); err != nil {
				s.log.Debug().Err(err).Msg("snapshot cache write failed")
			}
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if s.snapshots != nil {
		var snap worker.StateSnapshot
		err := s.snapshots.Load(r.Context(), userID, &snap)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, redis.ErrMiss) {
			s.log.Warn().Err(err).Msg("snapshot cache read failed")
		}
	}
	writeError(w, http.StatusNotFound, "no agent running for this user")
}

type modelsResponse struct {
	Default *adapter.ModelInfo `json:"default,omitempty"`
	Models  []string           `json:"models"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusNotFound, "no model catalog configured")
		return
	}
	names, err := s.models.ListModels(r.Context())
	if err != nil && len(names) == 0 {
		s.log.Warn().Err(err).Msg("list models failed")
		writeError(w, http.StatusBadGateway, "model providers unavailable")
		return
	}
	resp := modelsResponse{Models: names}
	if resp.Models == nil {
		resp.Models = []string{}
	}
	if s.chatModel != "" {
		if info, err := s.models.GetModelInfo(s.chatModel); err == nil {
			resp.Default = &info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---- helpers ----

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrWorkerStopped):
		writeError(w, http.StatusServiceUnavailable, "agent is restarting")
	default:
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
