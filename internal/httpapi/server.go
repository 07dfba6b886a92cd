package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/config"
	"github.com/ent0n29/haven/internal/conversation"
	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/session"
	"github.com/ent0n29/haven/internal/store"
)

// TurnHandler runs one guarded chat turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, minorID, conversationID, text string) (conversation.Result, error)
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackends records the resolved store and completion modes for /readyz.
func WithBackends(storeMode, completionProvider string) Option {
	return func(s *Server) {
		s.storeMode = storeMode
		s.completionProvider = completionProvider
	}
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	turns    TurnHandler
	store    store.Store
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	storeMode          string
	completionProvider string
}

func New(cfg config.Config, sessions *session.Manager, turns TurnHandler, st store.Store, metrics *observability.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		turns:    turns,
		store:    st,
		metrics:  metrics,
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
		storeMode:          "unknown",
		completionProvider: "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Post("/v1/conversations/{id}/turns", s.handleCreateTurn)

	r.Put("/v1/minors/{id}/guard-rules", s.handlePutGuardRules)
	r.Get("/v1/minors/{id}/guard-rules", s.handleGetGuardRules)
	r.Post("/v1/personas", s.handleCreatePersona)
	r.Post("/v1/guardians/{id}/minors/{minor_id}", s.handleLinkGuardian)
	r.Get("/v1/guardians/{id}/alerts", s.handleListAlerts)
	r.Get("/v1/schema/{kind}", s.handleSchema)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ready",
		"store_mode":          s.storeMode,
		"completion_provider": s.completionProvider,
		"active_sessions":     s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.MinorID = strings.TrimSpace(req.MinorID)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.PersonaID = strings.TrimSpace(req.PersonaID)
	if req.MinorID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "minor_id is required")
		return
	}

	ctx := r.Context()
	if req.PersonaID != "" {
		if _, err := s.store.Persona(ctx, req.PersonaID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondError(w, http.StatusNotFound, "persona_not_found", "persona does not exist")
				return
			}
			s.internalError(w, "load persona", err)
			return
		}
	}

	conv, err := s.openConversation(ctx, req)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
			return
		}
		s.internalError(w, "open conversation", err)
		return
	}

	sess := s.sessions.Create(req.MinorID, conv.ID, conv.PersonaID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.NewCreateResponse(sess, s.cfg.SessionInactivityTimeout))
}

// openConversation resumes the requested conversation or starts a new one.
// A conversation owned by another minor is reported as not found.
func (s *Server) openConversation(ctx context.Context, req session.CreateRequest) (store.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.Conversation(ctx, req.ConversationID)
		switch {
		case err == nil:
			if conv.MinorID != req.MinorID {
				return store.Conversation{}, conversation.ErrConversationNotFound
			}
			return conv, nil
		case !errors.Is(err, store.ErrNotFound):
			return store.Conversation{}, err
		}
	}
	return s.store.CreateConversation(ctx, store.Conversation{
		ID:        req.ConversationID,
		MinorID:   req.MinorID,
		PersonaID: req.PersonaID,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "internal", "internal error")
}

// turnErrorCode maps pipeline errors to an HTTP status and stable code.
func turnErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrGuardRulesMissing):
		return http.StatusPreconditionFailed, "guard_rules_missing"
	case errors.Is(err, conversation.ErrConfiguration):
		return http.StatusPreconditionFailed, "configuration_error"
	case errors.Is(err, conversation.ErrConversationNotFound):
		return http.StatusNotFound, "conversation_not_found"
	case errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
