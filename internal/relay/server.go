// ABOUTME: HTTP surface of the relay: register, message delivery, SSE event stream, acknowledge.
// ABOUTME: Bearer-token auth on everything except /register and /health.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcpmesh/mcpmesh/internal/auth"
	"github.com/mcpmesh/mcpmesh/internal/protocol"
)

// Server implements the relay's HTTP endpoints.
type Server struct {
	registry  *Registry
	inboxes   *Inboxes
	verifier  *auth.JWTVerifier
	tokenTTL  time.Duration
	heartbeat time.Duration
	logger    *slog.Logger
}

// ServerConfig bundles the Server's dependencies.
type ServerConfig struct {
	Registry  *Registry
	Inboxes   *Inboxes
	Verifier  *auth.JWTVerifier
	TokenTTL  time.Duration
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// NewServer creates the relay HTTP server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		registry:  cfg.Registry,
		inboxes:   cfg.Inboxes,
		verifier:  cfg.Verifier,
		tokenTTL:  cfg.TokenTTL,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger,
	}
}

// Routes builds the relay's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Post("/register", s.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.verifier))
		r.Post("/message/{target}", s.handleMessage)
		r.Get("/events", s.handleEvents)
		r.Post("/acknowledge", s.handleAcknowledge)
		r.Get("/agents", s.handleListAgents)
	})

	return r
}

// registerRequest is the body of POST /register.
type registerRequest struct {
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// registerResponse is the body returned by POST /register.
type registerResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent name is required")
		return
	}

	reg := s.registry.Register(req.Agent, req.Capabilities)

	token, err := s.verifier.Generate(req.Agent, reg.InstanceID, s.tokenTTL)
	if err != nil {
		s.logger.Error("generating token", "agent", req.Agent, "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		AgentID: reg.InstanceID,
		Token:   token,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if target == "" {
		writeError(w, http.StatusBadRequest, "target agent is required")
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}

	// Unknown types pass through; the consumer acknowledges and drops them.
	// Structurally invalid messages are rejected so the relay never holds
	// garbage that can only ever be redelivered.
	if err := msg.Validate(); err != nil && !errors.Is(err, protocol.ErrUnknownType) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Stamp the authenticated sender; clients cannot spoof each other.
	msg.Sender = auth.AgentFromContext(r.Context())

	messageID := s.inboxes.For(target).Put(msg)
	s.logger.Debug("message held for delivery",
		"target", target,
		"type", msg.Type,
		"task_id", msg.TaskID,
		"message_id", messageID,
	)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "delivered",
		"message_id": messageID,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentName := auth.AgentFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("event stream opened", "agent", agentName)
	defer s.logger.Info("event stream closed", "agent", agentName)

	inbox := s.inboxes.For(agentName)
	for {
		s.registry.Touch(agentName)

		// Bound each wait so the stream carries heartbeats while idle;
		// idle proxies would otherwise cut the connection.
		waitCtx, cancel := context.WithTimeout(r.Context(), s.heartbeat)
		delivery, err := inbox.Next(waitCtx)
		cancel()

		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			fmt.Fprintf(w, "event: heartbeat\ndata: ping\n\n")
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(delivery)
		if err != nil {
			s.logger.Error("encoding delivery", "message_id", delivery.MessageID, "error", err)
			continue
		}
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		flusher.Flush()
	}
}

// ackRequest is the body of POST /acknowledge.
type ackRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	agentName := auth.AgentFromContext(r.Context())

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if !s.inboxes.For(agentName).Ack(req.MessageID) {
		// Not an error: the redelivered copy may already have been acked.
		s.logger.Debug("acknowledge for unknown message id",
			"agent", agentName,
			"message_id", req.MessageID,
		)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.registry.List(),
	})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one agent has registered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.List()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
