// Package api provides HTTP handlers for FlowCloser endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/util"
)

// AgentName is the only agent served by /api/agents.
const AgentName = "flowcloser"

// messageRequest is the body of POST /api/agents/flowcloser/message.
type messageRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	Channel   string         `json:"channel"`
	UserID    string         `json:"userId"`
	Context   map[string]any `json:"context"`
}

type messageResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.cfg.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"agents": []string{AgentName},
		"status": "ok",
	})
}

func (s *Server) messageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messageHandler: failed to decode JSON", "error", err)
		writeError(w, models.ValidationError("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, models.ValidationError("Message is required"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = util.GenerateSessionID()
	}
	opts := agent.AskOptions{
		Channel: req.Channel,
		UserID:  req.UserID,
		Context: req.Context,
	}
	if opts.Channel == "" {
		opts.Channel = string(models.PlatformAPI)
	}
	if opts.UserID == "" {
		opts.UserID = sessionID
	}
	slog.Debug("Server.messageHandler: asking agent", "channel", opts.Channel, "user", opts.UserID, "message_length", len(req.Message))

	reply, err := s.agent.Ask(r.Context(), req.Message, opts)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			writeError(w, models.ValidationError("Message is required"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, messageResponse{Response: reply, SessionID: sessionID})
}
