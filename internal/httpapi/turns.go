package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/haven/internal/conversation"
)

type turnRequest struct {
	MinorID string `json:"minor_id"`
	Text    string `json:"text"`
}

type turnResponse struct {
	ConversationID  string `json:"conversation_id"`
	UserTurnID      string `json:"user_turn_id"`
	AssistantTurnID string `json:"assistant_turn_id"`
	Reply           string `json:"reply"`
	Flagged         bool   `json:"flagged"`
	Category        string `json:"category,omitempty"`
	Source          string `json:"source"`
	AlertID         string `json:"alert_id,omitempty"`
}

func newTurnResponse(res conversation.Result) turnResponse {
	out := turnResponse{
		ConversationID:  res.UserTurn.ConversationID,
		UserTurnID:      res.UserTurn.ID,
		AssistantTurnID: res.AssistantTurn.ID,
		Reply:           res.Reply,
		Flagged:         res.Flagged,
		Source:          res.Source,
	}
	switch {
	case res.UserTurn.RiskFlag:
		out.Category = string(res.UserTurn.RiskCategory)
	case res.AssistantTurn.RiskFlag:
		out.Category = string(res.AssistantTurn.RiskCategory)
	}
	if res.Alert != nil {
		out.AlertID = res.Alert.ID
	}
	return out
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.MinorID = strings.TrimSpace(req.MinorID)
	if req.MinorID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "minor_id is required")
		return
	}

	res, err := s.turns.HandleTurn(r.Context(), req.MinorID, conversationID, req.Text)
	if err != nil {
		status, code := turnErrorCode(err)
		if status == http.StatusInternalServerError {
			s.internalError(w, "handle turn", err)
			return
		}
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, newTurnResponse(res))
}
