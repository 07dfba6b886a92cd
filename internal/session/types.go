package session

import "time"

// CreateRequest defines payload for creating a new chat session. An empty
// ConversationID starts a new conversation.
type CreateRequest struct {
	MinorID        string `json:"minor_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	PersonaID      string `json:"persona_id,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	MinorID         string    `json:"minor_id"`
	ConversationID  string    `json:"conversation_id"`
	PersonaID       string    `json:"persona_id,omitempty"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// NewCreateResponse renders a session for the create endpoint.
func NewCreateResponse(s *Session, ttl time.Duration) CreateResponse {
	return CreateResponse{
		SessionID:       s.ID,
		MinorID:         s.MinorID,
		ConversationID:  s.ConversationID,
		PersonaID:       s.PersonaID,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		LastActivityAt:  s.LastActivityAt,
		InactivityTTLMS: ttl.Milliseconds(),
	}
}
