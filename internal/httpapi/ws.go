package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/protocol"
	"github.com/ent0n29/haven/internal/session"
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "turn pipeline not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 32)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, sess, inbound, outbound)
		close(outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					// The session ended server-side: say goodbye and unblock the reader.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
						time.Now().Add(time.Second))
					cancel()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var next any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			next = protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
		} else {
			next = parsed
			if t, ok := messageTypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
			}
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- next:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// runConnection handles one connection's messages in order and is the only
// sender on outbound. Turns of a single session never overlap.
func (s *Server) runConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for raw := range inbound {
		switch msg := raw.(type) {
		case protocol.ErrorEvent:
			s.queue(outbound, msg)
		case protocol.UserMessage:
			if msg.SessionID != sess.ID {
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "session_mismatch",
					Source:    "gateway",
					Detail:    "message session_id does not match connection",
				})
				continue
			}
			if !send(s.runTurn(ctx, sess, msg)) {
				return
			}
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionPing:
				_ = s.sessions.Touch(sess.ID)
				send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sess.ID, Code: "pong"})
			case protocol.ActionEnd:
				if _, err := s.sessions.End(sess.ID); err == nil {
					s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
					s.metrics.SessionEvents.WithLabelValues("ended").Inc()
				}
				send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sess.ID, Code: "session_ended"})
				return
			default:
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sess.ID,
					Code:      "unsupported_action",
					Source:    "gateway",
					Detail:    msg.Action,
				})
			}
		}
	}
}

func (s *Server) runTurn(ctx context.Context, sess *session.Session, msg protocol.UserMessage) any {
	turnKey := msg.ClientMsgID
	if turnKey == "" {
		turnKey = "pending"
	}
	if err := s.sessions.StartTurn(sess.ID, turnKey); err != nil {
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "session_ended",
			Source:    "gateway",
			Detail:    err.Error(),
		}
	}

	res, err := s.turns.HandleTurn(ctx, sess.MinorID, sess.ConversationID, msg.Text)
	_ = s.sessions.FinishTurn(sess.ID, err == nil && res.Flagged)
	if err != nil {
		_, code := turnErrorCode(err)
		detail := err.Error()
		if code == "internal" {
			s.logger.Error("ws turn failed", zap.String("session_id", sess.ID), zap.Error(err))
			detail = "internal error"
		}
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      code,
			Source:    "pipeline",
			Retryable: code == "internal",
			Detail:    detail,
		}
	}

	tr := newTurnResponse(res)
	return protocol.TurnResult{
		Type:        protocol.TypeTurnResult,
		SessionID:   sess.ID,
		ClientMsgID: msg.ClientMsgID,
		UserTurnID:  tr.UserTurnID,
		TurnID:      tr.AssistantTurnID,
		Text:        tr.Reply,
		Flagged:     tr.Flagged,
		Category:    tr.Category,
		Source:      tr.Source,
	}
}

// queue keeps websocket writes single-threaded; it drops when the outbound
// queue is saturated.
func (s *Server) queue(outbound chan<- any, msg any) {
	t, _ := messageTypeOf(msg)
	select {
	case outbound <- msg:
		s.metrics.ObserveOutboundMessage(string(t), "queued")
	default:
		s.metrics.ObserveOutboundMessage(string(t), "drop_full")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
