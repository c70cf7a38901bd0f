package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/mail"
)

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	q := &mail.InboxQuery{
		Owner:  DIDFromContext(r.Context()),
		Cursor: r.URL.Query().Get("cursor"),
		Label:  r.URL.Query().Get("label"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("unread"); v != "" {
		q.UnreadOnly, _ = strconv.ParseBool(v)
	}

	msgs, next, err := s.deps.Mail.Inbox(r.Context(), q)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messages":    msgs,
		"next_cursor": next,
	})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversation_id")
	thread, msgs, err := s.deps.Mail.Thread(r.Context(), conversationID)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	caller := DIDFromContext(r.Context())
	participant := false
	for _, p := range thread.Participants {
		if p == caller {
			participant = true
			break
		}
	}
	if !participant {
		WriteError(w, http.StatusForbidden, CodeNotAParticipant, "caller is not part of this conversation")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"thread":   thread,
		"messages": msgs,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.MessageID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "message_id is required")
		return
	}
	if err := s.deps.Mail.MarkRead(r.Context(), DIDFromContext(r.Context()), req.MessageID, s.now().UTC()); err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string   `json:"message_id"`
		Add       []string `json:"add,omitempty"`
		Remove    []string `json:"remove,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.MessageID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "message_id is required")
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "nothing to add or remove")
		return
	}

	// The owner check rides on the recipient-scoped message lookup.
	msg, err := s.deps.Mail.Message(r.Context(), req.MessageID)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	caller := DIDFromContext(r.Context())
	owned := false
	for _, rcpt := range msg.Recipients {
		if rcpt == caller {
			owned = true
			break
		}
	}
	if !owned {
		WriteError(w, http.StatusForbidden, CodeNotAParticipant, "message is not addressed to the caller")
		return
	}

	if err := s.deps.Mail.Label(r.Context(), req.MessageID, req.Add, req.Remove); err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "labeled"})
}
