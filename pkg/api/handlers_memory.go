package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func (s *Server) handleMemoryRemember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string   `json:"conversation_id,omitempty"`
		Content        string   `json:"content"`
		Tags           []string `json:"tags,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON memory entry")
		return
	}

	entry, err := s.deps.Memory.Remember(r.Context(),
		DIDFromContext(r.Context()), req.ConversationID, req.Content, req.Tags)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "q is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	hits, err := s.deps.Memory.Search(r.Context(), DIDFromContext(r.Context()), query, limit)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}
