package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.DID == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "did is required")
		return
	}
	nonce, err := s.deps.Auth.Challenge(r.Context(), req.DID)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID       string `json:"did"`
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON token request")
		return
	}
	if req.DID == "" || req.Nonce == "" || req.Signature == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "did, nonce and signature are required")
		return
	}
	token, err := s.deps.Auth.Token(r.Context(), req.DID, req.Nonce, req.Signature)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	components := make(map[string]string, len(s.deps.Health))
	for name, ping := range s.deps.Health {
		if err := ping(ctx); err != nil {
			components[name] = "down"
			status = "degraded"
			continue
		}
		components[name] = "ok"
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
		"time":       s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, ping := range s.deps.Health {
		if err := ping(ctx); err != nil {
			WriteErrorDetails(w, http.StatusServiceUnavailable, CodeNotReady,
				"a backing store is unreachable", map[string]interface{}{"component": name})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
