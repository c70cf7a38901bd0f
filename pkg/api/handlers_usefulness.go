package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/usefulness"
)

func (s *Server) handleUsefulnessSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkType     usefulness.WorkType `json:"work_type"`
		Metrics      map[string]float64  `json:"metrics"`
		Attestations []string            `json:"attestations,omitempty"`
		TraceID      string              `json:"trace_id,omitempty"`
		Timestamp    time.Time           `json:"timestamp"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON proof")
		return
	}

	proof, err := s.deps.Usefulness.Submit(r.Context(), &usefulness.Proof{
		AgentDID:     DIDFromContext(r.Context()),
		WorkType:     req.WorkType,
		Metrics:      req.Metrics,
		Attestations: req.Attestations,
		TraceID:      req.TraceID,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusCreated, proof)
}

func (s *Server) handleUsefulnessAggregate(w http.ResponseWriter, r *http.Request) {
	updated, err := s.deps.Usefulness.Aggregate(r.Context())
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"agents_updated": updated})
}

func (s *Server) handleUsefulnessAgent(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	score, err := s.deps.Usefulness.AgentScore(r.Context(), did)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agent_did": did,
		"score":     score,
	})
}
