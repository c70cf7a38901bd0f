package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/negotiation"
)

func (s *Server) handleNegotiationCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID        string                 `json:"intent_id"`
		ResponderDID    string                 `json:"responder_did"`
		InitialProposal map[string]interface{} `json:"initial_proposal"`
		MaxRounds       int                    `json:"max_rounds,omitempty"`
		TTLMinutes      int                    `json:"ttl_minutes,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON negotiation request")
		return
	}
	if req.ResponderDID == "" || len(req.InitialProposal) == 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "responder_did and initial_proposal are required")
		return
	}

	sess, err := s.deps.Negotiations.Initiate(r.Context(),
		req.IntentID, DIDFromContext(r.Context()), req.ResponderDID,
		req.InitialProposal, req.MaxRounds, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleNegotiationList(w http.ResponseWriter, r *http.Request) {
	agentDID := r.URL.Query().Get("agent_did")
	if agentDID == "" {
		agentDID = DIDFromContext(r.Context())
	}
	state := negotiation.State(r.URL.Query().Get("state"))

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.deps.Negotiations.List(r.Context(), agentDID, state, limit)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleNegotiationGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Negotiations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNegotiationPropose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proposal map[string]interface{} `json:"proposal"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || len(req.Proposal) == 0 {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "proposal is required")
		return
	}
	sess, err := s.deps.Negotiations.Counter(r.Context(),
		chi.URLParam(r, "id"), DIDFromContext(r.Context()), req.Proposal)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNegotiationAccept(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Negotiations.Accept(r.Context(),
		chi.URLParam(r, "id"), DIDFromContext(r.Context()))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNegotiationReject(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Negotiations.Reject(r.Context(),
		chi.URLParam(r, "id"), DIDFromContext(r.Context()))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) handleNegotiationSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Split             *negotiation.Split `json:"split,omitempty"`
		ValidatorDID      string             `json:"validator_did,omitempty"`
		UsefulnessProofID string             `json:"usefulness_proof_id,omitempty"`
		OutputsRef        string             `json:"outputs_ref,omitempty"`
		Metrics           map[string]float64 `json:"metrics,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON settle request")
		return
	}

	sess, receipt, err := s.deps.Negotiations.Settle(r.Context(),
		chi.URLParam(r, "id"), DIDFromContext(r.Context()),
		&negotiation.SettleParams{
			Split:             req.Split,
			ValidatorDID:      req.ValidatorDID,
			UsefulnessProofID: req.UsefulnessProofID,
			OutputsRef:        req.OutputsRef,
			Metrics:           req.Metrics,
		})
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session": sess,
		"receipt": receipt,
	})
}
