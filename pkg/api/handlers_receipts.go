package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/receipts"
)

func (s *Server) handleReceiptGet(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Receipts.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleReceiptCommittee(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Receipts.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":        receipt.ID,
		"committee":      receipt.Committee,
		"committee_size": receipt.CommitteeSize,
		"quorum":         receipt.Quorum,
		"selection_seed": receipt.SelectionSeed,
	})
}

func (s *Server) handleReceiptAttest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        receipts.AttestationType `json:"type"`
		Score       float64                  `json:"score"`
		Confidence  float64                  `json:"confidence"`
		EvidenceRef string                   `json:"evidence_ref,omitempty"`
		Signature   string                   `json:"signature,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON attestation")
		return
	}

	att, err := s.deps.Receipts.Attest(r.Context(),
		chi.URLParam(r, "task_id"), DIDFromContext(r.Context()),
		req.Type, req.Score, req.Confidence, req.EvidenceRef, req.Signature)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusCreated, att)
}

func (s *Server) handleReceiptFinalize(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Receipts.Evaluate(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}
