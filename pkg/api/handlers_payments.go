package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/payments"
)

// webhookSignatureHeader carries the provider's hex HMAC over the raw
// payload.
const webhookSignatureHeader = "X-AINP-Signature"

func (s *Server) handlePaymentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountAtomic     int64           `json:"amount_atomic"`
		Method           payments.Method `json:"method"`
		Currency         string          `json:"currency,omitempty"`
		Description      string          `json:"description,omitempty"`
		ExpiresInSeconds int64           `json:"expires_in_seconds,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON payment request")
		return
	}

	request, err := s.deps.Payments.CreateRequest(r.Context(),
		DIDFromContext(r.Context()), req.AmountAtomic, req.Method,
		req.Currency, req.Description, time.Duration(req.ExpiresInSeconds)*time.Second)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusCreated, request)
}

func (s *Server) handlePaymentGet(w http.ResponseWriter, r *http.Request) {
	request, err := s.deps.Payments.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	if request.OwnerDID != DIDFromContext(r.Context()) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "payment request not found")
		return
	}
	WriteJSON(w, http.StatusOK, request)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot read webhook payload")
		return
	}

	receipt, err := s.deps.Payments.HandleWebhook(r.Context(),
		chi.URLParam(r, "provider"), payload, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}
