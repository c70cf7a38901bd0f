// Package api exposes the broker over HTTP: envelope ingress, mailbox,
// negotiation, receipts, usefulness, payments, auth, and health.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/guard"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/memory"
	"github.com/ainp-labs/broker/pkg/negotiation"
	"github.com/ainp-labs/broker/pkg/payments"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/routing"
	"github.com/ainp-labs/broker/pkg/usefulness"
)

// Error codes surfaced in response bodies.
const (
	CodeInvalidEnvelope         = "INVALID_ENVELOPE"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeExpiredOrFuture         = "EXPIRED_OR_FUTURE"
	CodeUnroutable              = "UNROUTABLE"
	CodeBadSignature            = "BAD_SIGNATURE"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeDIDMismatch             = "DID_MISMATCH"
	CodePaymentRequired         = "PAYMENT_REQUIRED"
	CodeNotFound                = "NOT_FOUND"
	CodeDuplicate               = "DUPLICATE"
	CodeDuplicateContent        = "DUPLICATE_CONTENT"
	CodeMaxRounds               = "MAX_ROUNDS"
	CodeExpired                 = "EXPIRED"
	CodeTooEarly                = "TOO_EARLY"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternal                = "INTERNAL"
	CodeUpstreamDown            = "UPSTREAM_DOWN"
	CodeNotReady                = "NOT_READY"
	CodeInvalidStateTransition  = "INVALID_STATE_TRANSITION"
	CodeSamePartyTwice          = "SAME_PARTY_TWICE"
	CodeNotAParticipant         = "NOT_A_PARTICIPANT"
	CodeUnauthorizedAttestation = "UNAUTHORIZED_ATTESTATION"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError emits the error body with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorDetails(w, status, code, message, nil)
}

func WriteErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorBody{Error: code, Message: message, Details: details})
}

// WriteJSON emits a success body.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func retryAfterHeader(w http.ResponseWriter, d time.Duration) {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// writeRejection maps a guard verdict to its response, including the 402
// challenge headers and the Retry-After hints.
func writeRejection(w http.ResponseWriter, rej *guard.Rejection) {
	switch {
	case errors.Is(rej.Err, guard.ErrDuplicate):
		WriteError(w, http.StatusConflict, CodeDuplicate, rej.Err.Error())
	case errors.Is(rej.Err, guard.ErrExpiredOrFuture):
		WriteError(w, http.StatusBadRequest, CodeExpiredOrFuture, rej.Err.Error())
	case errors.Is(rej.Err, guard.ErrDuplicateContent):
		WriteError(w, http.StatusConflict, CodeDuplicateContent, rej.Err.Error())
	case errors.Is(rej.Err, guard.ErrTooEarly):
		retryAfterHeader(w, rej.RetryAfter)
		WriteError(w, http.StatusTooEarly, CodeTooEarly, rej.Err.Error())
	case errors.Is(rej.Err, guard.ErrPaymentRequired):
		if rej.PaymentRequestID != "" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf("AINP-Pay realm=%q, request_id=%q, method=%q", "ainp", rej.PaymentRequestID, "credits"))
		}
		if rej.PaymentURL != "" {
			w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"payment\"", rej.PaymentURL))
		}
		WriteError(w, http.StatusPaymentRequired, CodePaymentRequired, rej.Err.Error())
	case errors.Is(rej.Err, guard.ErrRateLimited):
		retryAfterHeader(w, rej.RetryAfter)
		WriteError(w, http.StatusTooManyRequests, CodeRateLimited, rej.Err.Error())
	default:
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, rej.Error())
	}
}

// WriteDomainError maps a service error to its status code and body. The
// fallback is a logged 500 that never leaks the underlying error.
func WriteDomainError(w http.ResponseWriter, log *slog.Logger, err error) {
	var rej *guard.Rejection
	var invalid *routing.InvalidEnvelopeError
	var transition *negotiation.TransitionError

	switch {
	case errors.As(err, &rej):
		writeRejection(w, rej)
	case errors.As(err, &invalid):
		details := map[string]interface{}{}
		if first := invalid.Result.First(); first != nil {
			details["field"] = first.Field
		}
		WriteErrorDetails(w, http.StatusBadRequest, CodeInvalidEnvelope, invalid.Error(), details)
	case errors.Is(err, envelope.ErrBadSignature), errors.Is(err, envelope.ErrSignatureMissing):
		WriteError(w, http.StatusUnauthorized, CodeBadSignature, err.Error())
	case errors.Is(err, identity.ErrMalformedDID), errors.Is(err, identity.ErrUnsupportedDID):
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, identity.ErrChallengeInvalid):
		WriteError(w, http.StatusUnauthorized, CodeUnauthorized, err.Error())
	case errors.Is(err, routing.ErrUnroutable):
		WriteError(w, http.StatusBadRequest, CodeUnroutable, err.Error())
	case errors.Is(err, routing.ErrStreamDown):
		WriteError(w, http.StatusServiceUnavailable, CodeUpstreamDown, err.Error())

	case errors.As(err, &transition):
		WriteError(w, http.StatusBadRequest, CodeInvalidStateTransition, err.Error())
	case errors.Is(err, negotiation.ErrMaxRounds):
		WriteError(w, http.StatusConflict, CodeMaxRounds, err.Error())
	case errors.Is(err, negotiation.ErrExpired):
		WriteError(w, http.StatusGone, CodeExpired, err.Error())
	case errors.Is(err, negotiation.ErrSameParty):
		WriteError(w, http.StatusBadRequest, CodeSamePartyTwice, err.Error())
	case errors.Is(err, negotiation.ErrNotParticipant):
		WriteError(w, http.StatusForbidden, CodeNotAParticipant, err.Error())
	case errors.Is(err, negotiation.ErrConflict):
		WriteError(w, http.StatusConflict, CodeDuplicate, err.Error())

	case errors.Is(err, receipts.ErrUnauthorizedAttestation):
		WriteError(w, http.StatusForbidden, CodeUnauthorizedAttestation, err.Error())
	case errors.Is(err, receipts.ErrDuplicateAttestation):
		WriteError(w, http.StatusConflict, CodeDuplicate, err.Error())

	case errors.Is(err, ledger.ErrInsufficientBalance):
		WriteError(w, http.StatusPaymentRequired, CodePaymentRequired, err.Error())
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		WriteError(w, http.StatusConflict, CodeDuplicate, err.Error())

	case errors.Is(err, payments.ErrExpired):
		WriteError(w, http.StatusGone, CodeExpired, err.Error())
	case errors.Is(err, payments.ErrAlreadySettled):
		WriteError(w, http.StatusConflict, CodeDuplicate, err.Error())
	case errors.Is(err, payments.ErrBadSignature):
		WriteError(w, http.StatusUnauthorized, CodeBadSignature, err.Error())
	case errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrBadMethod),
		errors.Is(err, payments.ErrAmountMismatch),
		errors.Is(err, payments.ErrUnknownProvider):
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())

	case errors.Is(err, usefulness.ErrBadWorkType),
		errors.Is(err, usefulness.ErrNoMetrics),
		errors.Is(err, usefulness.ErrStaleTimestamp),
		errors.Is(err, memory.ErrEmptyContent):
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())

	case isNotFound(err):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())

	default:
		log.Error("unhandled request error", "error", err)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "an unexpected error occurred")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, negotiation.ErrNotFound) ||
		errors.Is(err, receipts.ErrNotFound) ||
		errors.Is(err, payments.ErrNotFound) ||
		errors.Is(err, usefulness.ErrNotFound) ||
		errors.Is(err, memory.ErrNotFound) ||
		errors.Is(err, mail.ErrMessageNotFound) ||
		errors.Is(err, mail.ErrThreadNotFound) ||
		errors.Is(err, ledger.ErrAccountNotFound)
}
