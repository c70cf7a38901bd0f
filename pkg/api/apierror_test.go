package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/guard"
	"github.com/ainp-labs/broker/pkg/negotiation"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestPostageRejectionCarriesChallengeHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, slog.Default(), &guard.Rejection{
		Policy:           "postage",
		Err:              guard.ErrPaymentRequired,
		PaymentRequestID: "pr-42",
		PaymentURL:       "http://broker.test/api/payments/requests/pr-42",
	})

	assert.Equal(t, 402, rec.Code)
	assert.Equal(t, `AINP-Pay realm="ainp", request_id="pr-42", method="credits"`,
		rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, `<http://broker.test/api/payments/requests/pr-42>; rel="payment"`,
		rec.Header().Get("Link"))
	assert.Equal(t, CodePaymentRequired, decodeError(t, rec).Error)
}

func TestRateLimitRejectionCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, slog.Default(), &guard.Rejection{
		Policy:     "rate_limit",
		Err:        guard.ErrRateLimited,
		RetryAfter: 30 * time.Second,
	})

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decodeError(t, rec).Error)
}

func TestTooEarlyRetryAfterFloorsAtOneSecond(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, slog.Default(), &guard.Rejection{
		Policy:     "greylist",
		Err:        guard.ErrTooEarly,
		RetryAfter: 200 * time.Millisecond,
	})

	assert.Equal(t, 425, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTransitionErrorMapsToInvalidStateTransition(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, slog.Default(), &negotiation.TransitionError{
		State: negotiation.StateRejected, Action: "accept",
	})

	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, CodeInvalidStateTransition, decodeError(t, rec).Error)
}

func TestUnknownErrorIsAnOpaque500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, slog.Default(), errors.New("pq: ssl handshake failed"))

	assert.Equal(t, 500, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, CodeInternal, body.Error)
	assert.NotContains(t, body.Message, "pq:", "internal detail never leaks")
}
