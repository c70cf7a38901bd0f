package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/memory"
	"github.com/ainp-labs/broker/pkg/negotiation"
	"github.com/ainp-labs/broker/pkg/payments"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/routing"
	"github.com/ainp-labs/broker/pkg/stream"
	"github.com/ainp-labs/broker/pkg/usefulness"
)

// maxBodyBytes bounds every request body read.
const maxBodyBytes = 1 << 20

// Pinger is one backing store the health endpoints report on.
type Pinger func(ctx context.Context) error

// Deps are the services the HTTP surface fronts. Nil optional fields
// disable their routes.
type Deps struct {
	Router       *routing.Router
	Validator    *envelope.Validator
	Verifier     *envelope.Verifier
	Discovery    *discovery.Service
	Mail         mail.Store
	Negotiations *negotiation.Service
	Receipts     *receipts.Service
	Usefulness   *usefulness.Service
	Payments     *payments.Service
	Memory       *memory.Service
	Credits      *ledger.Service
	Auth         *identity.AuthService
	Broker       stream.Broker
	// Socket is the mounted websocket handler; nil disables /ws.
	Socket http.Handler
	// Health maps component name to its connectivity probe.
	Health map[string]Pinger
}

// Server is the broker's HTTP surface.
type Server struct {
	deps  Deps
	authn *Authenticator
	log   *slog.Logger
	now   func() time.Time
}

func NewServer(deps Deps, authn *Authenticator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if authn == nil {
		authn = &Authenticator{}
	}
	return &Server{
		deps:  deps,
		authn: authn,
		log:   log.With("component", "api"),
		now:   time.Now,
	}
}

func (s *Server) WithClock(now func() time.Time) *Server {
	s.now = now
	return s
}

// Routes assembles the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(s.log))
	r.Use(RequestLogger(s.log))
	r.Use(s.authn.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)

	r.Post("/api/auth/challenge", s.handleAuthChallenge)
	r.Post("/api/auth/token", s.handleAuthToken)

	// Provider webhooks authenticate with their HMAC signature, not a DID.
	r.Post("/api/payments/webhooks/{provider}", s.handlePaymentWebhook)

	if s.deps.Socket != nil {
		r.Handle("/ws", s.deps.Socket)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth)

		r.Post("/api/intents/send", s.handleIntentSend)

		r.Post("/api/discovery/search", s.handleDiscoverySearch)
		r.Post("/api/discovery/envelope", s.handleDiscoveryEnvelope)

		r.Get("/api/mail/inbox", s.handleInbox)
		r.Get("/api/mail/threads/{conversation_id}", s.handleThread)
		r.Post("/api/mail/read", s.handleMarkRead)
		r.Post("/api/mail/label", s.handleLabel)

		r.Post("/api/negotiations", s.handleNegotiationCreate)
		r.Get("/api/negotiations", s.handleNegotiationList)
		r.Get("/api/negotiations/{id}", s.handleNegotiationGet)
		r.Post("/api/negotiations/{id}/propose", s.handleNegotiationPropose)
		r.Post("/api/negotiations/{id}/accept", s.handleNegotiationAccept)
		r.Post("/api/negotiations/{id}/reject", s.handleNegotiationReject)
		r.Post("/api/negotiations/{id}/settle", s.handleNegotiationSettle)

		r.Get("/api/receipts/{task_id}", s.handleReceiptGet)
		r.Get("/api/receipts/{task_id}/committee", s.handleReceiptCommittee)
		r.Post("/api/receipts/{task_id}/attestations", s.handleReceiptAttest)
		r.Post("/api/receipts/{task_id}/finalize", s.handleReceiptFinalize)

		r.Post("/api/usefulness/proofs", s.handleUsefulnessSubmit)
		r.Post("/api/usefulness/aggregate", s.handleUsefulnessAggregate)
		r.Get("/api/usefulness/agents/{did}", s.handleUsefulnessAgent)

		r.Post("/api/payments/requests", s.handlePaymentCreate)
		r.Get("/api/payments/requests/{id}", s.handlePaymentGet)

		if s.deps.Memory != nil {
			r.Post("/api/memory", s.handleMemoryRemember)
			r.Get("/api/memory/search", s.handleMemorySearch)
		}
	})

	return r
}
