// Package routing turns an admitted envelope into deliveries: resolve the
// target set, publish to the durable stream, persist mail-producing intents,
// and push to connected sockets.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/gateway"
	"github.com/ainp-labs/broker/pkg/guard"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/stream"
)

var (
	// ErrUnroutable marks an envelope with neither a recipient nor a
	// discovery query.
	ErrUnroutable = errors.New("envelope has no recipient and no discovery query")
	// ErrStreamDown is surfaced after the publish retry also fails.
	ErrStreamDown = errors.New("stream publish failed")
)

// InvalidEnvelopeError wraps structural validation failures for status
// mapping at the edge.
type InvalidEnvelopeError struct {
	Result *envelope.ValidationResult
}

func (e *InvalidEnvelopeError) Error() string {
	if first := e.Result.First(); first != nil {
		return fmt.Sprintf("invalid envelope: %s", first.Error())
	}
	return "invalid envelope"
}

// Result is the ingress answer. The same value is replayed verbatim for a
// duplicate envelope id inside the replay window.
type Result struct {
	Status     string `json:"status"`
	AgentCount int    `json:"agent_count"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// Pusher delivers a frame to an agent's open sockets, reporting whether any
// connection took it.
type Pusher interface {
	Push(did string, ev *gateway.Event) bool
}

// Options tune delivery behavior.
type Options struct {
	// RetryBase is the backoff before the single publish retry; the actual
	// wait is jittered ±50%.
	RetryBase time.Duration
}

// Router is the delivery service. Envelopes reach Route already
// authenticated; Route still validates structure and signature so the
// pipeline holds regardless of the caller.
type Router struct {
	validator *envelope.Validator
	verifier  *envelope.Verifier
	guard     *guard.Pipeline
	disco     *discovery.Service
	mail      mail.Store
	broker    stream.Broker
	hub       Pusher
	opts      Options
	log       *slog.Logger
	now       func() time.Time
	sleep     func(time.Duration)
}

func NewRouter(validator *envelope.Validator, verifier *envelope.Verifier, g *guard.Pipeline, disco *discovery.Service, mailStore mail.Store, broker stream.Broker, hub Pusher, opts Options, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 100 * time.Millisecond
	}
	return &Router{
		validator: validator,
		verifier:  verifier,
		guard:     g,
		disco:     disco,
		mail:      mailStore,
		broker:    broker,
		hub:       hub,
		opts:      opts,
		log:       log.With("component", "routing"),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// WithSleep replaces the retry backoff sleep, for tests.
func (r *Router) WithSleep(sleep func(time.Duration)) *Router {
	r.sleep = sleep
	return r
}

// Route runs the full ingress pipeline on a wire envelope. raw is the body
// as received; when nil the envelope is re-marshaled for signature checking.
func (r *Router) Route(ctx context.Context, raw []byte, env *envelope.Envelope) (*Result, error) {
	if raw == nil {
		var err error
		raw, err = json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("routing: marshal envelope: %w", err)
		}
	}

	if result := r.validator.Validate(env); !result.Valid {
		return nil, &InvalidEnvelopeError{Result: result}
	}
	if err := r.verifier.VerifyRaw(raw, env); err != nil {
		return nil, err
	}

	verdict, err := r.guard.Admit(ctx, env)
	if err != nil {
		return nil, err
	}
	if verdict.ReplayedResult != nil {
		var cached Result
		if jerr := json.Unmarshal(verdict.ReplayedResult, &cached); jerr == nil {
			return &cached, nil
		}
		// Unreadable cache entry; treat as a plain duplicate.
		return nil, &guard.Rejection{Policy: guard.PolicyReplay, Err: guard.ErrDuplicate}
	}

	targets, res, err := r.resolveTargets(ctx, env)
	if err != nil {
		return nil, err
	}
	if res != nil {
		// Discovery matched nobody; routed with zero targets.
		res.Degraded = res.Degraded || verdict.Degraded
		r.remember(ctx, env.ID, res)
		return res, nil
	}

	for _, target := range targets {
		if err := r.deliver(ctx, env, raw, target); err != nil {
			return nil, err
		}
	}

	r.disco.Touch(ctx, env.FromDID)

	result := &Result{Status: "routed", AgentCount: len(targets), Degraded: verdict.Degraded}
	r.remember(ctx, env.ID, result)
	return result, nil
}

// resolveTargets decides who receives the envelope. A non-nil Result means
// the request is already answered (zero discovery matches).
func (r *Router) resolveTargets(ctx context.Context, env *envelope.Envelope) ([]string, *Result, error) {
	if env.ToDID != "" {
		return []string{env.ToDID}, nil, nil
	}

	if env.MsgType == envelope.MsgIntent {
		p, err := env.ParseIntent()
		if err == nil && p.Discovery != nil {
			q := &discovery.Query{
				Description: p.Discovery.Description,
				Tags:        p.Discovery.Tags,
				MinTrust:    p.Discovery.MinTrust,
				Limit:       p.Discovery.Limit,
			}
			if p.Constraints != nil {
				q.MaxLatencyMS = p.Constraints.MaxLatencyMS
				q.MaxCost = p.Constraints.MaxCost
			}
			found, err := r.disco.Search(ctx, q)
			if err != nil {
				return nil, nil, fmt.Errorf("routing: discovery: %w", err)
			}
			if len(found.Matches) == 0 {
				return nil, &Result{Status: "routed", AgentCount: 0, Degraded: found.Degraded}, nil
			}
			targets := make([]string, 0, len(found.Matches))
			for _, m := range found.Matches {
				targets = append(targets, m.AgentDID)
			}
			return targets, nil, nil
		}
	}

	return nil, nil, ErrUnroutable
}

// deliver publishes to the target's subject, persists mail when the intent
// produces it, and pushes to any open socket. The mail row is only written
// after the stream accepted the envelope.
func (r *Router) deliver(ctx context.Context, env *envelope.Envelope, raw []byte, target string) error {
	subject := stream.Subject(categoryFor(env.MsgType), target)
	if err := r.publishWithRetry(ctx, subject, raw); err != nil {
		return err
	}

	if p := mailPayload(env); p != nil {
		msg := &mail.Message{
			EnvelopeID:     env.ID,
			ConversationID: conversationID(env, p),
			Sender:         env.FromDID,
			Recipients:     []string{target},
			Subject:        p.Subject,
			Body:           p.Body,
			MimeType:       p.MimeType,
			ReceivedAt:     r.now().UTC(),
		}
		if p.Semantics != nil {
			msg.Labels = p.Semantics.Labels
		}
		err := r.mail.Insert(ctx, msg)
		if err != nil && !errors.Is(err, mail.ErrDuplicateEnvelope) {
			return fmt.Errorf("routing: persist mail: %w", err)
		}
	}

	if r.hub != nil {
		r.hub.Push(target, &gateway.Event{
			Type:       string(env.MsgType),
			EnvelopeID: env.ID,
			Payload:    raw,
		})
	}
	return nil
}

func (r *Router) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	_, err := r.broker.Publish(ctx, subject, data)
	if err == nil {
		return nil
	}
	r.log.Warn("stream publish failed, retrying", "subject", subject, "error", err)

	// One retry with ±50% jitter around the base backoff.
	wait := time.Duration(float64(r.opts.RetryBase) * (0.5 + rand.Float64()))
	r.sleep(wait)

	if _, err = r.broker.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStreamDown, subject, err)
	}
	return nil
}

func (r *Router) remember(ctx context.Context, envelopeID string, res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	r.guard.RememberResult(ctx, envelopeID, raw)
}

func categoryFor(t envelope.MsgType) string {
	switch t {
	case envelope.MsgIntent:
		return stream.CategoryIntents
	case envelope.MsgNegotiate:
		return stream.CategoryNegotiations
	case envelope.MsgDiscoverResult:
		return stream.CategoryDiscoverResults
	default:
		return stream.CategoryResults
	}
}

// mailPayload returns the intent payload when the envelope produces a
// mailbox row.
func mailPayload(env *envelope.Envelope) *envelope.IntentPayload {
	if env.MsgType != envelope.MsgIntent {
		return nil
	}
	p, err := env.ParseIntent()
	if err != nil || !envelope.MailProducing(p.IntentType) {
		return nil
	}
	return p
}

// conversationID threads on the sender-declared conversation, falling back
// to the envelope id so a bare message still forms a thread.
func conversationID(env *envelope.Envelope, p *envelope.IntentPayload) string {
	if p.Semantics != nil && p.Semantics.ConversationID != "" {
		return p.Semantics.ConversationID
	}
	return env.ID
}
