package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/stream"
)

// readEnvelope decodes and bounds the request body, keeping the raw bytes
// for signature verification.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) ([]byte, *envelope.Envelope, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "cannot read request body")
		return nil, nil, false
	}
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidEnvelope, "body is not a JSON envelope")
		return nil, nil, false
	}
	if did := DIDFromContext(r.Context()); env.FromDID != did {
		WriteError(w, http.StatusForbidden, CodeDIDMismatch, "from_did does not match the authenticated identity")
		return nil, nil, false
	}
	return raw, &env, true
}

func (s *Server) handleIntentSend(w http.ResponseWriter, r *http.Request) {
	raw, env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Router.Route(r.Context(), raw, env)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleDiscoverySearch(w http.ResponseWriter, r *http.Request) {
	var q discovery.Query
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&q); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "body is not a JSON query")
		return
	}
	res, err := s.deps.Discovery.Search(r.Context(), &q)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// advertisePayload is the typed ADVERTISE payload after schema validation.
type advertisePayload struct {
	Capabilities []struct {
		Description  string   `json:"description"`
		Tags         []string `json:"tags,omitempty"`
		Version      string   `json:"version,omitempty"`
		EvidenceRef  string   `json:"evidence_ref,omitempty"`
		MaxLatencyMS int64    `json:"max_latency_ms,omitempty"`
		CostPerCall  float64  `json:"cost_per_call,omitempty"`
	} `json:"capabilities"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	TrustSeed  *float64 `json:"trust_seed,omitempty"`
}

// discoverPayload is the typed DISCOVER payload after schema validation.
type discoverPayload struct {
	Query discovery.Query `json:"query"`
}

// handleDiscoveryEnvelope accepts ADVERTISE and DISCOVER envelopes. A
// DISCOVER additionally publishes a DISCOVER_RESULT envelope on the
// requester's discover_results subject.
func (s *Server) handleDiscoveryEnvelope(w http.ResponseWriter, r *http.Request) {
	raw, env, ok := s.readEnvelope(w, r)
	if !ok {
		return
	}
	if result := s.deps.Validator.Validate(env); !result.Valid {
		WriteError(w, http.StatusBadRequest, CodeInvalidEnvelope, result.First().Error())
		return
	}
	if err := s.deps.Verifier.VerifyRaw(raw, env); err != nil {
		WriteDomainError(w, s.log, err)
		return
	}

	switch env.MsgType {
	case envelope.MsgAdvertise:
		s.handleAdvertise(w, r, env)
	case envelope.MsgDiscover:
		s.handleDiscover(w, r, env)
	default:
		WriteError(w, http.StatusBadRequest, CodeInvalidEnvelope, "msg_type must be ADVERTISE or DISCOVER")
	}
}

func (s *Server) handleAdvertise(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	var p advertisePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidEnvelope, "malformed ADVERTISE payload")
		return
	}

	reg := &discovery.Registration{
		AgentDID: env.FromDID,
		TTL:      time.Duration(p.TTLSeconds) * time.Second,
	}
	for _, c := range p.Capabilities {
		reg.Capabilities = append(reg.Capabilities, &discovery.Capability{
			AgentDID:     env.FromDID,
			Description:  c.Description,
			Tags:         c.Tags,
			Version:      c.Version,
			EvidenceRef:  c.EvidenceRef,
			MaxLatencyMS: c.MaxLatencyMS,
			MaxCost:      c.CostPerCall,
		})
	}
	if p.TrustSeed != nil {
		reg.TrustSeed = discovery.DefaultTrust(env.FromDID, s.now().UTC())
		reg.TrustSeed.Aggregate = *p.TrustSeed
	}

	if err := s.deps.Discovery.Register(r.Context(), reg); err != nil {
		WriteDomainError(w, s.log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "registered",
		"capabilities": len(reg.Capabilities),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	var p discoverPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidEnvelope, "malformed DISCOVER payload")
		return
	}

	res, err := s.deps.Discovery.Search(r.Context(), &p.Query)
	if err != nil {
		WriteDomainError(w, s.log, err)
		return
	}

	if s.deps.Broker != nil {
		s.publishDiscoverResult(r, env, res)
	}
	WriteJSON(w, http.StatusOK, res)
}

// publishDiscoverResult streams the answer back to the requester so
// offline agents still receive it on resume.
func (s *Server) publishDiscoverResult(r *http.Request, query *envelope.Envelope, res *discovery.Result) {
	matches := make([]map[string]interface{}, 0, len(res.Matches))
	for _, m := range res.Matches {
		matches = append(matches, map[string]interface{}{
			"did":         m.AgentDID,
			"description": m.Description,
			"similarity":  m.Similarity,
			"trust":       m.Trust,
			"usefulness":  m.Usefulness,
			"score":       m.Score,
		})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"query_id": query.ID,
		"matches":  matches,
		"degraded": res.Degraded,
	})
	if err != nil {
		return
	}
	out := envelope.New("", envelope.MsgDiscoverResult, payload, 5*time.Minute)
	out.ToDID = query.FromDID
	out.TraceID = query.TraceID
	frame, err := json.Marshal(out)
	if err != nil {
		return
	}
	subject := stream.Subject(stream.CategoryDiscoverResults, query.FromDID)
	if _, err := s.deps.Broker.Publish(r.Context(), subject, frame); err != nil {
		s.log.Warn("discover result publish failed", "subject", subject, "error", err)
	}
}
