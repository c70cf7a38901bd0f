// Package envelope defines the AINP wire envelope — the signed, addressed
// message container every agent interaction travels in — together with its
// structural validation, payload schemas, and signature verification.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the wire format version this broker speaks.
const Version = "1.0"

// MsgType discriminates the envelope payload.
type MsgType string

const (
	MsgIntent         MsgType = "INTENT"
	MsgResult         MsgType = "RESULT"
	MsgNegotiate      MsgType = "NEGOTIATE"
	MsgAdvertise      MsgType = "ADVERTISE"
	MsgDiscover       MsgType = "DISCOVER"
	MsgDiscoverResult MsgType = "DISCOVER_RESULT"
	MsgNotification   MsgType = "NOTIFICATION"
)

// KnownMsgTypes is the closed set of accepted discriminators.
var KnownMsgTypes = map[MsgType]bool{
	MsgIntent:         true,
	MsgResult:         true,
	MsgNegotiate:      true,
	MsgAdvertise:      true,
	MsgDiscover:       true,
	MsgDiscoverResult: true,
	MsgNotification:   true,
}

// Intent payload sub-types. MESSAGE, EMAIL_MESSAGE, CHAT_MESSAGE and
// NOTIFICATION produce mailbox rows on delivery; TASK_REQUEST does not.
const (
	IntentMessage      = "MESSAGE"
	IntentEmailMessage = "EMAIL_MESSAGE"
	IntentChatMessage  = "CHAT_MESSAGE"
	IntentNotification = "NOTIFICATION"
	IntentTaskRequest  = "TASK_REQUEST"
)

// Envelope is the wire object. TTL and Timestamp are milliseconds; Payload
// stays raw until the msg_type schema has accepted it.
type Envelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	TraceID   string          `json:"trace_id,omitempty"`
	FromDID   string          `json:"from_did"`
	ToDID     string          `json:"to_did,omitempty"`
	MsgType   MsgType         `json:"msg_type"`
	TTL       int64           `json:"ttl"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// New builds an unsigned envelope with fresh id, trace id, and timestamp.
func New(from string, msgType MsgType, payload json.RawMessage, ttl time.Duration) *Envelope {
	return &Envelope{
		Version:   Version,
		ID:        uuid.NewString(),
		TraceID:   uuid.NewString(),
		FromDID:   from,
		MsgType:   msgType,
		TTL:       ttl.Milliseconds(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// SentAt returns the envelope timestamp as wall-clock time.
func (e *Envelope) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ExpiresAt returns the hard deadline the sender put on the envelope.
func (e *Envelope) ExpiresAt() time.Time {
	return time.UnixMilli(e.Timestamp + e.TTL)
}

// Expired reports whether the deadline has passed. An envelope whose
// deadline equals now is still live.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt().Before(now)
}

// FromFuture reports whether the envelope claims a timestamp further ahead
// of now than the allowed clock skew.
func (e *Envelope) FromFuture(now time.Time, skew time.Duration) bool {
	return e.SentAt().After(now.Add(skew))
}

// Clone returns a deep copy safe to mutate.
func (e *Envelope) Clone() *Envelope {
	dup := *e
	if e.Payload != nil {
		dup.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &dup
}

// IntentPayload is the typed view of an INTENT payload after schema
// validation.
type IntentPayload struct {
	IntentType  string          `json:"intent_type"`
	Subject     string          `json:"subject,omitempty"`
	Body        string          `json:"body,omitempty"`
	MimeType    string          `json:"mime_type,omitempty"`
	Semantics   *Semantics      `json:"semantics,omitempty"`
	Discovery   *DiscoveryQuery `json:"discovery,omitempty"`
	Constraints *Constraints    `json:"constraints,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Semantics carries conversation threading hints.
type Semantics struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	InReplyTo      string   `json:"in_reply_to,omitempty"`
	Labels         []string `json:"labels,omitempty"`
}

// DiscoveryQuery asks the broker to resolve recipients by capability.
type DiscoveryQuery struct {
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MinTrust    float64  `json:"min_trust,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// Constraints bound what the sender will tolerate from a match.
type Constraints struct {
	MaxLatencyMS int64   `json:"max_latency_ms,omitempty"`
	MaxCost      float64 `json:"max_cost,omitempty"`
}

// ParseIntent decodes the payload of an INTENT envelope.
func (e *Envelope) ParseIntent() (*IntentPayload, error) {
	var p IntentPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MailProducing reports whether this intent sub-type lands in the mailbox.
func MailProducing(intentType string) bool {
	switch intentType {
	case IntentMessage, IntentEmailMessage, IntentChatMessage, IntentNotification:
		return true
	}
	return false
}

// ConversationID extracts payload.semantics.conversation_id, or "" when the
// payload carries none.
func (e *Envelope) ConversationID() string {
	if e.MsgType != MsgIntent {
		return ""
	}
	p, err := e.ParseIntent()
	if err != nil || p.Semantics == nil {
		return ""
	}
	return p.Semantics.ConversationID
}
