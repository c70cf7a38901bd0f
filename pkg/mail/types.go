// Package mail implements the broker mailbox: message rows, thread
// aggregates maintained in the same transaction as each insert, and
// auto-populated contacts with consent state.
package mail

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMessageNotFound   = errors.New("message not found")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrDuplicateEnvelope = errors.New("message for envelope already stored")
)

// ConsentState tracks how owner regards peer.
type ConsentState string

const (
	ConsentUnknown   ConsentState = "unknown"
	ConsentConsented ConsentState = "consented"
	ConsentBlocked   ConsentState = "blocked"
	ConsentTrusted   ConsentState = "trusted"
)

// Message is one delivered mail row. BodyHash is SHA-256 over the
// NFC-normalized body.
type Message struct {
	EnvelopeID     string     `json:"envelope_id"`
	ConversationID string     `json:"conversation_id"`
	Sender         string     `json:"sender"`
	Recipients     []string   `json:"recipients"`
	Subject        string     `json:"subject,omitempty"`
	Body           string     `json:"body,omitempty"`
	MimeType       string     `json:"mime_type,omitempty"`
	BodyHash       string     `json:"body_hash"`
	Labels         []string   `json:"labels,omitempty"`
	ReceivedAt     time.Time  `json:"received_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Thread is the per-conversation aggregate. Counts always match the
// constituent message rows; the store updates them in the insert/read
// transaction.
type Thread struct {
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	MessageCount   int       `json:"message_count"`
	UnreadCount    int       `json:"unread_count"`
	FirstMessageAt time.Time `json:"first_message_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
	Labels         []string  `json:"labels,omitempty"`
	Archived       bool      `json:"archived"`
	Muted          bool      `json:"muted"`
}

// Contact is the (owner, peer) relationship row.
type Contact struct {
	Owner         string       `json:"owner"`
	Peer          string       `json:"peer"`
	Alias         string       `json:"alias,omitempty"`
	Consent       ConsentState `json:"consent"`
	Allowlisted   bool         `json:"allowlisted"`
	TrustOverride *float64     `json:"trust_override,omitempty"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
	MessageCount  int          `json:"message_count"`
}

// InboxQuery selects a page of an agent's inbox, newest first. Cursor is
// the opaque value returned by the previous page.
type InboxQuery struct {
	Owner      string
	Limit      int
	Cursor     string
	Label      string
	UnreadOnly bool
}

// Store is the mailbox persistence contract.
type Store interface {
	// Insert stores the message and, in the same transaction, rolls up the
	// thread aggregate and upserts contact rows for every
	// (recipient, sender) pair.
	Insert(ctx context.Context, msg *Message) error
	Inbox(ctx context.Context, q *InboxQuery) ([]*Message, string, error)
	Message(ctx context.Context, envelopeID string) (*Message, error)
	Thread(ctx context.Context, conversationID string) (*Thread, []*Message, error)
	// MarkRead sets the read time. Read state only moves forward: marking
	// an already-read message read again (or unread) changes nothing.
	MarkRead(ctx context.Context, owner, envelopeID string, at time.Time) error
	Label(ctx context.Context, envelopeID string, add, remove []string) error

	Contact(ctx context.Context, owner, peer string) (*Contact, error)
	SetConsent(ctx context.Context, owner, peer string, consent ConsentState, allowlisted bool) error

	Ping(ctx context.Context) error
}
