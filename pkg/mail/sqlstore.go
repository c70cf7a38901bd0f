package mail

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"golang.org/x/text/unicode/norm"
	"modernc.org/sqlite"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS messages (
	envelope_id     TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	recipients      TEXT NOT NULL,
	subject         TEXT,
	body            TEXT,
	mime_type       TEXT,
	body_hash       TEXT NOT NULL,
	labels          TEXT NOT NULL DEFAULT '[]',
	received_at     TIMESTAMP NOT NULL,
	read_at         TIMESTAMP
);

CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, received_at);
CREATE INDEX IF NOT EXISTS messages_received ON messages (received_at);

CREATE TABLE IF NOT EXISTS threads (
	conversation_id  TEXT PRIMARY KEY,
	participants     TEXT NOT NULL DEFAULT '[]',
	message_count    INTEGER NOT NULL DEFAULT 0,
	unread_count     INTEGER NOT NULL DEFAULT 0,
	first_message_at TIMESTAMP,
	last_message_at  TIMESTAMP,
	labels           TEXT NOT NULL DEFAULT '[]',
	archived         BOOLEAN NOT NULL DEFAULT FALSE,
	muted            BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS contacts (
	owner          TEXT NOT NULL,
	peer           TEXT NOT NULL,
	alias          TEXT,
	consent        TEXT NOT NULL DEFAULT 'unknown',
	allowlisted    BOOLEAN NOT NULL DEFAULT FALSE,
	trust_override DOUBLE PRECISION,
	first_seen_at  TIMESTAMP NOT NULL,
	last_seen_at   TIMESTAMP NOT NULL,
	message_count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner, peer)
);
`

// SQLStore implements Store using database/sql. It runs on both Postgres
// (lib/pq) and SQLite (modernc.org/sqlite); both drivers accept $N
// placeholders, and list columns are stored as JSON text. Thread and
// contact roll-ups happen inside the message-insert transaction, so the
// aggregate invariants hold at every commit.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("mail: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BodyHash is SHA-256 over the NFC-normalized body, hex encoded.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(body)))
	return hex.EncodeToString(sum[:])
}

func (s *SQLStore) Insert(ctx context.Context, msg *Message) error {
	if msg.BodyHash == "" {
		msg.BodyHash = BodyHash(msg.Body)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mail: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The envelope_id primary key arbitrates duplicates; a pre-read would
	// race with concurrent inserts of the same envelope.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (envelope_id, conversation_id, sender, recipients, subject, body, mime_type, body_hash, labels, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.EnvelopeID, msg.ConversationID, msg.Sender, jsonList(msg.Recipients),
		msg.Subject, msg.Body, msg.MimeType, msg.BodyHash, jsonList(msg.Labels), msg.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEnvelope
	}
	if err != nil {
		return fmt.Errorf("mail: insert message: %w", err)
	}

	if err := s.rollupThread(ctx, tx, msg); err != nil {
		return err
	}
	if err := s.upsertContacts(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mail: commit: %w", err)
	}
	return nil
}

// isUniqueViolation detects a duplicate-key insert on either driver:
// Postgres error 23505, SQLite extended codes 1555 (constraint primary
// key) and 2067 (constraint unique).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	var liteErr *sqlite.Error
	return errors.As(err, &liteErr) && (liteErr.Code() == 1555 || liteErr.Code() == 2067)
}

// rollupThread creates or updates the thread aggregate for the message.
func (s *SQLStore) rollupThread(ctx context.Context, tx *sql.Tx, msg *Message) error {
	var (
		participantsRaw string
		count, unread   int
		firstAt         time.Time
	)
	err := tx.QueryRowContext(ctx, `
		SELECT participants, message_count, unread_count, first_message_at
		FROM threads WHERE conversation_id = $1`, msg.ConversationID).
		Scan(&participantsRaw, &count, &unread, &firstAt)

	participants := mergeParticipants(msg, nil)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO threads (conversation_id, participants, message_count, unread_count, first_message_at, last_message_at)
			VALUES ($1, $2, 1, 1, $3, $3)`,
			msg.ConversationID, jsonList(participants), msg.ReceivedAt)
		if err != nil {
			return fmt.Errorf("mail: create thread: %w", err)
		}
	case err != nil:
		return fmt.Errorf("mail: load thread: %w", err)
	default:
		var existing []string
		_ = json.Unmarshal([]byte(participantsRaw), &existing)
		participants = mergeParticipants(msg, existing)
		_, err = tx.ExecContext(ctx, `
			UPDATE threads SET participants = $2, message_count = message_count + 1,
				unread_count = unread_count + 1, last_message_at = $3
			WHERE conversation_id = $1`,
			msg.ConversationID, jsonList(participants), msg.ReceivedAt)
		if err != nil {
			return fmt.Errorf("mail: update thread: %w", err)
		}
	}
	return nil
}

// upsertContacts maintains (recipient, sender) contact rows on delivery.
func (s *SQLStore) upsertContacts(ctx context.Context, tx *sql.Tx, msg *Message) error {
	for _, recipient := range msg.Recipients {
		for _, pair := range [][2]string{{recipient, msg.Sender}, {msg.Sender, recipient}} {
			res, err := tx.ExecContext(ctx, `
				UPDATE contacts SET last_seen_at = $3, message_count = message_count + 1
				WHERE owner = $1 AND peer = $2`,
				pair[0], pair[1], msg.ReceivedAt)
			if err != nil {
				return fmt.Errorf("mail: update contact: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO contacts (owner, peer, consent, first_seen_at, last_seen_at, message_count)
					VALUES ($1, $2, $3, $4, $4, 1)`,
					pair[0], pair[1], string(ConsentUnknown), msg.ReceivedAt)
				if err != nil {
					return fmt.Errorf("mail: insert contact: %w", err)
				}
			}
		}
	}
	return nil
}

const messageColumns = `envelope_id, conversation_id, sender, recipients, subject, body, mime_type, body_hash, labels, received_at, read_at`

func (s *SQLStore) Inbox(ctx context.Context, q *InboxQuery) ([]*Message, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	where := []string{`recipients LIKE $1`}
	args := []interface{}{`%"` + q.Owner + `"%`}
	n := 2
	if q.Cursor != "" {
		cursorAt, cursorID, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("mail: bad cursor: %w", err)
		}
		where = append(where, fmt.Sprintf(`(received_at < $%d OR (received_at = $%d AND envelope_id < $%d))`, n, n, n+1))
		args = append(args, cursorAt, cursorID)
		n += 2
	}
	if q.Label != "" {
		where = append(where, fmt.Sprintf(`labels LIKE $%d`, n))
		args = append(args, `%"`+q.Label+`"%`)
		n++
	}
	if q.UnreadOnly {
		where = append(where, `read_at IS NULL`)
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY received_at DESC, envelope_id DESC LIMIT $%d`,
		messageColumns, strings.Join(where, " AND "), n)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("mail: inbox query: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(msgs) > limit {
		msgs = msgs[:limit]
		last := msgs[limit-1]
		next = encodeCursor(last.ReceivedAt, last.EnvelopeID)
	}
	return msgs, next, nil
}

func (s *SQLStore) Message(ctx context.Context, envelopeID string) (*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE envelope_id = $1`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("mail: get message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return msgs[0], nil
}

func (s *SQLStore) Thread(ctx context.Context, conversationID string) (*Thread, []*Message, error) {
	var t Thread
	var participantsRaw, labelsRaw string
	var firstAt, lastAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, participants, message_count, unread_count, first_message_at, last_message_at, labels, archived, muted
		FROM threads WHERE conversation_id = $1`, conversationID).
		Scan(&t.ConversationID, &participantsRaw, &t.MessageCount, &t.UnreadCount, &firstAt, &lastAt, &labelsRaw, &t.Archived, &t.Muted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("mail: get thread: %w", err)
	}
	_ = json.Unmarshal([]byte(participantsRaw), &t.Participants)
	_ = json.Unmarshal([]byte(labelsRaw), &t.Labels)
	t.FirstMessageAt = firstAt.Time
	t.LastMessageAt = lastAt.Time

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY received_at`, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("mail: thread messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}
	return &t, msgs, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, owner, envelopeID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mail: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var conversationID string
	var recipientsRaw string
	var readAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT conversation_id, recipients, read_at FROM messages WHERE envelope_id = $1`, envelopeID).
		Scan(&conversationID, &recipientsRaw, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("mail: load message: %w", err)
	}

	var recipients []string
	_ = json.Unmarshal([]byte(recipientsRaw), &recipients)
	if owner != "" && !contains(recipients, owner) {
		return ErrMessageNotFound
	}

	// Forward-only: already read is a no-op.
	if readAt.Valid {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET read_at = $2 WHERE envelope_id = $1`, envelopeID, at); err != nil {
		return fmt.Errorf("mail: mark read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET unread_count = unread_count - 1
		WHERE conversation_id = $1 AND unread_count > 0`, conversationID); err != nil {
		return fmt.Errorf("mail: update thread unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mail: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Label(ctx context.Context, envelopeID string, add, remove []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mail: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var labelsRaw string
	err = tx.QueryRowContext(ctx, `SELECT labels FROM messages WHERE envelope_id = $1`, envelopeID).Scan(&labelsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("mail: load labels: %w", err)
	}

	var labels []string
	_ = json.Unmarshal([]byte(labelsRaw), &labels)
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range add {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	merged := make([]string, 0, len(set))
	for l := range set {
		merged = append(merged, l)
	}
	sort.Strings(merged)

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET labels = $2 WHERE envelope_id = $1`, envelopeID, jsonList(merged)); err != nil {
		return fmt.Errorf("mail: update labels: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mail: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Contact(ctx context.Context, owner, peer string) (*Contact, error) {
	var c Contact
	var trustOverride sql.NullFloat64
	var alias sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, peer, alias, consent, allowlisted, trust_override, first_seen_at, last_seen_at, message_count
		FROM contacts WHERE owner = $1 AND peer = $2`, owner, peer).
		Scan(&c.Owner, &c.Peer, &alias, &c.Consent, &c.Allowlisted, &trustOverride, &c.FirstSeenAt, &c.LastSeenAt, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mail: get contact: %w", err)
	}
	c.Alias = alias.String
	if trustOverride.Valid {
		c.TrustOverride = &trustOverride.Float64
	}
	return &c, nil
}

func (s *SQLStore) SetConsent(ctx context.Context, owner, peer string, consent ConsentState, allowlisted bool) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET consent = $3, allowlisted = $4, last_seen_at = $5
		WHERE owner = $1 AND peer = $2`,
		owner, peer, string(consent), allowlisted, now)
	if err != nil {
		return fmt.Errorf("mail: set consent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO contacts (owner, peer, consent, allowlisted, first_seen_at, last_seen_at, message_count)
			VALUES ($1, $2, $3, $4, $5, $5, 0)`,
			owner, peer, string(consent), allowlisted, now)
		if err != nil {
			return fmt.Errorf("mail: insert contact: %w", err)
		}
	}
	return nil
}

// Mutual reports whether both directions have consented (or better). Used
// by the greylist bypass.
func (s *SQLStore) Mutual(ctx context.Context, a, b string) (bool, error) {
	ab, err := s.Contact(ctx, a, b)
	if err != nil {
		return false, err
	}
	ba, err := s.Contact(ctx, b, a)
	if err != nil {
		return false, err
	}
	return consented(ab) && consented(ba), nil
}

// Exempt reports whether owner has allowlisted or trusts peer, which
// waives postage.
func (s *SQLStore) Exempt(ctx context.Context, owner, peer string) (bool, error) {
	c, err := s.Contact(ctx, owner, peer)
	if err != nil {
		return false, err
	}
	return c != nil && (c.Allowlisted || c.Consent == ConsentTrusted), nil
}

func consented(c *Contact) bool {
	return c != nil && (c.Consent == ConsentConsented || c.Consent == ConsentTrusted)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()
	var out []*Message
	for rows.Next() {
		var m Message
		var recipientsRaw, labelsRaw string
		var subject, body, mime sql.NullString
		var readAt sql.NullTime
		if err := rows.Scan(&m.EnvelopeID, &m.ConversationID, &m.Sender, &recipientsRaw,
			&subject, &body, &mime, &m.BodyHash, &labelsRaw, &m.ReceivedAt, &readAt); err != nil {
			return nil, fmt.Errorf("mail: scan message: %w", err)
		}
		m.Subject = subject.String
		m.Body = body.String
		m.MimeType = mime.String
		_ = json.Unmarshal([]byte(recipientsRaw), &m.Recipients)
		_ = json.Unmarshal([]byte(labelsRaw), &m.Labels)
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func mergeParticipants(msg *Message, existing []string) []string {
	set := make(map[string]bool, len(existing)+len(msg.Recipients)+1)
	for _, p := range existing {
		set[p] = true
	}
	set[msg.Sender] = true
	for _, r := range msg.Recipients {
		set[r] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	raw, _ := json.Marshal(items)
	return string(raw)
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d|%s", at.UnixMicro(), id)))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	var micros int64
	if _, err := fmt.Sscanf(parts[0], "%d", &micros); err != nil {
		return time.Time{}, "", err
	}
	return time.UnixMicro(micros).UTC(), parts[1], nil
}
