package mail

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func testMessage(envelopeID, conversationID, sender string, recipients []string, at time.Time) *Message {
	return &Message{
		EnvelopeID:     envelopeID,
		ConversationID: conversationID,
		Sender:         sender,
		Recipients:     recipients,
		Subject:        "hello",
		Body:           "body of " + envelopeID,
		MimeType:       "text/plain",
		ReceivedAt:     at,
	}
}

func TestInsertRollsUpThreadAndContacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testMessage("env-1", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, base)))
	require.NoError(t, store.Insert(ctx, testMessage("env-2", "conv-1", "did:key:zBob", []string{"did:key:zAlice"}, base.Add(time.Minute))))

	thread, msgs, err := store.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, 2, thread.UnreadCount)
	assert.Equal(t, []string{"did:key:zAlice", "did:key:zBob"}, thread.Participants)
	assert.True(t, thread.LastMessageAt.After(thread.FirstMessageAt))
	require.Len(t, msgs, 2)
	assert.Equal(t, "env-1", msgs[0].EnvelopeID, "thread messages are oldest first")

	// Delivery auto-creates contact rows in both directions.
	c, err := store.Contact(ctx, "did:key:zBob", "did:key:zAlice")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ConsentUnknown, c.Consent)
	assert.Equal(t, 2, c.MessageCount)

	c, err = store.Contact(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.MessageCount)
}

// The duplicate surfaces from the envelope_id primary key and maps to
// ErrDuplicateEnvelope, on the SQLite driver here and lib/pq in production.
func TestInsertDuplicateEnvelope(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testMessage("env-1", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, at)))
	err := store.Insert(ctx, testMessage("env-1", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, at))
	assert.ErrorIs(t, err, ErrDuplicateEnvelope)

	// The failed insert did not bump the aggregates.
	thread, _, err := store.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
}

func TestInboxPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		msg := testMessage(
			string(rune('a'+i))+"-env", "conv-1", "did:key:zAlice",
			[]string{"did:key:zBob"}, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Insert(ctx, msg))
	}

	page1, cursor, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zBob", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "e-env", page1[0].EnvelopeID, "newest first")
	assert.Equal(t, "d-env", page1[1].EnvelopeID)

	page2, cursor, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zBob", Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c-env", page2[0].EnvelopeID)

	page3, cursor, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zBob", Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "no further page")

	// A non-recipient sees nothing.
	none, _, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zMallory"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarkReadForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testMessage("env-1", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, at)))

	// Only a recipient may mark read.
	err := store.MarkRead(ctx, "did:key:zMallory", "env-1", at.Add(time.Minute))
	assert.ErrorIs(t, err, ErrMessageNotFound)

	readAt := at.Add(time.Minute)
	require.NoError(t, store.MarkRead(ctx, "did:key:zBob", "env-1", readAt))

	msg, err := store.Message(ctx, "env-1")
	require.NoError(t, err)
	require.NotNil(t, msg.ReadAt)

	thread, _, err := store.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadCount)

	// Re-marking is a no-op: the timestamp does not move and the unread
	// count does not go negative.
	require.NoError(t, store.MarkRead(ctx, "did:key:zBob", "env-1", at.Add(time.Hour)))
	msg2, err := store.Message(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ReadAt.Unix(), msg2.ReadAt.Unix())

	thread, _, err = store.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 0, thread.UnreadCount)
}

func TestUnreadOnlyAndLabelFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testMessage("env-1", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, at)))
	require.NoError(t, store.Insert(ctx, testMessage("env-2", "conv-1", "did:key:zAlice", []string{"did:key:zBob"}, at.Add(time.Minute))))
	require.NoError(t, store.MarkRead(ctx, "did:key:zBob", "env-1", at.Add(2*time.Minute)))

	unread, _, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zBob", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "env-2", unread[0].EnvelopeID)

	require.NoError(t, store.Label(ctx, "env-1", []string{"starred", "work"}, nil))
	starred, _, err := store.Inbox(ctx, &InboxQuery{Owner: "did:key:zBob", Label: "starred"})
	require.NoError(t, err)
	require.Len(t, starred, 1)
	assert.Equal(t, "env-1", starred[0].EnvelopeID)

	require.NoError(t, store.Label(ctx, "env-1", nil, []string{"starred"}))
	msg, err := store.Message(ctx, "env-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, msg.Labels)
}

func TestConsentAndExemption(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mutual, err := store.Mutual(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	assert.False(t, mutual, "no contact rows yet")

	require.NoError(t, store.SetConsent(ctx, "did:key:zAlice", "did:key:zBob", ConsentConsented, false))
	mutual, err = store.Mutual(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	assert.False(t, mutual, "one direction is not mutual")

	require.NoError(t, store.SetConsent(ctx, "did:key:zBob", "did:key:zAlice", ConsentTrusted, false))
	mutual, err = store.Mutual(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	assert.True(t, mutual)

	// Trusted peers and allowlisted peers skip postage.
	exempt, err := store.Exempt(ctx, "did:key:zBob", "did:key:zAlice")
	require.NoError(t, err)
	assert.True(t, exempt, "trusted implies exempt")

	exempt, err = store.Exempt(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	assert.False(t, exempt)

	require.NoError(t, store.SetConsent(ctx, "did:key:zAlice", "did:key:zBob", ConsentConsented, true))
	exempt, err = store.Exempt(ctx, "did:key:zAlice", "did:key:zBob")
	require.NoError(t, err)
	assert.True(t, exempt, "allowlisted implies exempt")
}

func TestBodyHashNormalization(t *testing.T) {
	// Precomposed and decomposed forms of the same text hash identically.
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	assert.Equal(t, BodyHash(composed), BodyHash(decomposed))
	assert.NotEqual(t, BodyHash("cafe"), BodyHash(composed))
}
