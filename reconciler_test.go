package harbor

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reconFixture struct {
	store   *MessageStore
	index   *ConversationIndex
	recon   *EventReconciler
	active  string
	reads   []string
	reloads int
}

func newReconFixture(self string, peers ...string) *reconFixture {
	f := &reconFixture{
		store: NewMessageStore(),
		index: seedIndex(peers...),
	}
	f.recon = NewEventReconciler(ReconcilerDeps{
		SelfID: self,
		Store:  f.store,
		Index:  f.index,
		Active: func() string { return f.active },
		OnRead: func(peerKey string) { f.reads = append(f.reads, peerKey) },
		Reload: func() { f.reloads++ },
		Logger: testLogger(),
	})
	return f
}

func (f *reconFixture) selectPeer(peerKey string) {
	f.active = peerKey
	f.store.ReplaceAll(peerKey, nil)
}

func payload(id, from, to, content string) MessagePayload {
	return MessagePayload{
		ID:        PeerID(id),
		From:      PeerID(from),
		To:        PeerID(to),
		Content:   content,
		Type:      "text",
		CreatedAt: "2026-08-30T12:00:00Z",
	}
}

func TestReconciler_DedupAcrossSources(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	p := payload("m100", "alice", "bob", "hello")

	// REST acknowledgment, push echo, then poll redelivery.
	f.recon.ApplySent(p)
	f.recon.ApplySent(p)
	f.recon.ApplyIncoming(p)

	assert.Equal(t, 1, f.store.Len())
	entry, _ := f.index.Get("bob")
	assert.Equal(t, "m100", entry.LastMessage.ID)
	assert.Equal(t, 0, entry.UnreadCount)
}

func TestReconciler_InactiveConversationSkipsStore(t *testing.T) {
	f := newReconFixture("alice", "bob", "carol")
	f.selectPeer("bob")

	f.recon.ApplyIncoming(payload("m1", "carol", "alice", "psst"))

	// No append, but the index still reorders and counts.
	assert.Equal(t, 0, f.store.Len())
	entry, _ := f.index.Get("carol")
	assert.Equal(t, 1, entry.UnreadCount)
	assert.Equal(t, "carol", f.index.Conversations()[0].PeerKey)
	assert.Empty(t, f.reads)
}

func TestReconciler_ActiveIncomingAppendsAndSignalsRead(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	f.recon.ApplyIncoming(payload("m1", "bob", "alice", "hi"))

	assert.Equal(t, 1, f.store.Len())
	entry, _ := f.index.Get("bob")
	assert.Equal(t, 0, entry.UnreadCount)
	assert.Equal(t, []string{"bob"}, f.reads)
}

func TestReconciler_OwnMessagesNeverSignalRead(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	f.recon.ApplySent(payload("m1", "alice", "bob", "hi"))

	assert.Equal(t, 1, f.store.Len())
	assert.Empty(t, f.reads)
}

func TestReconciler_NoteToSelf(t *testing.T) {
	f := newReconFixture("alice", "alice")
	f.selectPeer("alice")

	// Sender and recipient are both the local user: the counterpart key
	// collapses to self and the message lands normally.
	f.recon.ApplyIncoming(payload("m1", "alice", "alice", "remember the milk"))

	assert.Equal(t, 1, f.store.Len())
	got := f.store.Messages()[0]
	assert.Equal(t, "alice", got.ConversationKey)
	assert.True(t, got.Mine)
}

func TestReconciler_SentWithoutSenderFilledFromSelf(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	f.recon.ApplySent(payload("m1", "", "bob", "hi"))

	got := f.store.Messages()
	require.Len(t, got, 1)
	assert.True(t, got[0].Mine)
	assert.Equal(t, "alice", got[0].SenderID)
}

func TestReconciler_DegradedPayloadUsesPlaceholder(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	// Incoming message with no resolvable counterpart.
	f.recon.ApplyIncoming(payload("m1", "", "", "who dis"))

	assert.Equal(t, 0, f.store.Len())
	// UnknownPeer is not tracked, so the reconciler asks for a reload.
	assert.Equal(t, 1, f.reloads)
}

func TestReconciler_UntrackedConversationTriggersReload(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	f.recon.ApplyIncoming(payload("m1", "dave", "alice", "new here"))

	assert.Equal(t, 1, f.reloads)
	assert.Equal(t, 1, f.index.Len())
}

func TestReconciler_NotificationWithFullMessage(t *testing.T) {
	f := newReconFixture("alice", "bob")
	f.selectPeer("bob")

	data, _ := json.Marshal(payload("m1", "bob", "alice", "via notification"))
	f.recon.ApplyNotification(NotificationPayload{Type: NotificationMessage, Data: data})

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 0, f.reloads)
}

func TestReconciler_PartialNotificationFallsBackToReload(t *testing.T) {
	f := newReconFixture("alice", "bob")

	f.recon.ApplyNotification(NotificationPayload{
		Type: NotificationMessage,
		Data: json.RawMessage(`{"preview":"..."}`),
	})

	assert.Equal(t, 1, f.reloads)
	assert.Equal(t, 0, f.store.Len())
}

func TestReconciler_ChatroomNotification(t *testing.T) {
	f := newReconFixture("alice", "room-7")
	f.selectPeer("room-7")

	data, _ := json.Marshal(map[string]any{
		"room_id": "room-7",
		"message": payload("m1", "bob", "", "hi room"),
	})
	f.recon.ApplyNotification(NotificationPayload{Type: NotificationChatroom, Data: data})

	got := f.store.Messages()
	require.Len(t, got, 1)
	// The room id wins over the counterpart key derived from from/to.
	assert.Equal(t, "room-7", got[0].ConversationKey)
	assert.Equal(t, []string{"room-7"}, f.reads)
}

func TestReconciler_ChatroomNotificationWithoutMessageReloads(t *testing.T) {
	f := newReconFixture("alice", "room-7")

	f.recon.ApplyNotification(NotificationPayload{
		Type: NotificationChatroom,
		Data: json.RawMessage(`{"room_id":"room-7"}`),
	})

	assert.Equal(t, 1, f.reloads)
}

func TestReconciler_UnknownNotificationDropped(t *testing.T) {
	f := newReconFixture("alice", "bob")

	f.recon.ApplyNotification(NotificationPayload{Type: "friend_request"})

	assert.Equal(t, 0, f.reloads)
	assert.Equal(t, 0, f.store.Len())
}

func TestReconciler_NumericIDsMatchStringIDs(t *testing.T) {
	f := newReconFixture("17", "42")
	f.selectPeer("42")

	// One transport delivers ids as JSON numbers, another as strings.
	var numeric MessagePayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"id":900,"from":42,"to":17,"content":"hi","message_type":"text","created_at":"2026-08-30T12:00:00Z"}`),
		&numeric))
	var stringly MessagePayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"id":"900","from":"42","to":"17","content":"hi","message_type":"text","created_at":"2026-08-30T12:00:00Z"}`),
		&stringly))

	f.recon.ApplyIncoming(numeric)
	f.recon.ApplyIncoming(stringly)

	assert.Equal(t, 1, f.store.Len())
}
