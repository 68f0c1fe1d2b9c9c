package harbor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChatAPI is an in-memory ChatAPI with hooks for blocking individual
// calls, so tests can interleave conversation switches with in-flight
// requests.
type fakeChatAPI struct {
	mu            sync.Mutex
	conversations []ConversationSummary
	histories     map[string][]MessagePayload
	markReads     []string
	unsends       []string
	sendGate      chan struct{}
	nextSendAck   MessagePayload
	histErr       error
	convCalls     int
	histCalls     int
}

func (f *fakeChatAPI) Conversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	out := make([]ConversationSummary, len(f.conversations))
	copy(out, f.conversations)
	return out, nil
}

func (f *fakeChatAPI) History(ctx context.Context, peerKey string, limit int) ([]MessagePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls++
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.histories[peerKey], nil
}

func (f *fakeChatAPI) Send(ctx context.Context, peerKey string, d Draft) (MessagePayload, error) {
	f.mu.Lock()
	gate := f.sendGate
	ack := f.nextSendAck
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return ack, nil
}

func (f *fakeChatAPI) MarkRead(ctx context.Context, peerKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, peerKey)
	return nil
}

func (f *fakeChatAPI) Unsend(ctx context.Context, peerKey, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsends = append(f.unsends, peerKey+"/"+messageID)
	return nil
}

func (f *fakeChatAPI) readSignals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.markReads))
	copy(out, f.markReads)
	return out
}

func newTestSession(t *testing.T, self string, chat *fakeChatAPI) *Session {
	t.Helper()
	if chat.histories == nil {
		chat.histories = make(map[string][]MessagePayload)
	}
	presence := &fakePresenceAPI{statuses: map[string]IdentityStatus{}}
	s := NewSession(chat, presence, self, &SessionConfig{Logger: testLogger()})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func TestSession_StartLoadsConversationList(t *testing.T) {
	chat := &fakeChatAPI{conversations: []ConversationSummary{
		{PeerKey: "bob", DisplayName: "Bob"},
		{PeerKey: "carol", DisplayName: "Carol", UnreadCount: 2},
	}}
	s := newTestSession(t, "alice", chat)

	got := s.Conversations()
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].PeerKey)
	assert.Equal(t, 2, s.TotalUnread())
}

func TestSession_SelectConversationLoadsHistory(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob", UnreadCount: 3}},
		histories: map[string][]MessagePayload{
			"bob": {
				payload("m1", "bob", "alice", "hey"),
				payload("m2", "alice", "bob", "hi yourself"),
			},
		},
	}
	s := newTestSession(t, "alice", chat)

	require.NoError(t, s.SelectConversation(context.Background(), "bob"))

	assert.Equal(t, "bob", s.ActiveConversation())
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.False(t, msgs[0].Mine)
	assert.True(t, msgs[1].Mine)

	// Becoming active resets the unread counter and tells the server.
	assert.Equal(t, 0, s.TotalUnread())
	assert.Eventually(t, func() bool {
		return len(chat.readSignals()) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestSession_DeselectClearsStore(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories:     map[string][]MessagePayload{"bob": {payload("m1", "bob", "alice", "hey")}},
	}
	s := newTestSession(t, "alice", chat)

	require.NoError(t, s.SelectConversation(context.Background(), "bob"))
	require.NoError(t, s.SelectConversation(context.Background(), ""))

	assert.Equal(t, "", s.ActiveConversation())
	assert.Empty(t, s.Messages())
}

// The full flow: bob's chat is open, three messages from carol arrive, carol
// is opened, a fourth message arrives while her chat is active.
func TestSession_UnreadFlow(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{
			{PeerKey: "bob", DisplayName: "Bob"},
			{PeerKey: "carol", DisplayName: "Carol"},
		},
		histories: map[string][]MessagePayload{},
	}
	s := newTestSession(t, "alice", chat)
	require.NoError(t, s.SelectConversation(context.Background(), "bob"))

	for _, id := range []string{"c1", "c2", "c3"} {
		s.HandleIncoming(payload(id, "carol", "alice", "ping"))
	}

	assert.Empty(t, s.Messages())
	assert.Equal(t, 3, s.TotalUnread())
	assert.Equal(t, "carol", s.Conversations()[0].PeerKey)

	chat.mu.Lock()
	chat.histories["carol"] = []MessagePayload{
		payload("c1", "carol", "alice", "ping"),
		payload("c2", "carol", "alice", "ping"),
		payload("c3", "carol", "alice", "ping"),
	}
	chat.mu.Unlock()

	require.NoError(t, s.SelectConversation(context.Background(), "carol"))
	assert.Equal(t, 0, s.TotalUnread())
	assert.Len(t, s.Messages(), 3)

	// A fourth message while carol is active: appended, still read.
	s.HandleIncoming(payload("c4", "carol", "alice", "you there?"))
	assert.Len(t, s.Messages(), 4)
	assert.Equal(t, 0, s.TotalUnread())
	assert.Eventually(t, func() bool {
		for _, p := range chat.readSignals() {
			if p == "carol" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSession_SendThenEchoDeduplicates(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories:     map[string][]MessagePayload{},
		nextSendAck:   payload("m100", "alice", "bob", "hello"),
	}
	s := newTestSession(t, "alice", chat)
	require.NoError(t, s.SelectConversation(context.Background(), "bob"))

	sent, err := s.SendMessage(context.Background(), "bob", Draft{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "m100", sent.ID)
	assert.True(t, sent.Mine)

	// The push channel echoes the same message back.
	s.HandleSent(payload("m100", "alice", "bob", "hello"))
	s.HandleIncoming(payload("m100", "alice", "bob", "hello"))

	assert.Len(t, s.Messages(), 1)
	assert.Equal(t, 0, s.TotalUnread())
}

// The stale-closure case: the user switches conversations while a send is in
// flight. The acknowledgment must reconcile against the conversation it
// names, not the one that is active when it lands.
func TestSession_AckAfterConversationSwitch(t *testing.T) {
	gate := make(chan struct{})
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}, {PeerKey: "carol"}},
		histories: map[string][]MessagePayload{
			"carol": {payload("x1", "carol", "alice", "old news")},
		},
		sendGate:    gate,
		nextSendAck: payload("m100", "alice", "bob", "hello bob"),
	}
	s := newTestSession(t, "alice", chat)
	require.NoError(t, s.SelectConversation(context.Background(), "bob"))

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), "bob", Draft{Body: "hello bob"})
		done <- err
	}()

	require.NoError(t, s.SelectConversation(context.Background(), "carol"))
	close(gate)
	require.NoError(t, <-done)

	// carol's store is untouched by bob's acknowledgment.
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "x1", msgs[0].ID)

	// The index still reflects the send: bob moved to the front.
	got := s.Conversations()
	assert.Equal(t, "bob", got[0].PeerKey)
	assert.Equal(t, "m100", got[0].LastMessage.ID)
}

// A (re)connected push channel may have missed events, so the connect
// lifecycle event must drive a full resync.
func TestSession_ReconnectTriggersResync(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories:     map[string][]MessagePayload{},
	}
	s := newTestSession(t, "alice", chat)
	require.Len(t, s.Conversations(), 1)

	rt := NewClient("t").Realtime(&RealtimeConfig{Logger: testLogger()})
	s.AttachRealtime(rt)

	// The list changed server-side while the channel was down.
	chat.mu.Lock()
	chat.conversations = append(chat.conversations, ConversationSummary{PeerKey: "dave", DisplayName: "Dave"})
	chat.mu.Unlock()

	rt.dispatcher.emitConnected()

	assert.Eventually(t, func() bool {
		return len(s.Conversations()) == 2
	}, time.Second, 10*time.Millisecond)
}

// Messages and notifications arriving through an attached channel must land
// in the reconciler.
func TestSession_AttachRealtimeRoutesEvents(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories:     map[string][]MessagePayload{},
	}
	s := newTestSession(t, "alice", chat)
	require.NoError(t, s.SelectConversation(context.Background(), "bob"))

	rt := NewClient("t").Realtime(&RealtimeConfig{Logger: testLogger()})
	s.AttachRealtime(rt)

	rt.dispatcher.dispatch(envelope(EventPrivateMessage, payload("m1", "bob", "alice", "over the wire")))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "over the wire", msgs[0].Body)
}

func TestSession_SelectSignalsReadEvenWhenHistoryFails(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob", UnreadCount: 2}},
		histories:     map[string][]MessagePayload{},
		histErr:       errors.New("gateway timeout"),
	}
	s := newTestSession(t, "alice", chat)

	err := s.SelectConversation(context.Background(), "bob")
	require.Error(t, err)

	// The local counter was zeroed, so the server must be told too.
	assert.Equal(t, 0, s.TotalUnread())
	assert.Eventually(t, func() bool {
		for _, p := range chat.readSignals() {
			if p == "bob" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSession_SendRequiresActiveConversation(t *testing.T) {
	chat := &fakeChatAPI{conversations: []ConversationSummary{{PeerKey: "bob"}}}
	s := newTestSession(t, "alice", chat)

	_, err := s.Send(context.Background(), Draft{Body: "hi"})
	assert.ErrorIs(t, err, ErrNoActiveConversation)
}

func TestSession_UnsendRemovesFromActiveStore(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories: map[string][]MessagePayload{
			"bob": {payload("m1", "alice", "bob", "typo")},
		},
	}
	s := newTestSession(t, "alice", chat)
	require.NoError(t, s.SelectConversation(context.Background(), "bob"))
	require.Len(t, s.Messages(), 1)

	require.NoError(t, s.Unsend(context.Background(), "bob", "m1"))
	assert.Empty(t, s.Messages())

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Equal(t, []string{"bob/m1"}, chat.unsends)
}

func TestSession_UntrackedPushTriggersResync(t *testing.T) {
	chat := &fakeChatAPI{
		conversations: []ConversationSummary{{PeerKey: "bob"}},
		histories:     map[string][]MessagePayload{},
	}
	s := newTestSession(t, "alice", chat)

	chat.mu.Lock()
	chat.conversations = append(chat.conversations, ConversationSummary{PeerKey: "dave", DisplayName: "Dave"})
	chat.mu.Unlock()

	s.HandleIncoming(payload("d1", "dave", "alice", "hi, new here"))

	assert.Eventually(t, func() bool {
		for _, c := range s.Conversations() {
			if c.PeerKey == "dave" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSession_ClosedSessionRejectsEntryPoints(t *testing.T) {
	chat := &fakeChatAPI{conversations: []ConversationSummary{{PeerKey: "bob"}}}
	s := newTestSession(t, "alice", chat)
	s.Close()

	assert.ErrorIs(t, s.SelectConversation(context.Background(), "bob"), ErrSessionClosed)
	assert.ErrorIs(t, s.MarkRead(context.Background(), "bob"), ErrSessionClosed)
}
