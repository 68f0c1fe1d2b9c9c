package harbor

import "github.com/samber/lo"

// ConversationIndex is the conversation list: one summary per peer, ordered
// by last activity. Every mutation that changes a summary's last message
// also moves that entry to the front, so the recency ordering is maintained
// incrementally rather than by re-sorting. Reload keeps the server's own
// ordering untouched to avoid visible reordering jitter when only metadata
// changed.
//
// ConversationIndex is not safe for concurrent use; the reconciler is its
// only writer and runs under the session lock.
type ConversationIndex struct {
	entries []ConversationSummary
}

// NewConversationIndex returns an empty index.
func NewConversationIndex() *ConversationIndex {
	return &ConversationIndex{}
}

// Len returns the number of tracked conversations.
func (x *ConversationIndex) Len() int { return len(x.entries) }

// Get returns the summary for a peer, if tracked.
func (x *ConversationIndex) Get(peerKey string) (ConversationSummary, bool) {
	entry, _, ok := lo.FindIndexOf(x.entries, func(e ConversationSummary) bool {
		return e.PeerKey == peerKey
	})
	return entry, ok
}

// UpsertIncoming applies an incoming message to the peer's summary: the last
// message is replaced, the unread counter grows by one when the conversation
// is not the active one and the message is not the local user's own echo,
// and the entry moves to the front.
//
// It reports false when the peer is not tracked. A brand-new conversation
// cannot be synthesized locally (the payload lacks display metadata), so the
// caller is expected to trigger a full list reload instead.
func (x *ConversationIndex) UpsertIncoming(peerKey string, m Message, active bool) bool {
	_, i, ok := lo.FindIndexOf(x.entries, func(e ConversationSummary) bool {
		return e.PeerKey == peerKey
	})
	if !ok {
		return false
	}
	x.entries[i].LastMessage = lastMessageOf(m)
	if !active && !m.Mine {
		x.entries[i].UnreadCount++
	}
	x.moveToFront(i)
	return true
}

// UpsertOutgoing applies a locally sent message to the peer's summary. It
// repositions the entry like UpsertIncoming but never touches the unread
// counter. Reports false when the peer is not tracked.
func (x *ConversationIndex) UpsertOutgoing(peerKey string, m Message) bool {
	_, i, ok := lo.FindIndexOf(x.entries, func(e ConversationSummary) bool {
		return e.PeerKey == peerKey
	})
	if !ok {
		return false
	}
	x.entries[i].LastMessage = lastMessageOf(m)
	x.moveToFront(i)
	return true
}

// MarkRead resets the peer's unread counter to zero. Idempotent; unknown
// peers are a no-op.
func (x *ConversationIndex) MarkRead(peerKey string) {
	for i := range x.entries {
		if x.entries[i].PeerKey == peerKey {
			x.entries[i].UnreadCount = 0
			return
		}
	}
}

// Reload replaces the whole list with a freshly fetched one. The server's
// ordering is authoritative and is not re-sorted client-side.
func (x *ConversationIndex) Reload(list []ConversationSummary) {
	x.entries = make([]ConversationSummary, len(list))
	copy(x.entries, list)
}

// Conversations returns a copy of the list in display order.
func (x *ConversationIndex) Conversations() []ConversationSummary {
	out := make([]ConversationSummary, len(x.entries))
	copy(out, x.entries)
	return out
}

// TotalUnread sums the unread counters across all conversations.
func (x *ConversationIndex) TotalUnread() int {
	return lo.SumBy(x.entries, func(e ConversationSummary) int { return e.UnreadCount })
}

func (x *ConversationIndex) moveToFront(i int) {
	if i == 0 {
		return
	}
	e := x.entries[i]
	copy(x.entries[1:i+1], x.entries[0:i])
	x.entries[0] = e
}

func lastMessageOf(m Message) LastMessage {
	return LastMessage{ID: m.ID, Body: m.Body, CreatedAt: m.CreatedAt, Mine: m.Mine}
}
