package harbor

import (
	"encoding/json"
	"log/slog"
)

// ReconcilerDeps wires an EventReconciler to the rest of the engine.
type ReconcilerDeps struct {
	// SelfID is the local user's canonical id.
	SelfID string
	Store  *MessageStore
	Index  *ConversationIndex
	// Active returns the key of the conversation currently displayed, or "".
	// It is consulted at event-processing time, never captured, so handlers
	// installed before a conversation switch still route correctly.
	Active func() string
	// OnRead is the downstream mark-read signal, emitted when an incoming
	// message lands in the active conversation. Fire-and-forget; its failure
	// must not affect reconciliation.
	OnRead func(peerKey string)
	// Reload requests a full conversation-list resync. Used when an event
	// references a conversation the index does not track.
	Reload func()
	Logger *slog.Logger
}

// EventReconciler applies chat events to the MessageStore and
// ConversationIndex under one consistency contract, regardless of whether
// the event came from the push channel, a REST acknowledgment or the
// fallback poll. It is the sole writer of both structures.
//
// Every event goes through the same decision protocol: normalize ids, test
// conversation membership, append with id-based dedup, update the index with
// the current active conversation, and emit the mark-read signal. Dedup by
// message id is what makes the protocol safe when multiple sources deliver
// the same event.
//
// EventReconciler is not safe for concurrent use; callers serialize events
// through the session lock.
type EventReconciler struct {
	self   string
	store  *MessageStore
	index  *ConversationIndex
	active func() string
	onRead func(string)
	reload func()
	log    *slog.Logger
}

// NewEventReconciler creates a reconciler from its dependencies.
func NewEventReconciler(d ReconcilerDeps) *EventReconciler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &EventReconciler{
		self:   d.SelfID,
		store:  d.Store,
		index:  d.Index,
		active: d.Active,
		onRead: d.OnRead,
		reload: d.Reload,
		log:    log,
	}
}

// ApplyIncoming processes a direct-message payload from any source: the
// new_private_message push, a poll-derived diff, or a server echo.
func (r *EventReconciler) ApplyIncoming(p MessagePayload) {
	r.applyMessage(p.Message(r.self))
}

// ApplySent processes a sent confirmation: the private_message_sent push or
// the acknowledgment of a REST send. Confirmations are always the local
// user's own messages; a payload without a sender is filled in accordingly.
func (r *EventReconciler) ApplySent(p MessagePayload) {
	if p.From == "" {
		p.From = PeerID(r.self)
	}
	r.applyMessage(p.Message(r.self))
}

// ApplyNotification processes a generic push notification. A payload that
// carries a full message reconciles incrementally; anything partial falls
// back to a full list reload, and unrecognized types are dropped.
func (r *EventReconciler) ApplyNotification(n NotificationPayload) {
	switch n.Type {
	case NotificationMessage:
		var p MessagePayload
		if err := json.Unmarshal(n.Data, &p); err == nil && p.ID != "" {
			r.applyMessage(p.Message(r.self))
			return
		}
		r.reload()

	case NotificationChatroom:
		var d struct {
			RoomID  PeerID          `json:"room_id"`
			Message *MessagePayload `json:"message"`
		}
		if err := json.Unmarshal(n.Data, &d); err != nil || d.RoomID == "" {
			r.reload()
			return
		}
		if d.Message == nil || d.Message.ID == "" {
			// Notification without a usable message body: the summary cannot
			// be patched incrementally.
			r.reload()
			return
		}
		m := d.Message.Message(r.self)
		m.ConversationKey = string(d.RoomID)
		r.applyMessage(m)

	default:
		r.log.Debug("dropping unrecognized notification", "type", n.Type)
	}
}

// applyMessage runs steps 2–5 of the decision protocol on a normalized
// message. ConversationKey is already the collapsed counterpart key, so the
// membership test is a single comparison; the note-to-self edge (sender and
// recipient both the local user) collapses to key == self and is covered by
// the same test.
func (r *EventReconciler) applyMessage(m Message) {
	active := r.active()
	belongs := active != "" && m.ConversationKey == active

	if belongs {
		if err := r.store.Append(m); err != nil {
			// The store materializes the active conversation, so a mismatch
			// here means the engine wiring is broken, not the event.
			r.log.Warn("append rejected", "id", m.ID, "peer", m.ConversationKey, "err", err)
		}
	}

	// The index update runs regardless of membership: a message for another
	// conversation still reorders the list and bumps its unread counter.
	var tracked bool
	if m.Mine {
		tracked = r.index.UpsertOutgoing(m.ConversationKey, m)
	} else {
		tracked = r.index.UpsertIncoming(m.ConversationKey, m, belongs)
	}
	if !tracked {
		// First message of a brand-new conversation: the payload lacks the
		// peer metadata a summary needs, so ask for a full list reload.
		r.reload()
	}

	if belongs && !m.Mine && r.onRead != nil {
		r.onRead(m.ConversationKey)
	}
}
