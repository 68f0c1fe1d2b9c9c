package harbor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatAPI is the request/response surface the engine consumes. *Client
// satisfies it; tests substitute a fake.
type ChatAPI interface {
	// Conversations fetches the conversation list, ordered by last activity
	// server-side.
	Conversations(ctx context.Context, limit int) ([]ConversationSummary, error)
	// History fetches a single conversation's messages, oldest first.
	History(ctx context.Context, peerKey string, limit int) ([]MessagePayload, error)
	// Send posts a message and returns the acknowledgment carrying the
	// authoritative id and timestamp.
	Send(ctx context.Context, peerKey string, d Draft) (MessagePayload, error)
	// MarkRead clears the conversation's unread state server-side.
	MarkRead(ctx context.Context, peerKey string) error
	// Unsend deletes a message the local user sent.
	Unsend(ctx context.Context, peerKey, messageID string) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// PollInterval is the fallback resync period. Default 60s.
	PollInterval time.Duration
	// IdentityTTL is the presence cache freshness window. Default 30s.
	IdentityTTL time.Duration
	// ListLimit caps the conversation-list fetch. Default 50.
	ListLimit int
	// HistoryLimit caps a conversation history fetch. Default 50.
	HistoryLimit int
	Logger       *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.IdentityTTL == 0 {
		c.IdentityTTL = 30 * time.Second
	}
	if c.ListLimit == 0 {
		c.ListLimit = 50
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one user's conversation-synchronization engine: it owns the
// message store, the conversation index, the identity resolver and the sync
// scheduler, and routes every event (push, acknowledgment or poll diff)
// through a single reconciler. Construct one per login and Close it on
// logout; nothing is shared between sessions.
//
// All mutations are serialized through one mutex, so handlers run to
// completion with respect to each other. Network calls happen outside the
// lock, and every completion path re-reads current state afterwards instead
// of trusting values captured when the request was issued.
type Session struct {
	chat         ChatAPI
	self         string
	log          *slog.Logger
	listLimit    int
	historyLimit int

	resolver *IdentityResolver
	sched    *SyncScheduler

	mu     sync.Mutex
	active string
	store  *MessageStore
	index  *ConversationIndex
	recon  *EventReconciler
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewSession builds an engine instance for the given user. Call Start to
// load initial state and begin the fallback poll.
func NewSession(chat ChatAPI, presence PresenceAPI, selfID string, cfg *SessionConfig) *Session {
	c := SessionConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	s := &Session{
		chat:         chat,
		self:         selfID,
		log:          c.Logger,
		listLimit:    c.ListLimit,
		historyLimit: c.HistoryLimit,
		store:        NewMessageStore(),
		index:        NewConversationIndex(),
	}
	s.resolver = NewIdentityResolver(presence, &ResolverConfig{TTL: c.IdentityTTL, Logger: c.Logger})
	s.recon = NewEventReconciler(ReconcilerDeps{
		SelfID: selfID,
		Store:  s.store,
		Index:  s.index,
		Active: func() string { return s.active },
		OnRead: func(peerKey string) { go s.sendMarkRead(peerKey) },
		Reload: func() { go s.asyncResync() },
		Logger: c.Logger,
	})
	s.sched = NewSyncScheduler(s.resync, &SchedulerConfig{Interval: c.PollInterval, Logger: c.Logger})
	return s
}

// SelfID returns the local user's canonical id.
func (s *Session) SelfID() string { return s.self }

// Resolver exposes the identity resolver for presence lookups.
func (s *Session) Resolver() *IdentityResolver { return s.resolver }

// Start performs the initial load and starts the fallback poll and the
// identity sweep. The context bounds the session's background work.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if err := s.resolver.RefreshFriends(ctx); err != nil {
		s.log.Warn("friends list load failed", "err", err)
	}
	if err := s.sched.Trigger(ctx); err != nil {
		return err
	}

	go s.sched.Run(runCtx)
	go s.sweepLoop(runCtx)
	return nil
}

// Close tears the session down. Entry points return ErrSessionClosed
// afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ============================================================================
// Imperative entry points (rendering layer)
// ============================================================================

// SelectConversation makes peerKey the active conversation and loads its
// history. Selecting "" deselects. Becoming active resets the unread
// counter; if the user switches again while the history fetch is in flight,
// the stale response is discarded.
func (s *Session) SelectConversation(ctx context.Context, peerKey string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.active = peerKey
	if peerKey == "" {
		s.store.Clear()
		s.mu.Unlock()
		return nil
	}
	s.index.MarkRead(peerKey)
	// Materialize the conversation immediately so pushes arriving during the
	// history fetch already land in the right store.
	s.store.ReplaceAll(peerKey, nil)
	s.mu.Unlock()

	// The read signal goes out regardless of how the history fetch ends;
	// the local counter is already zeroed and the server must agree.
	go s.sendMarkRead(peerKey)

	history, err := s.chat.History(ctx, peerKey, s.historyLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.active == peerKey {
		s.store.ReplaceAll(peerKey, s.toMessages(history))
	}
	s.mu.Unlock()
	return nil
}

// SendMessage posts a draft to peerKey and reconciles the acknowledgment.
// There is no optimistic insert: the message appears only once the server
// has assigned it an id, so a failed send leaves no state to roll back.
func (s *Session) SendMessage(ctx context.Context, peerKey string, d Draft) (Message, error) {
	if d.Kind == "" {
		d.Kind = KindText
	}
	if d.ClientKey == "" {
		d.ClientKey = uuid.NewString()
	}

	ack, err := s.chat.Send(ctx, peerKey, d)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrSessionClosed
	}
	if ack.To == "" {
		ack.To = PeerID(peerKey)
	}
	// The acknowledgment names its own conversation and the reconciler reads
	// the active pointer as of now, so a conversation switch that happened
	// while the send was in flight cannot misroute the update.
	s.recon.ApplySent(ack)
	return ack.Message(s.self), nil
}

// Send posts a draft to the active conversation.
func (s *Session) Send(ctx context.Context, d Draft) (Message, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == "" {
		return Message{}, ErrNoActiveConversation
	}
	return s.SendMessage(ctx, active, d)
}

// MarkRead clears the unread counter locally and server-side.
func (s *Session) MarkRead(ctx context.Context, peerKey string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.index.MarkRead(peerKey)
	s.mu.Unlock()
	return s.chat.MarkRead(ctx, peerKey)
}

// Unsend deletes one of the local user's messages and removes it from the
// store when the affected conversation is the active one.
func (s *Session) Unsend(ctx context.Context, peerKey, messageID string) error {
	if err := s.chat.Unsend(ctx, peerKey, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.active == peerKey {
		s.store.Remove(messageID)
	}
	return nil
}

// ============================================================================
// Read-only snapshots
// ============================================================================

// Messages returns the active conversation's messages.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Messages()
}

// Conversations returns the conversation list in display order.
func (s *Session) Conversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Conversations()
}

// ActiveConversation returns the currently selected peer key, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// TotalUnread sums unread counters across conversations.
func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.TotalUnread()
}

// ============================================================================
// Push-channel handlers
// ============================================================================

// HandleIncoming reconciles a new_private_message push payload.
func (s *Session) HandleIncoming(p MessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.recon.ApplyIncoming(p)
}

// HandleSent reconciles a private_message_sent push payload.
func (s *Session) HandleSent(p MessagePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.recon.ApplySent(p)
}

// HandleNotification reconciles a generic notification push payload.
func (s *Session) HandleNotification(n NotificationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.recon.ApplyNotification(n)
}

// HandleConnect is the connection-lifecycle hook: a (re)connected push
// channel may have missed events, so it triggers a full resync.
func (s *Session) HandleConnect() {
	go s.asyncResync()
}

// AttachRealtime subscribes the session's handlers to a push channel.
func (s *Session) AttachRealtime(rt *RealtimeClient) {
	rt.OnPrivateMessage(s.HandleIncoming)
	rt.OnMessageSent(s.HandleSent)
	rt.OnNotification(s.HandleNotification)
	rt.OnConnected(s.HandleConnect)
}

// ============================================================================
// Internals
// ============================================================================

// resync is the discard-and-reload operation driven by the scheduler: fetch
// the conversation list (and the active conversation's history, if any) and
// swap both in. The active pointer is re-read after the fetches; a stale
// history response for a conversation the user has left is discarded.
func (s *Session) resync(ctx context.Context) error {
	list, err := s.chat.Conversations(ctx, s.listLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	var history []MessagePayload
	if active != "" {
		history, err = s.chat.History(ctx, active, s.historyLimit)
		if err != nil {
			// Keep whatever the store has; the next poll retries.
			s.log.Warn("history resync failed", "peer", active, "err", err)
			history = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.index.Reload(list)
	if history != nil && s.active == active {
		s.store.ReplaceAll(active, s.toMessages(history))
	}
	return nil
}

func (s *Session) asyncResync() {
	s.mu.Lock()
	ctx := s.ctx
	closed := s.closed
	s.mu.Unlock()
	if closed || ctx == nil {
		return
	}
	if err := s.sched.Trigger(ctx); err != nil {
		s.log.Warn("resync failed", "err", err)
	}
}

// sendMarkRead is the fire-and-forget downstream signal clearing the
// counterpart's unread state server-side. Failures only log; they never
// block reconciliation.
func (s *Session) sendMarkRead(peerKey string) {
	s.mu.Lock()
	base := s.ctx
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, 10*time.Second)
	defer cancel()
	if err := s.chat.MarkRead(ctx, peerKey); err != nil {
		s.log.Warn("mark-read signal failed", "peer", peerKey, "err", err)
	}
}

func (s *Session) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.resolver.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.resolver.Sweep(ctx)
		}
	}
}

func (s *Session) toMessages(payloads []MessagePayload) []Message {
	msgs := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, p.Message(s.self))
	}
	return msgs
}
