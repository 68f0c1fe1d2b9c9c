package harbor

import (
	"bytes"
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity
// ============================================================================

// UnknownPeer is the placeholder key used when a payload arrives without a
// resolvable counterpart id. Displaying a message under a placeholder beats
// dropping it.
const UnknownPeer = "unknown"

// PeerID is the canonical string form of a user or group identifier.
// Different transports deliver ids as JSON strings or numbers; UnmarshalJSON
// coerces both so identity comparisons never depend on the source.
type PeerID string

func (p *PeerID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PeerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = PeerID(n.String())
	return nil
}

func (p PeerID) String() string { return string(p) }

// ============================================================================
// Messages
// ============================================================================

// MessageKind classifies message content.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindGIF   MessageKind = "gif"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// Message is a single chat message as held by the engine. Immutable once
// created: messages are only ever appended or removed, never edited in place.
type Message struct {
	ID              string      `json:"id"`
	ConversationKey string      `json:"conversation_key"`
	Body            string      `json:"body"`
	Kind            MessageKind `json:"kind"`
	SenderID        string      `json:"sender_id"`
	SenderName      string      `json:"sender_name,omitempty"`
	GifURL          string      `json:"gif_url,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Mine            bool        `json:"mine"`
}

// MessagePayload is the wire shape shared by the push channel
// (new_private_message, private_message_sent), the send acknowledgment and
// message history responses.
type MessagePayload struct {
	ID         PeerID `json:"id" validate:"required"`
	From       PeerID `json:"from"`
	To         PeerID `json:"to"`
	Content    string `json:"content"`
	Type       string `json:"message_type"`
	CreatedAt  string `json:"created_at"`
	SenderName string `json:"sender_display_name,omitempty"`
	GifURL     string `json:"gif_url,omitempty"`
}

// Peer returns the conversation counterpart relative to self: the sender for
// incoming messages, the recipient for outgoing ones. A payload whose
// counterpart cannot be resolved maps to UnknownPeer.
func (p MessagePayload) Peer(self string) string {
	from, to := string(p.From), string(p.To)
	if from == self {
		if to == "" {
			return UnknownPeer
		}
		return to
	}
	if from == "" {
		return UnknownPeer
	}
	return from
}

// Mine reports whether the payload originated from self.
func (p MessagePayload) Mine(self string) bool {
	return self != "" && string(p.From) == self
}

// Message converts the wire payload into an engine Message. Missing fields
// degrade instead of failing: an absent sender becomes UnknownPeer and an
// unparseable timestamp falls back to the current time.
func (p MessagePayload) Message(self string) Message {
	kind := MessageKind(p.Type)
	if kind == "" {
		kind = KindText
	}
	sender := string(p.From)
	if sender == "" {
		sender = UnknownPeer
	}
	return Message{
		ID:              string(p.ID),
		ConversationKey: p.Peer(self),
		Body:            p.Content,
		Kind:            kind,
		SenderID:        sender,
		SenderName:      p.SenderName,
		GifURL:          p.GifURL,
		CreatedAt:       parseTimestamp(p.CreatedAt),
		Mine:            p.Mine(self),
	}
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// ============================================================================
// Conversations
// ============================================================================

// LastMessage is the tail of a conversation as shown in the list view.
type LastMessage struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Mine      bool      `json:"mine"`
}

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	PeerKey     string      `json:"peer_key"`
	DisplayName string      `json:"display_name"`
	LastMessage LastMessage `json:"last_message"`
	UnreadCount int         `json:"unread_count"`
	Muted       bool        `json:"muted"`
}

// conversationEnvelope is the wire shape of a conversation list entry.
type conversationEnvelope struct {
	PeerKey     PeerID `json:"peer_key"`
	DisplayName string `json:"display_name"`
	LastMessage struct {
		ID        PeerID `json:"id"`
		Body      string `json:"body"`
		CreatedAt string `json:"created_at"`
		Mine      bool   `json:"mine"`
	} `json:"last_message"`
	UnreadCount int  `json:"unread_count"`
	Muted       bool `json:"muted"`
}

func (e conversationEnvelope) summary() ConversationSummary {
	return ConversationSummary{
		PeerKey:     string(e.PeerKey),
		DisplayName: e.DisplayName,
		LastMessage: LastMessage{
			ID:        string(e.LastMessage.ID),
			Body:      e.LastMessage.Body,
			CreatedAt: parseTimestamp(e.LastMessage.CreatedAt),
			Mine:      e.LastMessage.Mine,
		},
		UnreadCount: e.UnreadCount,
		Muted:       e.Muted,
	}
}

// ============================================================================
// Identity status
// ============================================================================

// IdentityStatus describes a counterpart's presence and relationship.
// Online and LastSeenAt are mutually exclusive: LastSeenAt is populated only
// while the peer is offline.
type IdentityStatus struct {
	PeerKey    string     `json:"peer_key"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Friend     bool       `json:"friend"`
}

// Friend is one entry of the locally held friends list.
type Friend struct {
	ID          PeerID `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// Notification event types carried in the generic push envelope.
const (
	NotificationMessage  = "message"
	NotificationChatroom = "chatroom_message"
)

// NotificationPayload is the generic push notification envelope. The shape
// of Data varies by Type.
type NotificationPayload struct {
	Type string          `json:"type" validate:"required"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Sending
// ============================================================================

// Draft is the client-side content of a message about to be sent. ClientKey
// is filled by the SDK with an idempotency key before the request goes out.
type Draft struct {
	Body      string      `json:"content"`
	Kind      MessageKind `json:"message_type,omitempty"`
	GifURL    string      `json:"gif_url,omitempty"`
	FileURL   string      `json:"file_url,omitempty"`
	ClientKey string      `json:"client_key,omitempty"`
}

// ============================================================================
// Account
// ============================================================================

// RegisterOptions creates a new platform account.
type RegisterOptions struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// LoginOptions authenticates an existing account.
type LoginOptions struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthData is returned by register and login.
type AuthData struct {
	UserID      PeerID `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
	ExpiresIn   string `json:"expires_in"`
}

// UserStats summarizes account activity.
type UserStats struct {
	ConversationCount int `json:"conversation_count"`
	FriendCount       int `json:"friend_count"`
	MessagesSent      int `json:"messages_sent"`
	UnreadCount       int `json:"unread_count"`
}

// MeData is the authenticated account profile.
type MeData struct {
	UserID      PeerID    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Stats       UserStats `json:"stats"`
}
