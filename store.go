package harbor

// MessageStore holds the ordered messages of the one conversation currently
// being viewed. Appends are idempotent by message id, which is what makes
// the engine safe when the push channel and the fallback poll deliver the
// same message: the second delivery is a no-op.
//
// The store does no sorting of its own. Messages are expected to arrive in
// temporal order per conversation; ReplaceAll trusts the server's ordering.
//
// MessageStore is not safe for concurrent use. The reconciler is its only
// writer and runs under the session lock.
type MessageStore struct {
	key  string
	msgs []Message
	ids  map[string]struct{}
}

// NewMessageStore returns an empty store materializing no conversation.
func NewMessageStore() *MessageStore {
	return &MessageStore{ids: make(map[string]struct{})}
}

// Key returns the conversation key the store currently materializes, or ""
// when none is loaded.
func (s *MessageStore) Key() string { return s.key }

// Len returns the number of stored messages.
func (s *MessageStore) Len() int { return len(s.msgs) }

// Append inserts a message unless one with the same id is already present;
// duplicates are silently dropped. A message for a conversation other than
// the materialized one is rejected with ErrConversationMismatch.
func (s *MessageStore) Append(m Message) error {
	if m.ConversationKey != s.key {
		return ErrConversationMismatch
	}
	if _, dup := s.ids[m.ID]; dup {
		return nil
	}
	s.ids[m.ID] = struct{}{}
	s.msgs = append(s.msgs, m)
	return nil
}

// Contains reports whether a message with the given id is stored.
func (s *MessageStore) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// ReplaceAll discards the current contents and materializes the given
// conversation with a full history load. The slice order is kept as-is.
func (s *MessageStore) ReplaceAll(key string, msgs []Message) {
	s.key = key
	s.msgs = make([]Message, 0, len(msgs))
	s.ids = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ConversationKey != key {
			continue
		}
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.msgs = append(s.msgs, m)
	}
}

// Remove deletes a message by id (local delete / unsend). It reports whether
// anything was removed.
func (s *MessageStore) Remove(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	for i, m := range s.msgs {
		if m.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			break
		}
	}
	return true
}

// Clear empties the store and detaches it from any conversation.
func (s *MessageStore) Clear() {
	s.key = ""
	s.msgs = nil
	s.ids = make(map[string]struct{})
}

// Messages returns a copy of the stored messages in insertion order.
func (s *MessageStore) Messages() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}
