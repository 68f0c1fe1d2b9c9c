package harbor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, key, body string) Message {
	return Message{
		ID:              id,
		ConversationKey: key,
		Body:            body,
		Kind:            KindText,
		SenderID:        key,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestMessageStore_AppendIdempotent(t *testing.T) {
	s := NewMessageStore()
	s.ReplaceAll("bob", nil)

	require.NoError(t, s.Append(msg("m1", "bob", "hi")))
	require.NoError(t, s.Append(msg("m1", "bob", "hi again")))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "hi", s.Messages()[0].Body)
}

func TestMessageStore_AppendRejectsForeignConversation(t *testing.T) {
	s := NewMessageStore()
	s.ReplaceAll("bob", nil)

	err := s.Append(msg("m1", "carol", "wrong room"))
	assert.ErrorIs(t, err, ErrConversationMismatch)
	assert.Equal(t, 0, s.Len())
}

func TestMessageStore_ReplaceAllFiltersAndDedups(t *testing.T) {
	s := NewMessageStore()
	s.ReplaceAll("bob", []Message{
		msg("m1", "bob", "one"),
		msg("m2", "carol", "stray"),
		msg("m1", "bob", "dup"),
		msg("m3", "bob", "three"),
	})

	require.Equal(t, 2, s.Len())
	got := s.Messages()
	assert.Equal(t, "one", got[0].Body)
	assert.Equal(t, "three", got[1].Body)
	assert.True(t, s.Contains("m1"))
	assert.False(t, s.Contains("m2"))
}

func TestMessageStore_Remove(t *testing.T) {
	s := NewMessageStore()
	s.ReplaceAll("bob", []Message{msg("m1", "bob", "one"), msg("m2", "bob", "two")})

	assert.True(t, s.Remove("m1"))
	assert.False(t, s.Remove("m1"))
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Contains("m1"))

	// A removed id can be re-appended; unsend then redelivery is legal.
	require.NoError(t, s.Append(msg("m1", "bob", "back")))
	assert.Equal(t, 2, s.Len())
}

func TestMessageStore_Clear(t *testing.T) {
	s := NewMessageStore()
	s.ReplaceAll("bob", []Message{msg("m1", "bob", "one")})

	s.Clear()
	assert.Equal(t, "", s.Key())
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Append(msg("m1", "bob", "one")), ErrConversationMismatch)
}
