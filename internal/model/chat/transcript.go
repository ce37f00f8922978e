package chat

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrMessageFinalized is returned when a delta targets a message that no
// longer accepts content.
var ErrMessageFinalized = errors.New("message already finalized")

// Transcript holds the ordered messages of one conversation.
//
// Messages are kept sorted by CreatedAt with ties in insertion order. At
// most one assistant message is in progress and it is always the last
// element; every other message is final.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	pending  string
	now      func() time.Time
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		messages: make([]Message, 0, 16),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for new messages.
func (t *Transcript) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Append inserts a final message at its CreatedAt position. A message
// without a timestamp is stamped with the current time. Any in-progress
// message is finalized first.
func (t *Transcript) Append(msg Message) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = ""
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.stamp()
	}

	idx := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[idx+1:], t.messages[idx:])
	t.messages[idx] = msg
	return msg
}

// UpdateLastIfMatches replaces the content of the trailing message when its
// id matches. Otherwise a new in-progress assistant message with that id is
// appended, which covers the first delta of a reply arriving before any
// placeholder exists.
func (t *Transcript) UpdateLastIfMatches(id, content string) (Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.messages); n > 0 && t.messages[n-1].ID == id {
		if t.pending != id {
			return t.messages[n-1], ErrMessageFinalized
		}
		t.messages[n-1].Content = content
		return t.messages[n-1], nil
	}

	msg := Message{
		ID:        id,
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: t.stamp(),
	}
	t.messages = append(t.messages, msg)
	t.pending = id
	return msg, nil
}

// Finalize closes the in-progress message, if any, and returns it.
func (t *Transcript) Finalize() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending == "" {
		return Message{}, false
	}
	t.pending = ""
	return t.messages[len(t.messages)-1], true
}

// Replace swaps the whole conversation, ordering it by CreatedAt.
func (t *Transcript) Replace(messages []Message) {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	t.mu.Lock()
	t.messages = sorted
	t.pending = ""
	t.mu.Unlock()
}

// Reset empties the transcript.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.messages = make([]Message, 0, 16)
	t.pending = ""
	t.mu.Unlock()
}

// Messages returns a copy of the ordered messages.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	copied := make([]Message, len(t.messages))
	copy(copied, t.messages)
	return copied
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the trailing message.
func (t *Transcript) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Turns maps the conversation to completion context.
func (t *Transcript) Turns() []Turn {
	return ToTurns(t.Messages())
}

// stamp returns a timestamp no earlier than the trailing message so that
// appends at the tail keep the CreatedAt order. Callers hold t.mu.
func (t *Transcript) stamp() time.Time {
	now := t.now()
	if n := len(t.messages); n > 0 && now.Before(t.messages[n-1].CreatedAt) {
		return t.messages[n-1].CreatedAt
	}
	return now
}
