package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/storage"
)

// Store keeps chat history in process memory, suitable for development and tests.
type Store struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
	ids      map[string]struct{}
}

// NewStore bootstraps an empty in-memory store.
func NewStore() *Store {
	return &Store{
		messages: make(map[string][]chat.Message),
		ids:      make(map[string]struct{}),
	}
}

// Append adds a message to the user's history, assigning an id and
// timestamp when missing.
func (s *Store) Append(_ context.Context, userID string, msg chat.Message) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}
	if err := storage.ValidateMessage(msg); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[msg.ID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateMessage, msg.ID)
	}
	s.ids[msg.ID] = struct{}{}

	history := s.messages[userID]
	idx := len(history)
	for idx > 0 && history[idx-1].CreatedAt.After(msg.CreatedAt) {
		idx--
	}
	history = append(history, chat.Message{})
	copy(history[idx+1:], history[idx:])
	history[idx] = msg
	s.messages[userID] = history
	return nil
}

// LoadHistory returns a copy of the user's ordered messages.
func (s *Store) LoadHistory(_ context.Context, userID string) ([]chat.Message, error) {
	if err := storage.RequireUser(userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[userID]
	copied := make([]chat.Message, len(history))
	copy(copied, history)
	return copied, nil
}

// ClearAll drops the user's history.
func (s *Store) ClearAll(_ context.Context, userID string) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}

	s.mu.Lock()
	for _, msg := range s.messages[userID] {
		delete(s.ids, msg.ID)
	}
	delete(s.messages, userID)
	s.mu.Unlock()
	return nil
}

// Close satisfies the backend lifecycle; nothing to release.
func (s *Store) Close() error {
	return nil
}
