// Package badgerdb stores chat history in an embedded BadgerDB.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
	"github.com/lumenwell/serenity/backend/internal/storage"
)

var sequenceKey = []byte("seq:chat_messages")

// Store implements storage.Gateway on BadgerDB.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) a database at path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}

	seq, err := db.GetSequence(sequenceKey, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("acquire badger sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Close releases the sequence lease and the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		log.Printf("[badger] release sequence: %v", err)
	}
	return s.db.Close()
}

func userPrefix(userID string) []byte {
	return []byte("msg:" + url.QueryEscape(userID) + ":")
}

// messageKey is "msg:{user}:{unixnano padded}:{sequence padded}:{id}" so a
// prefix scan returns messages by time, then by insertion order.
func messageKey(userID string, at time.Time, seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%019d:%020d:%s", userPrefix(userID), at.UnixNano(), seq, id))
}

// orderWidth is the fixed "{unixnano}:{sequence}:" part of a message key.
const orderWidth = 19 + 1 + 20 + 1

// idKey indexes a message id to its message key.
func idKey(id string) []byte {
	return []byte("id:" + id)
}

// Append stores a message.
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

	value, err := json.Marshal(msg)
	if err != nil {
		return storage.Wrap("append", err)
	}

	n, err := s.seq.Next()
	if err != nil {
		return storage.Wrap("append", err)
	}

	key := messageKey(userID, msg.CreatedAt, n, msg.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		index := idKey(msg.ID)
		_, err := txn.Get(index)
		if err == nil {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateMessage, msg.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(index, key); err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	return storage.Wrap("append", err)
}

// LoadHistory scans the user's prefix in key order.
func (s *Store) LoadHistory(_ context.Context, userID string) ([]chat.Message, error) {
	if err := storage.RequireUser(userID); err != nil {
		return nil, err
	}

	messages := make([]chat.Message, 0, 16)
	prefix := userPrefix(userID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var msg chat.Message
				if err := json.Unmarshal(value, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storage.Wrap("load history", err)
	}
	return messages, nil
}

// ClearAll deletes every key under the user's prefix in one batch.
func (s *Store) ClearAll(_ context.Context, userID string) error {
	if err := storage.RequireUser(userID); err != nil {
		return err
	}

	var keys [][]byte
	prefix := userPrefix(userID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return storage.Wrap("clear", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return storage.Wrap("clear", err)
		}
		if len(key) > len(prefix)+orderWidth {
			if err := wb.Delete(idKey(string(key[len(prefix)+orderWidth:]))); err != nil {
				return storage.Wrap("clear", err)
			}
		}
	}
	return storage.Wrap("clear", wb.Flush())
}
