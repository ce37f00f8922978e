// Package local opens the server-side message store selected in config.
package local

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/lumenwell/serenity/backend/internal/config"
	"github.com/lumenwell/serenity/backend/internal/storage"
	"github.com/lumenwell/serenity/backend/internal/storage/badgerdb"
	"github.com/lumenwell/serenity/backend/internal/storage/memory"
	"github.com/lumenwell/serenity/backend/internal/storage/sqlite"
)

// Store is a gateway that owns resources.
type Store interface {
	storage.Gateway
	io.Closer
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		log.Printf("[storage] using in-memory chat history")
		return memory.NewStore(), nil
	case config.BackendBadger:
		log.Printf("[storage] using badger at %s", cfg.BadgerPath)
		store, err := badgerdb.Open(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendSQLite:
		log.Printf("[storage] using sqlite at %s", cfg.SQLitePath)
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
