package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"
)

const pebbleKeyPrefix = "checkpoint/"

// PebbleDB is a local pebble database shared by PebbleStores.
type PebbleDB struct {
	db *pebble.DB

	mu     sync.RWMutex
	closed bool
}

// OpenPebble opens (creating if needed) a pebble database at path.
func OpenPebble(path string) (*PebbleDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleDB{db: db}, nil
}

// Store returns the checkpoint store for key.
func (p *PebbleDB) Store(key string) *PebbleStore {
	return &PebbleStore{db: p, key: []byte(pebbleKeyPrefix + key)}
}

// Close closes the database. Stores become unusable.
func (p *PebbleDB) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

var errClosed = errors.New("checkpoint database is closed")

// PebbleStore implements Store on a local pebble database.
type PebbleStore struct {
	db  *PebbleDB
	key []byte
}

// Save implements Store.
func (s *PebbleStore) Save(ctx context.Context, position bson.Raw) error {
	if position == nil {
		return nil
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if s.db.closed {
		return errClosed
	}
	if err := s.db.db.Set(s.key, position, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PebbleStore) Load(ctx context.Context) (bson.Raw, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if s.db.closed {
		return nil, errClosed
	}

	value, closer, err := s.db.db.Get(s.key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	return bson.Raw(append([]byte(nil), value...)), nil
}

// Delete implements Store.
func (s *PebbleStore) Delete(ctx context.Context) error {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if s.db.closed {
		return errClosed
	}
	if err := s.db.db.Delete(s.key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
