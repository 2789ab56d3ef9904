package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoSettings is returned by a Store that has never been saved to.
var ErrNoSettings = errors.New("no saved settings")

// Store persists Settings. Runtime tracker state is never persisted.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// MemoryStore keeps the last saved settings as JSON, so loads never alias
// the caller's trackers.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved settings.
func (m *MemoryStore) Load(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return Settings{}, ErrNoSettings
	}
	var s Settings
	if err := json.Unmarshal(m.data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Save encodes s.
func (m *MemoryStore) Save(ctx context.Context, s Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = b
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
