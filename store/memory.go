package store

import (
	"context"
	"sync"

	"github.com/hefroy/fleetedge/errors"
)

// MemStore is an in-memory Store used in tests and when no persistence
// backend is configured.
type MemStore struct {
	mu    sync.RWMutex
	slots map[Slot]Document
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{slots: make(map[Slot]Document)}
}

// Write persists a document into a slot.
func (s *MemStore) Write(_ context.Context, slot Slot, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := Document{Data: make([]byte, len(doc.Data)), SyncID: doc.SyncID}
	copy(stored.Data, doc.Data)
	s.slots[slot] = stored
	return nil
}

// Read returns the document in a slot.
func (s *MemStore) Read(_ context.Context, slot Slot) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.slots[slot]
	if !ok {
		return Document{}, errors.WrapTransient(errors.ErrSlotNotFound, "MemStore", "Read", string(slot))
	}
	return doc, nil
}
