package subject

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is a map-backed [Directory] for tests and single-node
// development.
type MemoryDirectory struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{ids: make(map[string]struct{})}
}

func (d *MemoryDirectory) Create(context.Context) (string, error) {
	id := uuid.NewString()
	d.mu.Lock()
	d.ids[id] = struct{}{}
	d.mu.Unlock()
	return id, nil
}

func (d *MemoryDirectory) Exists(_ context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[id]
	return ok, nil
}

// Remove deletes a subject. Test helper for exercising the
// resolved-but-vanished path.
func (d *MemoryDirectory) Remove(id string) {
	d.mu.Lock()
	delete(d.ids, id)
	d.mu.Unlock()
}

func (d *MemoryDirectory) Close() error { return nil }
