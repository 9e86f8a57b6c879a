package frame

import (
	"fmt"
	"sync"
)

// slotNamePrefix keeps slot names stable per camera id.
const slotNamePrefix = "sfb_"

// SlotName returns the registry name for a camera's frame slot.
func SlotName(cameraID string) string {
	return slotNamePrefix + cameraID
}

// Registry owns the frame slots for a run. The supervisor creates slots,
// workers attach to them by name, and the supervisor unlinks them on
// shutdown.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// NewRegistry returns an empty slot registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Create allocates and registers a slot under the given name.
func (r *Registry) Create(name string, maxH, maxW int) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[name]; exists {
		return nil, fmt.Errorf("slot %q already exists", name)
	}
	slot, err := NewSlot(maxH, maxW)
	if err != nil {
		return nil, fmt.Errorf("create slot %q: %w", name, err)
	}
	r.slots[name] = slot
	return slot, nil
}

// Attach returns an existing slot by name.
func (r *Registry) Attach(name string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.slots[name]
	if !ok {
		return nil, fmt.Errorf("slot %q not found", name)
	}
	return slot, nil
}

// Unlink removes a slot from the registry. Attached holders keep their
// reference; new attaches fail.
func (r *Registry) Unlink(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, name)
}

// UnlinkAll removes every slot. Called by the supervisor on shutdown.
func (r *Registry) UnlinkAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.slots {
		delete(r.slots, name)
	}
}
