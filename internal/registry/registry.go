package registry

import (
	"sort"
	"sync"

	"kiwi-bridge/internal/wire"
)

// Holder is one local representation of a device facet (lock status, event
// feed, camera). Holders declare which events they consume; the dispatcher
// never inspects concrete holder types.
type Holder interface {
	DeviceID() string
	Wants(ev *wire.CanonicalEvent) bool
	Apply(ev *wire.CanonicalEvent) error
}

// Registry indexes holders by device id. Registration happens during
// discovery; lookups happen on every inbound event.
type Registry struct {
	mu      sync.RWMutex
	holders map[string][]Holder
}

func New() *Registry {
	return &Registry{holders: map[string][]Holder{}}
}

func (r *Registry) Register(h Holder) {
	r.mu.Lock()
	r.holders[h.DeviceID()] = append(r.holders[h.DeviceID()], h)
	r.mu.Unlock()
}

// For returns the holders registered for a device. The slice is a copy; the
// caller may iterate without holding any lock.
func (r *Registry) For(deviceID string) []Holder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.holders[deviceID]
	out := make([]Holder, len(hs))
	copy(out, hs)
	return out
}

// Devices lists the registered device ids, sorted for stable output.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.holders))
	for did := range r.holders {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}
