package registry

import (
	"strconv"
	"sync"
	"time"

	"kiwi-bridge/internal/api"
	"kiwi-bridge/internal/wire"
)

// StatusHolder tracks the lock/unlock position of one lock. The position is
// unknown until the first lock event has been seen or a snapshot seeded it.
type StatusHolder struct {
	did string

	mu        sync.Mutex
	locked    bool
	known     bool
	changedAt time.Time
}

func NewStatusHolder(did string) *StatusHolder {
	return &StatusHolder{did: did}
}

// Seed sets the initial position from a discovery snapshot.
func (h *StatusHolder) Seed(locked bool) {
	h.mu.Lock()
	h.locked = locked
	h.known = true
	h.mu.Unlock()
}

func (h *StatusHolder) DeviceID() string { return h.did }

func (h *StatusHolder) Wants(ev *wire.CanonicalEvent) bool {
	switch ev.Name {
	case wire.EventUnlocked, wire.EventLocked, wire.EventIndoorButtonUnlock:
		return true
	}
	return false
}

func (h *StatusHolder) Apply(ev *wire.CanonicalEvent) error {
	h.mu.Lock()
	h.locked = ev.Name == wire.EventLocked
	h.known = true
	h.changedAt = time.Now()
	h.mu.Unlock()
	return nil
}

// Locked reports the current position and whether it is known at all.
func (h *StatusHolder) Locked() (locked, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked, h.known
}

func (h *StatusHolder) ChangedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changedAt
}

// EventHolder keeps the latest event for one device, with a human-readable
// label resolved against the lock's user roster.
type EventHolder struct {
	did string

	mu         sync.Mutex
	roster     []api.LockUser
	last       *wire.CanonicalEvent
	label      string
	notifiedAt time.Time
}

func NewEventHolder(did string) *EventHolder {
	return &EventHolder{did: did}
}

func (h *EventHolder) DeviceID() string { return h.did }

func (h *EventHolder) Wants(*wire.CanonicalEvent) bool { return true }

// SetRoster replaces the alias roster. Called by the dispatcher before Apply
// when a fresh roster is available; stale rosters are kept on fetch failure.
func (h *EventHolder) SetRoster(users []api.LockUser) {
	h.mu.Lock()
	h.roster = users
	h.mu.Unlock()
}

func (h *EventHolder) Apply(ev *wire.CanonicalEvent) error {
	h.mu.Lock()
	h.last = ev
	h.label = h.describe(ev)
	h.notifiedAt = time.Now()
	h.mu.Unlock()
	return nil
}

// Last returns the latest event, its label, and when it arrived locally.
func (h *EventHolder) Last() (*wire.CanonicalEvent, string, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.label, h.notifiedAt
}

// describe renders "NAME by <alias>" when the acting lock user resolves to a
// roster alias, "NAME by TYPE ID" when it does not, and bare "NAME" when the
// event carries no usable actor. Caller holds the mutex.
func (h *EventHolder) describe(ev *wire.CanonicalEvent) string {
	if ev.Data == nil || ev.Data.LockUser.Type == wire.UnknownLockUser {
		return ev.Name
	}
	lu := ev.Data.LockUser
	for _, u := range h.roster {
		if u.Type == lu.Type && strconv.Itoa(u.Number) == lu.ID && u.Alias != "" {
			return ev.Name + " by " + u.Alias
		}
	}
	return ev.Name + " by " + lu.Type + " " + lu.ID
}

// MediaCache is an optional snapshot cache the camera invalidates when fresh
// media arrives.
type MediaCache interface {
	Invalidate(deviceID string)
}

// CameraHolder tracks the latest media-bearing event for one lock's camera
// and, when given a stream URI at discovery, the recorded stream to play.
type CameraHolder struct {
	did   string
	cache MediaCache

	mu        sync.Mutex
	streamURI string
	lastMedia *wire.EventData
	seenAt    time.Time
}

func NewCameraHolder(did string, cache MediaCache) *CameraHolder {
	return &CameraHolder{did: did, cache: cache}
}

func (h *CameraHolder) DeviceID() string { return h.did }

func (h *CameraHolder) Wants(ev *wire.CanonicalEvent) bool {
	if ev.Data == nil {
		return false
	}
	return ev.Data.Image.URI != "" || len(ev.Data.Media) > 0 || ev.Data.StreamID != ""
}

func (h *CameraHolder) Apply(ev *wire.CanonicalEvent) error {
	h.mu.Lock()
	h.lastMedia = ev.Data
	h.seenAt = time.Now()
	h.mu.Unlock()
	if h.cache != nil {
		h.cache.Invalidate(h.did)
	}
	return nil
}

func (h *CameraHolder) SetStreamURI(uri string) {
	h.mu.Lock()
	h.streamURI = uri
	h.mu.Unlock()
}

func (h *CameraHolder) StreamURI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamURI
}

// LastMedia returns the most recent media payload and its local arrival time.
func (h *CameraHolder) LastMedia() (*wire.EventData, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMedia, h.seenAt
}
