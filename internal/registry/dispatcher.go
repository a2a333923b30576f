package registry

import (
	"context"
	"log/slog"
	"sync"

	"kiwi-bridge/internal/api"
	"kiwi-bridge/internal/observability"
	"kiwi-bridge/internal/wire"
)

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RosterClient fetches the authoritative lock-user roster for one device.
type RosterClient interface {
	LockUsers(ctx context.Context, token, did string) ([]api.LockUser, error)
}

// EventSink receives every dispatched event after the holders have applied
// it. Sink failures degrade, they never block dispatch.
type EventSink interface {
	StoreEvent(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) error
}

// RosterSetter is the optional holder upgrade for roster-aware holders.
type RosterSetter interface {
	SetRoster(users []api.LockUser)
}

// Dispatcher fans one canonical event out to every holder registered for the
// device, refreshing the alias roster when the event names an actor. One
// failing holder never starves its siblings.
type Dispatcher struct {
	reg    *Registry
	tokens TokenSource
	roster RosterClient

	mu        sync.Mutex
	rosters   map[string][]api.LockUser
	sinks     []EventSink
	callbacks []func(deviceID string)
}

func NewDispatcher(reg *Registry, tokens TokenSource, roster RosterClient) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		tokens:  tokens,
		roster:  roster,
		rosters: map[string][]api.LockUser{},
	}
}

// AddSink attaches a post-dispatch event sink. Not safe to call concurrently
// with dispatch; wire sinks at startup.
func (d *Dispatcher) AddSink(s EventSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// OnUpdate registers a completion callback invoked after every dispatch.
func (d *Dispatcher) OnUpdate(fn func(deviceID string)) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

// UpdateDeviceState applies one event to all holders of a device, in the
// order the events arrived at the caller.
func (d *Dispatcher) UpdateDeviceState(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) error {
	holders := d.reg.For(deviceID)
	if len(holders) == 0 {
		slog.Debug("event for unregistered device", "device_id", deviceID, "name", ev.Name)
		return nil
	}

	roster := d.currentRoster(ctx, deviceID, ev)
	for _, h := range holders {
		if rs, ok := h.(RosterSetter); ok && roster != nil {
			rs.SetRoster(roster)
		}
		if !h.Wants(ev) {
			continue
		}
		if err := h.Apply(ev); err != nil {
			slog.Error("holder apply failed", "device_id", deviceID, "name", ev.Name, "error", err)
		}
	}
	observability.EventsDispatched.WithLabelValues(deviceID).Inc()
	slog.Info("event dispatched", "device_id", deviceID, "name", ev.Name, "level", ev.Level)

	d.mu.Lock()
	sinks := d.sinks
	callbacks := d.callbacks
	d.mu.Unlock()
	for _, s := range sinks {
		if err := s.StoreEvent(ctx, deviceID, ev); err != nil {
			slog.Warn("event sink failed", "device_id", deviceID, "error", err)
		}
	}
	for _, fn := range callbacks {
		fn(deviceID)
	}
	return nil
}

// currentRoster refreshes the roster when the event names a concrete actor,
// falling back to the last good roster on any failure. A roster is never
// cleared by a failed fetch.
func (d *Dispatcher) currentRoster(ctx context.Context, deviceID string, ev *wire.CanonicalEvent) []api.LockUser {
	d.mu.Lock()
	cached := d.rosters[deviceID]
	d.mu.Unlock()

	if ev.Data == nil || ev.Data.LockUser.Type == wire.UnknownLockUser {
		return cached
	}
	token, err := d.tokens.Token(ctx)
	if err != nil {
		slog.Warn("roster refresh skipped, no token", "device_id", deviceID, "error", err)
		return cached
	}
	users, err := d.roster.LockUsers(ctx, token, deviceID)
	if err != nil {
		slog.Warn("roster refresh failed, keeping previous", "device_id", deviceID, "error", err)
		return cached
	}
	d.mu.Lock()
	d.rosters[deviceID] = users
	d.mu.Unlock()
	return users
}
