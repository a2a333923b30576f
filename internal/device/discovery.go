package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"kiwi-bridge/internal/api"
	"kiwi-bridge/internal/lockctrl"
	"kiwi-bridge/internal/registry"
	"kiwi-bridge/internal/wire"
)

// TypeLock is the vendor device type this bridge manages.
const TypeLock = "LOCK"

const eventSeedPageSize = 15

// API is the slice of the REST client discovery needs.
type API interface {
	Groups(ctx context.Context, token string) ([]api.Group, error)
	GroupDevices(ctx context.Context, token, gid string) ([]api.Device, error)
	UserInfo(ctx context.Context, token string) (*api.User, error)
	LockUsers(ctx context.Context, token, did string) ([]api.LockUser, error)
	DeviceEvents(ctx context.Context, token, did string, page, perPage int) ([]wire.EventPayload, error)
	DeviceStream(ctx context.Context, token, did, streamID string) (*api.StreamInfo, error)
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Lock is one discovered lock with its registered holders and controller.
type Lock struct {
	Device      api.Device
	Group       api.Group
	Status      *registry.StatusHolder
	Events      *registry.EventHolder
	Camera      *registry.CameraHolder
	Coordinator *lockctrl.Coordinator
}

// Discoverer walks the account's groups, registers holders for every lock,
// and seeds them from the platform's recent event history so state is usable
// before the first push arrives.
type Discoverer struct {
	API    API
	Tokens TokenSource
	Reg    *registry.Registry
	Cache  registry.MediaCache

	// NewCoordinator builds the unlock controller for a lock; the owning
	// account uid comes from discovery.
	NewCoordinator func(did, uid string) *lockctrl.Coordinator
}

// Discover enumerates the account. Failures on a single device degrade that
// device's seed data; only account-level calls are fatal.
func (d *Discoverer) Discover(ctx context.Context) ([]*Lock, error) {
	token, err := d.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: token for discovery: %w", err)
	}
	user, err := d.API.UserInfo(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("device: user info: %w", err)
	}
	groups, err := d.API.Groups(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("device: list groups: %w", err)
	}

	var locks []*Lock
	for _, g := range groups {
		devices, err := d.API.GroupDevices(ctx, token, g.GID)
		if err != nil {
			slog.Error("group device listing failed", "gid", g.GID, "error", err)
			continue
		}
		for _, dev := range devices {
			if dev.Type != TypeLock {
				slog.Debug("skipping non-lock device", "did", dev.DID, "type", dev.Type)
				continue
			}
			locks = append(locks, d.setupLock(ctx, token, g, dev, user.UID))
		}
	}
	slog.Info("discovery complete", "groups", len(groups), "locks", len(locks))
	return locks, nil
}

func (d *Discoverer) setupLock(ctx context.Context, token string, g api.Group, dev api.Device, uid string) *Lock {
	l := &Lock{
		Device: dev,
		Group:  g,
		Status: registry.NewStatusHolder(dev.DID),
		Events: registry.NewEventHolder(dev.DID),
		Camera: registry.NewCameraHolder(dev.DID, d.Cache),
	}
	if d.NewCoordinator != nil {
		l.Coordinator = d.NewCoordinator(dev.DID, uid)
	}

	if users, err := d.API.LockUsers(ctx, token, dev.DID); err != nil {
		slog.Warn("lock user roster unavailable at discovery", "did", dev.DID, "error", err)
	} else {
		l.Events.SetRoster(users)
	}

	events, err := d.API.DeviceEvents(ctx, token, dev.DID, 1, eventSeedPageSize)
	if err != nil {
		slog.Warn("event history unavailable at discovery", "did", dev.DID, "error", err)
	} else {
		d.seedFromHistory(ctx, token, l, events)
	}

	d.Reg.Register(l.Status)
	d.Reg.Register(l.Events)
	d.Reg.Register(l.Camera)
	slog.Info("lock registered", "did", dev.DID, "name", dev.Name, "group", g.Name)
	return l
}

// seedFromHistory initializes holder state from the most recent platform
// events, newest first.
func (d *Discoverer) seedFromHistory(ctx context.Context, token string, l *Lock, events []wire.EventPayload) {
	sortNewestFirst(events)

	if ev, ok := latestLockEvent(events); ok {
		l.Status.Seed(ev.Name == wire.EventLocked)
	}
	if ev, ok := latestCanonical(l.Device.DID, events); ok {
		if err := l.Events.Apply(ev); err != nil {
			slog.Warn("event seed failed", "did", l.Device.DID, "error", err)
		}
		if l.Camera.Wants(ev) {
			if err := l.Camera.Apply(ev); err != nil {
				slog.Warn("camera seed failed", "did", l.Device.DID, "error", err)
			}
		}
	}
	if streamID, ok := latestStreamID(events); ok {
		info, err := d.API.DeviceStream(ctx, token, l.Device.DID, streamID)
		if err != nil {
			slog.Warn("stream lookup failed", "did", l.Device.DID, "stream_id", streamID, "error", err)
		} else if info.Media.URI != "" {
			l.Camera.SetStreamURI(info.Media.URI)
		}
	}
}

// sortNewestFirst orders raw events by their device timestamp, descending.
// Timestamps are ISO 8601 so string order is chronological.
func sortNewestFirst(events []wire.EventPayload) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}

func latestLockEvent(events []wire.EventPayload) (wire.EventPayload, bool) {
	for _, ev := range events {
		switch ev.Name {
		case wire.EventUnlocked, wire.EventLocked, wire.EventIndoorButtonUnlock:
			return ev, true
		}
	}
	return wire.EventPayload{}, false
}

func latestCanonical(did string, events []wire.EventPayload) (*wire.CanonicalEvent, bool) {
	for _, raw := range events {
		if raw.DID == "" {
			raw.DID = did
		}
		if ev, ok := wire.Normalize(raw); ok {
			return ev, true
		}
	}
	return nil, false
}

func latestStreamID(events []wire.EventPayload) (string, bool) {
	for _, ev := range events {
		if ev.Name != wire.EventHumanWandering || len(ev.Data) == 0 {
			continue
		}
		var data struct {
			StreamID string `json:"stream_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.StreamID == "" {
			continue
		}
		return data.StreamID, true
	}
	return "", false
}
