package wire

import (
	"encoding/json"
	"fmt"
)

// CanonicalEvent is the normalized device-event shape every downstream
// consumer sees, independent of which raw wire variant produced it.
type CanonicalEvent struct {
	DeviceID  string     `json:"device_id"`
	Name      string     `json:"name"`
	Level     string     `json:"level"`
	CreatedAt string     `json:"created_at"`
	Data      *EventData `json:"data,omitempty"`
}

type EventData struct {
	Image    ImageRef        `json:"image"`
	LockUser LockUserRef     `json:"lock_user"`
	Media    json.RawMessage `json:"media,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
}

type ImageRef struct {
	URI string `json:"uri"`
}

type LockUserRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

const UnknownLockUser = "UNKNOWN"

// userTypeNames maps the legacy numeric lock-user type codes to canonical
// string types. Unmapped codes resolve to UNKNOWN.
var userTypeNames = map[int]string{
	0: "DOOR_INTERIOR",
	1: "FINGERPRINT",
	2: "PASSWORD",
	3: "CARD",
	5: "REMOTE",
	6: "FACE",
	7: "PALM",
	9: "TEMPORARY_PASSWORD",
}

// UserTypeName resolves a legacy numeric user-type code.
func UserTypeName(code int) string {
	if name, ok := userTypeNames[code]; ok {
		return name
	}
	return UnknownLockUser
}

type rawEventData struct {
	ImageURI string `json:"image_uri"`
	LockUser struct {
		ID   json.Number `json:"id"`
		Type *int        `json:"type"`
	} `json:"lock_user"`
	Media    json.RawMessage `json:"media,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
}

// Normalize converts a raw push payload into a CanonicalEvent. It returns
// false when the payload is neither a lock event (UNLOCKED/LOCKED) nor a
// critical remote-unlock media event; callers log and skip those.
func Normalize(p EventPayload) (*CanonicalEvent, bool) {
	switch {
	case p.Name == EventUnlocked || p.Name == EventLocked:
		return normalizeLockEvent(p), true
	case p.Level == LevelCritical && p.Name == EventRemoteUnlock:
		return normalizeMediaEvent(p), true
	default:
		return nil, false
	}
}

func normalizeLockEvent(p EventPayload) *CanonicalEvent {
	ev := &CanonicalEvent{
		DeviceID:  p.DID,
		Name:      p.Name,
		Level:     p.Level,
		CreatedAt: p.CreatedAt,
	}
	raw := decodeRawData(p.Data)
	if raw == nil {
		return ev
	}
	userType := UnknownLockUser
	if raw.LockUser.Type != nil {
		userType = UserTypeName(*raw.LockUser.Type)
	}
	ev.Data = &EventData{
		Image:    ImageRef{URI: raw.ImageURI},
		LockUser: LockUserRef{ID: raw.LockUser.ID.String(), Type: userType},
	}
	return ev
}

func normalizeMediaEvent(p EventPayload) *CanonicalEvent {
	ev := &CanonicalEvent{
		DeviceID:  p.DID,
		Name:      p.Name,
		Level:     p.Level,
		CreatedAt: p.CreatedAt,
		Data: &EventData{
			LockUser: LockUserRef{ID: UnknownLockUser, Type: UnknownLockUser},
		},
	}
	raw := decodeRawData(p.Data)
	if raw == nil {
		return ev
	}
	ev.Data.Image = ImageRef{URI: raw.ImageURI}
	ev.Data.Media = raw.Media
	ev.Data.StreamID = raw.StreamID
	return ev
}

func decodeRawData(data json.RawMessage) *rawEventData {
	if len(data) == 0 {
		return nil
	}
	var raw rawEventData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return &raw
}

func (e *CanonicalEvent) String() string {
	return fmt.Sprintf("%s %s/%s", e.DeviceID, e.Name, e.Level)
}
