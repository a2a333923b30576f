package wire

import (
	"encoding/json"
	"testing"
)

func TestUserTypeName(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{0, "DOOR_INTERIOR"},
		{1, "FINGERPRINT"},
		{2, "PASSWORD"},
		{3, "CARD"},
		{5, "REMOTE"},
		{6, "FACE"},
		{7, "PALM"},
		{9, "TEMPORARY_PASSWORD"},
		{4, UnknownLockUser},
		{42, UnknownLockUser},
	}
	for _, tc := range cases {
		if got := UserTypeName(tc.code); got != tc.want {
			t.Fatalf("code %d: expected %q, got %q", tc.code, tc.want, got)
		}
	}
}

func TestNormalizeLockEvent(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"image_uri": "https://img/1.jpg",
		"lock_user": map[string]any{"id": 3, "type": 6},
	})
	ev, ok := Normalize(EventPayload{
		DID:       "lock-1",
		Name:      EventUnlocked,
		Level:     LevelInfo,
		CreatedAt: "2026-01-02T03:04:05Z",
		Data:      data,
	})
	if !ok {
		t.Fatal("expected lock event to normalize")
	}
	if ev.DeviceID != "lock-1" || ev.Name != EventUnlocked {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Data == nil {
		t.Fatal("expected event data")
	}
	if ev.Data.LockUser.Type != "FACE" || ev.Data.LockUser.ID != "3" {
		t.Fatalf("unexpected lock user %+v", ev.Data.LockUser)
	}
	if ev.Data.Image.URI != "https://img/1.jpg" {
		t.Fatalf("unexpected image %q", ev.Data.Image.URI)
	}
}

func TestNormalizeLockEventWithoutData(t *testing.T) {
	ev, ok := Normalize(EventPayload{DID: "lock-1", Name: EventLocked, Level: LevelInfo})
	if !ok {
		t.Fatal("expected lock event to normalize")
	}
	if ev.Data != nil {
		t.Fatalf("expected nil data, got %+v", ev.Data)
	}
}

func TestNormalizeLockEventBadData(t *testing.T) {
	ev, ok := Normalize(EventPayload{DID: "lock-1", Name: EventLocked, Data: json.RawMessage(`"not an object`)})
	if !ok {
		t.Fatal("expected lock event to normalize")
	}
	if ev.Data != nil {
		t.Fatal("undecodable data should leave event data nil")
	}
}

func TestNormalizeMediaEvent(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"image_uri": "https://img/2.jpg",
		"media":     map[string]any{"uri": "https://media/2"},
		"stream_id": "st-9",
	})
	ev, ok := Normalize(EventPayload{
		DID:   "lock-1",
		Name:  EventRemoteUnlock,
		Level: LevelCritical,
		Data:  data,
	})
	if !ok {
		t.Fatal("expected critical remote unlock to normalize")
	}
	if ev.Data == nil {
		t.Fatal("media events always carry data")
	}
	if ev.Data.LockUser.ID != UnknownLockUser || ev.Data.LockUser.Type != UnknownLockUser {
		t.Fatalf("media event lock user should be unknown, got %+v", ev.Data.LockUser)
	}
	if ev.Data.StreamID != "st-9" {
		t.Fatalf("unexpected stream id %q", ev.Data.StreamID)
	}
	if len(ev.Data.Media) == 0 {
		t.Fatal("expected media payload preserved")
	}
}

func TestNormalizeRejectsOtherEvents(t *testing.T) {
	cases := []EventPayload{
		{Name: EventHumanWandering, Level: LevelInfo},
		{Name: EventRemoteUnlock, Level: LevelInfo},
		{Name: EventAddUser, Level: LevelCritical},
		{Name: "SOMETHING_ELSE"},
	}
	for _, p := range cases {
		if _, ok := Normalize(p); ok {
			t.Fatalf("%s/%s should not normalize", p.Name, p.Level)
		}
	}
}

func TestNewCtrlEnvelope(t *testing.T) {
	msg, err := NewCtrl("sec-token", "lock-1", "payload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Header.Namespace != NamespaceDevice || msg.Header.Name != NameCtrl {
		t.Fatalf("unexpected header %+v", msg.Header)
	}
	if msg.Header.SecureToken != "sec-token" || msg.Header.MessageID == "" {
		t.Fatalf("unexpected header %+v", msg.Header)
	}
	var p CtrlPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if p.DID != "lock-1" || !p.Verify || p.Data != "payload" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestNewPingUniqueIDs(t *testing.T) {
	a, b := NewPing(), NewPing()
	if a.Header.MessageID == b.Header.MessageID {
		t.Fatal("ping frames must carry fresh correlation ids")
	}
	if a.Header.Namespace != NamespaceApplication || a.Header.Name != NamePing {
		t.Fatalf("unexpected header %+v", a.Header)
	}
}
