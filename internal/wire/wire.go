package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Recognized envelope namespaces and names on the vendor socket.
const (
	NamespaceApplication = "Iot.Application"
	NamespaceDevice      = "Iot.Device"

	NamePing         = "Ping"
	NameCtrl         = "Ctrl"
	NameEventNotify  = "EventNotify"
	NameCtrlResponse = "CtrlResponse"
)

// Device event names carried by EventNotify payloads.
const (
	EventUnlocked           = "UNLOCKED"
	EventLocked             = "LOCKED"
	EventIndoorButtonUnlock = "LOCK_INDOOR_BUTTON_UNLOCK"
	EventRemoteUnlock       = "REMOTE_UNLOCK"
	EventHumanWandering     = "HUMAN_WANDERING"
	EventAddUser            = "LOCK_ADD_USER"

	LevelInfo     = "INFO"
	LevelCritical = "CRITICAL"
)

type Header struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	MessageID      string `json:"messageId"`
	PayloadVersion int    `json:"payloadVersion"`
	SecureToken    string `json:"secureToken,omitempty"`
}

// Message is the JSON frame envelope in both directions. Payload stays raw
// until the header has been routed.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CtrlPayload is the body of an outbound unlock command.
type CtrlPayload struct {
	DID    string `json:"did"`
	Verify bool   `json:"verify"`
	Data   string `json:"data"`
}

// EventPayload is the raw body of an inbound EventNotify frame. The same shape
// comes back from the REST events listing, minus the did on some responses.
type EventPayload struct {
	DID       string          `json:"did"`
	Name      string          `json:"name"`
	Level     string          `json:"level"`
	CreatedAt string          `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewPing builds a heartbeat frame with a fresh correlation id.
func NewPing() Message {
	return Message{Header: Header{
		Namespace:      NamespaceApplication,
		Name:           NamePing,
		MessageID:      uuid.NewString(),
		PayloadVersion: 1,
	}}
}

// NewCtrl builds an unlock command frame. The messageId is globally unique per
// logical request and is what a later CtrlResponse correlates on.
func NewCtrl(secureToken, did, data string) (Message, error) {
	body, err := json.Marshal(CtrlPayload{DID: did, Verify: true, Data: data})
	if err != nil {
		return Message{}, fmt.Errorf("marshal ctrl payload: %w", err)
	}
	return Message{
		Header: Header{
			Namespace:      NamespaceDevice,
			Name:           NameCtrl,
			MessageID:      uuid.NewString(),
			PayloadVersion: 1,
			SecureToken:    secureToken,
		},
		Payload: body,
	}, nil
}
