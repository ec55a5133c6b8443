// Package server defines the websocket envelope format and the event names
// exchanged between clients and the relay.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/relay/internal/relay"
)

// Event names carried in Envelope.Event.
const (
	EventRegisterUser   = "register_user"
	EventChatMessage    = "chat_message"
	EventReceiveMessage = "receive_message"
	EventRegistered     = "registered"
	EventError          = "error"
)

// Envelope is one websocket text frame: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RegisteredPayload acknowledges a register_user event.
type RegisteredPayload struct {
	Identity relay.Identity `json:"identity"`
	Flushed  int            `json:"flushed"`
}

// ErrorPayload tells a client why one of its events was rejected.
type ErrorPayload struct {
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason"`
}

var errMissingData = errors.New("event has no data")

// encodeEnvelope marshals payload under the given event name.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// decodeEnvelope parses a raw frame.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("envelope has no event name")
	}
	return env, nil
}

// parseIdentity accepts either a bare JSON string or an object carrying the
// identity under "identity", "userId" or "id".
func parseIdentity(data json.RawMessage) (relay.Identity, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", errMissingData
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return relay.Identity(strings.TrimSpace(s)), nil
	}

	var obj struct {
		Identity string `json:"identity"`
		UserID   string `json:"userId"`
		ID       string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", fmt.Errorf("identity must be a string: %w", err)
	}
	for _, candidate := range []string{obj.Identity, obj.UserID, obj.ID} {
		if c := strings.TrimSpace(candidate); c != "" {
			return relay.Identity(c), nil
		}
	}
	return "", nil
}

// parseChatMessage decodes a chat_message payload.
func parseChatMessage(data json.RawMessage) (*relay.Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errMissingData
	}
	var msg relay.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid chat_message: %w", err)
	}
	return &msg, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
