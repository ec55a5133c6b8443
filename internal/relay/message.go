// Package relay defines the message envelope exchanged between clients and the
// routing core that tracks presence and buffers messages for absent users.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Identity is the client-chosen name of a user. It survives reconnects.
type Identity string

const (
	fieldSenderID    = "senderId"
	fieldRecipientID = "recipientId"
	fieldText        = "text"
)

// fieldShape records how a known field appeared in the decoded JSON.
type fieldShape uint8

const (
	fieldSet fieldShape = iota
	fieldAbsent
	fieldNull
)

// Message is a directed chat message. SenderID, RecipientID and Text are the
// fields the router understands; anything else a client sends is kept in Extra
// and written back out untouched. A known field the client omitted or sent as
// null is written back the same way unless it has since been assigned.
type Message struct {
	SenderID    Identity
	RecipientID Identity
	Text        string
	Extra       map[string]json.RawMessage

	shape [3]fieldShape
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("message must be a JSON object")
	}

	var out Message
	var err error
	if out.shape[0], err = decodeStringField(raw, fieldSenderID, (*string)(&out.SenderID)); err != nil {
		return err
	}
	if out.shape[1], err = decodeStringField(raw, fieldRecipientID, (*string)(&out.RecipientID)); err != nil {
		return err
	}
	if out.shape[2], err = decodeStringField(raw, fieldText, &out.Text); err != nil {
		return err
	}
	if len(raw) > 0 {
		out.Extra = raw
	}

	*m = out
	return nil
}

func decodeStringField(raw map[string]json.RawMessage, key string, dst *string) (fieldShape, error) {
	v, ok := raw[key]
	if !ok {
		return fieldAbsent, nil
	}
	delete(raw, key)
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return fieldNull, nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fieldSet, fmt.Errorf("field %q: %w", key, err)
	}
	return fieldSet, nil
}

// MarshalJSON writes the known fields followed by the pass-through fields.
// Extra keys that collide with a known field are dropped.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}

	known := [3]struct {
		key   string
		value string
	}{
		{fieldSenderID, string(m.SenderID)},
		{fieldRecipientID, string(m.RecipientID)},
		{fieldText, m.Text},
	}
	for i, f := range known {
		delete(out, f.key)
		if f.value == "" {
			switch m.shape[i] {
			case fieldAbsent:
				continue
			case fieldNull:
				out[f.key] = json.RawMessage("null")
				continue
			}
		}
		encoded, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		out[f.key] = encoded
	}

	return json.Marshal(out)
}

// Clone returns a deep copy so queued messages are isolated from the caller.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}
