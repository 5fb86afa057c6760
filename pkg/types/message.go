package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Reserved envelope keys.
const (
	keyType    = "type"
	keyData    = "data"
	keyContext = "context"

	// DestinationKey is the context key that carries direct-delivery target
	// connection ids.
	DestinationKey = "destination"
)

var (
	// ErrInvalidUTF8 is returned when a frame is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("message is not valid UTF-8")

	// ErrNotObject is returned when a frame is not a JSON object.
	ErrNotObject = errors.New("message is not a JSON object")

	// ErrMissingType is returned when "type" is absent or empty.
	ErrMissingType = errors.New("message type is required")

	// ErrInvalidField is returned when a reserved field has the wrong JSON kind.
	ErrInvalidField = errors.New("invalid message field")
)

var emptyObject = json.RawMessage(`{}`)

// Message is one envelope exchanged over the bus.
//
// Data and the values of Context are kept as raw JSON: the bus never
// interprets application payloads, and raw values survive a relay without
// numeric or key-order rewriting. Extra holds unknown top-level keys, which
// are passed through untouched.
type Message struct {
	Type    string
	Data    json.RawMessage
	Context map[string]json.RawMessage
	Extra   map[string]json.RawMessage
}

// New builds a Message of the given type with data marshalled as its payload.
// A nil data yields an empty object.
func New(msgType string, data any) (*Message, error) {
	if msgType == "" {
		return nil, ErrMissingType
	}
	m := &Message{Type: msgType, Context: map[string]json.RawMessage{}}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("%w: data must be an object", ErrInvalidField)
	}
	m.Data = raw
	return m, nil
}

// Decode parses a wire frame into a Message. Missing data and context
// default to empty objects; a JSON null is treated as missing.
func Decode(frame []byte) (*Message, error) {
	if !utf8.Valid(frame) {
		return nil, ErrInvalidUTF8
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	m := &Message{Context: map[string]json.RawMessage{}}

	rawType, ok := fields[keyType]
	if !ok {
		return nil, ErrMissingType
	}
	if err := json.Unmarshal(rawType, &m.Type); err != nil || isNull(rawType) {
		return nil, fmt.Errorf("%w: type must be a string", ErrInvalidField)
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}

	if raw, ok := fields[keyData]; ok && !isNull(raw) {
		if !isObject(raw) {
			return nil, fmt.Errorf("%w: data must be an object", ErrInvalidField)
		}
		m.Data = raw
	}

	if raw, ok := fields[keyContext]; ok && !isNull(raw) {
		if !isObject(raw) {
			return nil, fmt.Errorf("%w: context must be an object", ErrInvalidField)
		}
		if err := json.Unmarshal(raw, &m.Context); err != nil {
			return nil, fmt.Errorf("%w: context: %v", ErrInvalidField, err)
		}
	}

	for k, v := range fields {
		switch k {
		case keyType, keyData, keyContext:
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}

	return m, nil
}

// MarshalJSON encodes the envelope. type, data and context are always present.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}

	t, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	out[keyType] = t

	data := m.Data
	if len(data) == 0 {
		data = emptyObject
	}
	out[keyData] = data

	ctx := emptyObject
	if len(m.Context) > 0 {
		if ctx, err = json.Marshal(m.Context); err != nil {
			return nil, err
		}
	}
	out[keyContext] = ctx

	return json.Marshal(out)
}

// UnmarshalJSON decodes with the same rules as Decode.
func (m *Message) UnmarshalJSON(b []byte) error {
	d, err := Decode(b)
	if err != nil {
		return err
	}
	*m = *d
	return nil
}

// DecodeData unmarshals the payload into v.
func (m *Message) DecodeData(v any) error {
	data := m.Data
	if len(data) == 0 {
		data = emptyObject
	}
	return json.Unmarshal(data, v)
}

// SetContext stores v under key in the context, replacing any previous value.
func (m *Message) SetContext(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal context %q: %w", key, err)
	}
	if m.Context == nil {
		m.Context = make(map[string]json.RawMessage)
	}
	m.Context[key] = raw
	return nil
}

// HasContext reports whether key is set in the context.
func (m *Message) HasContext(key string) bool {
	_, ok := m.Context[key]
	return ok
}

// SetDestinations addresses the message to the given connection ids.
func (m *Message) SetDestinations(ids ...uint64) error {
	return m.SetContext(DestinationKey, ids)
}

// Destinations returns the connection ids listed in context.destination, in
// order and without duplicates. Elements may be JSON integers or decimal
// strings; anything else is ignored. ok is false when the key is absent, is
// not an array, or lists no well-formed id, meaning the message is not
// directly addressed.
func (m *Message) Destinations() (ids []uint64, ok bool) {
	raw, found := m.Context[DestinationKey]
	if !found {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}

	seen := make(map[uint64]struct{}, len(items))
	for _, item := range items {
		id, valid := parseID(item)
		if !valid {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, len(ids) > 0
}

func parseID(raw json.RawMessage) (uint64, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	return id, err == nil && id > 0
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
