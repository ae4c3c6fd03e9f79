package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the tag carried by every captured event.
type EventType string

const (
	// Session lifecycle events.
	EventSessionCreated  EventType = "CREATE_SESSION"
	EventSessionClosed   EventType = "CLOSE_SESSION"
	EventDeviceMetadata  EventType = "MOBILE_METADATA"
	EventCapturePaused   EventType = "PAUSE_EVENT_CAPTURE"
	EventCaptureResumed  EventType = "RESUME_EVENT_CAPTURE"
	EventSetUserID       EventType = "SET_USER_ID"
	EventSetRegisteredID EventType = "SET_REGISTERED_USER_ID"
	EventSetLinkedSite   EventType = "SET_LINKED_SITE"

	// Diagnostic events.
	EventLog          EventType = "LOG"
	EventConfigCached EventType = "CONFIG_CACHED"
	EventNetworkState EventType = "NETWORK_STATE"

	// Interaction events produced by instrumentation collaborators.
	EventWindowLoad   EventType = "WINDOW_LOAD"
	EventWindowFocus  EventType = "WINDOW_FOCUS"
	EventWindowBlur   EventType = "WINDOW_BLUR"
	EventTouchStart   EventType = "TOUCH_START"
	EventTouchMove    EventType = "TOUCH_MOVE"
	EventTouchEnd     EventType = "TOUCH_END"
	EventFocus        EventType = "FOCUS"
	EventBlur         EventType = "BLUR"
	EventInput        EventType = "INPUT"
	EventTextChange   EventType = "TEXT_CHANGE"
	EventPaste        EventType = "PASTE"
	EventCopy         EventType = "COPY"
	EventFormSubmit   EventType = "APPLICATION_SUBMIT"
	EventAdvancedData EventType = "ADVANCED_DEVICE_REQUEST"
)

// lifecycleTypes are never gated by sampling: the collector needs them to
// reconstruct session boundaries even for flows whose interactions are discarded.
var lifecycleTypes = map[EventType]bool{
	EventSessionCreated:  true,
	EventSessionClosed:   true,
	EventDeviceMetadata:  true,
	EventCapturePaused:   true,
	EventCaptureResumed:  true,
	EventSetUserID:       true,
	EventSetRegisteredID: true,
	EventSetLinkedSite:   true,
	EventLog:             true,
	EventConfigCached:    true,
	EventNetworkState:    true,
}

// IsLifecycle reports whether t is a session lifecycle or diagnostic type.
func (t EventType) IsLifecycle() bool {
	return lifecycleTypes[t]
}

// Field is one named attribute of an event.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Event is a single captured telemetry record. Events are immutable once
// constructed: the field list is copied in and only ever copied out.
type Event struct {
	Type      EventType
	Timestamp int64  // epoch milliseconds
	Target    string // opaque identifier of the originating element, used for exclusion
	fields    []Field
}

// New builds an event. Fields keep insertion order; a repeated key replaces
// the earlier value in place.
func New(typ EventType, timestampMs int64, fields ...Field) Event {
	e := Event{Type: typ, Timestamp: timestampMs}
	if len(fields) == 0 {
		return e
	}
	e.fields = make([]Field, 0, len(fields))
	for _, f := range fields {
		e.fields = setField(e.fields, f)
	}
	return e
}

func setField(fields []Field, f Field) []Field {
	for i := range fields {
		if fields[i].Key == f.Key {
			fields[i].Value = f.Value
			return fields
		}
	}
	return append(fields, f)
}

// WithTarget returns a copy of e attributed to the given target identifier.
func (e Event) WithTarget(target string) Event {
	e.fields = e.Fields()
	e.Target = target
	return e
}

// WithFields returns a copy of e with additional fields merged in.
func (e Event) WithFields(fields ...Field) Event {
	out := e.Fields()
	for _, f := range fields {
		out = setField(out, f)
	}
	e.fields = out
	return e
}

// Fields returns a copy of the event's fields in insertion order.
func (e Event) Fields() []Field {
	if len(e.fields) == 0 {
		return nil
	}
	out := make([]Field, len(e.fields))
	copy(out, e.fields)
	return out
}

// Get returns the value stored under key.
func (e Event) Get(key string) (any, bool) {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Len returns the number of fields.
func (e Event) Len() int { return len(e.fields) }

// wireEvent is the envelope used on the wire. Attrs is written by hand so
// the field order survives serialization.
type wireEvent struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"ts"`
	Target    string          `json:"tg,omitempty"`
	Attrs     json.RawMessage `json:"attrs,omitempty"`
}

// AttrsJSON encodes the fields as a JSON object in insertion order. An event
// without fields encodes as {}.
func (e Event) AttrsJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("model: marshal field key %q: %w", f.Key, err)
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("model: marshal field %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeAttrs parses a JSON object into fields, keeping key order.
func DecodeAttrs(data []byte) ([]Field, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	return decodeOrderedObject(data)
}

// MarshalJSON encodes the event with its fields as an ordered JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, Timestamp: e.Timestamp, Target: e.Target}
	if len(e.fields) > 0 {
		attrs, err := e.AttrsJSON()
		if err != nil {
			return nil, err
		}
		w.Attrs = attrs
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, preserving the order of attrs.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: decode event: %w", err)
	}
	out := Event{Type: w.Type, Timestamp: w.Timestamp, Target: w.Target}
	fields, err := DecodeAttrs(w.Attrs)
	if err != nil {
		return err
	}
	out.fields = fields
	*e = out
	return nil
}

func decodeOrderedObject(data []byte) ([]Field, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("model: decode attrs: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("model: attrs must be an object")
	}
	var fields []Field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("model: decode attr key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("model: attr key is not a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("model: decode attr %q: %w", key, err)
		}
		fields = setField(fields, Field{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("model: decode attrs: %w", err)
	}
	return fields, nil
}
