package kansoku

import "github.com/ashita-ai/kansoku/internal/model"

// Public aliases for the event and session types. Collaborators outside the
// module build events with these and never import internal packages.
type (
	Event        = model.Event
	EventType    = model.EventType
	Field        = model.Field
	SessionState = model.SessionState
	State        = model.State
	RemoteConfig = model.RemoteConfig
)

// Session states.
const (
	StateNotStarted = model.StateNotStarted
	StateStarting   = model.StateStarting
	StateActive     = model.StateActive
	StatePaused     = model.StatePaused
	StateStopping   = model.StateStopping
)

// Interaction event types reported by instrumentation collaborators. Any
// other string is accepted as a caller-defined type.
const (
	EventWindowLoad   = model.EventWindowLoad
	EventWindowFocus  = model.EventWindowFocus
	EventWindowBlur   = model.EventWindowBlur
	EventTouchStart   = model.EventTouchStart
	EventTouchMove    = model.EventTouchMove
	EventTouchEnd     = model.EventTouchEnd
	EventFocus        = model.EventFocus
	EventBlur         = model.EventBlur
	EventInput        = model.EventInput
	EventTextChange   = model.EventTextChange
	EventPaste        = model.EventPaste
	EventCopy         = model.EventCopy
	EventFormSubmit   = model.EventFormSubmit
	EventAdvancedData = model.EventAdvancedData
)

// Validation errors, matched with errors.Is.
var (
	ErrInvalidClientKey = model.ErrInvalidClientKey
	ErrInvalidSiteID    = model.ErrInvalidSiteID
	ErrInvalidUserID    = model.ErrInvalidUserID
)

// F builds an event field.
func F(key string, value any) Field { return model.F(key, value) }

// NewEvent builds an event with an explicit epoch-millisecond timestamp.
func NewEvent(typ EventType, timestampMs int64, fields ...Field) Event {
	return model.New(typ, timestampMs, fields...)
}
