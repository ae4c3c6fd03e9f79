package model

import (
	"sort"
)

// Diagnostic levels carried by LOG events.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// SessionCreated marks the start of a session or flow boundary.
func SessionCreated(ts int64, sessionID, siteID, clientID string) Event {
	return New(EventSessionCreated, ts,
		F("sessionId", sessionID),
		F("siteId", siteID),
		F("clientId", clientID),
	)
}

// SessionClosed marks the end of a logical session.
func SessionClosed(ts int64, sessionID string) Event {
	return New(EventSessionClosed, ts, F("sessionId", sessionID))
}

// DeviceMetadata carries the collaborator-supplied device description.
// Keys are emitted in sorted order so repeated sessions produce identical payloads.
func DeviceMetadata(ts int64, metadata map[string]any) Event {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, F(k, metadata[k]))
	}
	return New(EventDeviceMetadata, ts, fields...)
}

// ConfigCached records a freshly fetched remote configuration.
func ConfigCached(ts int64, serialized string) Event {
	return New(EventConfigCached, ts, F("config", serialized))
}

// Diagnostic is a LOG event describing an internal condition.
func Diagnostic(ts int64, level, message string, fields ...Field) Event {
	all := make([]Field, 0, len(fields)+2)
	all = append(all, F("level", level), F("message", message))
	all = append(all, fields...)
	return New(EventLog, ts, all...)
}

// NetworkState records a connectivity change.
func NetworkState(ts int64, connected bool) Event {
	return New(EventNetworkState, ts, F("isConnected", connected))
}

// UserIDSet records the session user identifier.
func UserIDSet(ts int64, userID string) Event {
	return New(EventSetUserID, ts, F("uid", userID))
}

// RegisteredUserIDSet records the registered user identifier.
func RegisteredUserIDSet(ts int64, registeredID string) Event {
	return New(EventSetRegisteredID, ts, F("uid", registeredID))
}

// LinkedSiteSet records the site attached to a sub-flow.
func LinkedSiteSet(ts int64, siteID string) Event {
	return New(EventSetLinkedSite, ts, F("linkedSiteId", siteID))
}

// CapturePaused records that collection was paused.
func CapturePaused(ts int64, flushed bool) Event {
	return New(EventCapturePaused, ts, F("flushed", flushed))
}

// CaptureResumed records that collection resumed.
func CaptureResumed(ts int64) Event {
	return New(EventCaptureResumed, ts)
}
