package model

// State is the session lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateActive
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SessionState is a point-in-time copy of the session-scoped fields.
type SessionState struct {
	State            State  `json:"state"`
	SessionID        string `json:"sessionId,omitempty"`
	ClientID         string `json:"clientId,omitempty"`
	SiteID           string `json:"siteId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	RegisteredUserID string `json:"registeredUserId,omitempty"`
	LinkedSiteID     string `json:"linkedSiteId,omitempty"`
	IsConnected      bool   `json:"isConnected"`
}

// CurrentSiteID is the site whose sampling decision governs the current flow.
func (s SessionState) CurrentSiteID() string {
	if s.LinkedSiteID != "" {
		return s.LinkedSiteID
	}
	return s.SiteID
}
