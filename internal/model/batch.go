package model

// Batch is the collection request body: session and device metadata plus the
// events drained in one delivery.
type Batch struct {
	SiteID           string         `json:"siteId"`
	ClientID         string         `json:"clientId"`
	SessionID        string         `json:"sessionId"`
	UserID           string         `json:"userId,omitempty"`
	RegisteredUserID string         `json:"registeredUserId,omitempty"`
	LinkedSiteID     string         `json:"linkedSiteId,omitempty"`
	PageTag          string         `json:"pageTag,omitempty"`
	SDKVersion       string         `json:"sdkVersion"`
	Device           map[string]any `json:"device,omitempty"`
	Events           []Event        `json:"events"`
}
