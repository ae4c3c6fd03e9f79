package model

import "time"

// Defaults applied when the remote configuration omits a value or cannot be fetched.
const (
	DefaultSampleRate     = 100
	DefaultRequestTimeout = 10 * time.Second
	DefaultCacheTTL       = 24 * time.Hour
)

// RemoteConfig is the collection service's per-client configuration.
type RemoteConfig struct {
	SiteID             string         `json:"siteId"`
	SampleRate         int            `json:"sampleRate"`
	LinkedSites        map[string]int `json:"linkedSiteOptions,omitempty"`
	GeoLocationEnabled bool           `json:"geoLocationEnabled"`
	CallStateEnabled   bool           `json:"callStateEnabled"`
	RequestTimeoutMs   int64          `json:"requestTimeoutMs,omitempty"`
	CacheTTLMs         int64          `json:"cacheTtlMs,omitempty"`
}

// DefaultRemoteConfig captures everything with every optional feature off.
// It is used whenever the remote configuration is unavailable.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		SampleRate:       DefaultSampleRate,
		RequestTimeoutMs: DefaultRequestTimeout.Milliseconds(),
		CacheTTLMs:       DefaultCacheTTL.Milliseconds(),
	}
}

// RequestTimeout returns the per-call HTTP timeout.
func (c RemoteConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// CacheTTL returns how long a fetched configuration stays fresh.
func (c RemoteConfig) CacheTTL() time.Duration {
	if c.CacheTTLMs <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// RateFor returns the sample rate configured for siteID and whether the site
// is known to this configuration. An empty siteID refers to the primary site.
func (c RemoteConfig) RateFor(siteID string) (int, bool) {
	if siteID == "" || siteID == c.SiteID {
		return c.SampleRate, true
	}
	rate, ok := c.LinkedSites[siteID]
	return rate, ok
}

// Clone returns a deep copy.
func (c RemoteConfig) Clone() RemoteConfig {
	if c.LinkedSites != nil {
		linked := make(map[string]int, len(c.LinkedSites))
		for k, v := range c.LinkedSites {
			linked[k] = v
		}
		c.LinkedSites = linked
	}
	return c
}
