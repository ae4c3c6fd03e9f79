package kansoku

import (
	"context"
	"runtime"
)

// MetadataProvider describes the device. Its map is copied into every
// MOBILE_METADATA event and batch envelope.
type MetadataProvider interface {
	Metadata() map[string]any
}

// LocationProvider is an optional signal source. Start may block while the
// provider warms up; Stop must not block.
type LocationProvider interface {
	Start(ctx context.Context) error
	Stop()
}

// CallStateProvider monitors telephony state while the remote config enables
// it. Start may block; Stop must not block.
type CallStateProvider interface {
	Start(ctx context.Context) error
	Stop()
}

// FingerprintSource computes the device fingerprint. It may fail
// transiently; the SDK retries and caches the first success.
type FingerprintSource interface {
	Fingerprint(ctx context.Context) (string, error)
}

// RandSource supplies sampling draws. *math/rand/v2.Rand implements it.
type RandSource interface {
	IntN(n int) int
}

// MetadataFunc adapts a function to MetadataProvider.
type MetadataFunc func() map[string]any

// Metadata implements MetadataProvider.
func (f MetadataFunc) Metadata() map[string]any { return f() }

// defaultMetadata reports the host process's platform.
type defaultMetadata struct{}

func (defaultMetadata) Metadata() map[string]any {
	return map[string]any{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"sdkVersion": Version,
		"goVersion":  runtime.Version(),
		"numCPU":     runtime.NumCPU(),
	}
}
