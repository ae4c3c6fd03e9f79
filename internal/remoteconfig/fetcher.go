package remoteconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/transport"
)

// HTTPFetcher retrieves configuration with GET <BaseURL>/<clientKey>.
type HTTPFetcher struct {
	BaseURL string
	Client  transport.Doer
	Policy  transport.Policy
	Logger  *slog.Logger
	Version string // sent as User-Agent

	// RequestTimeout returns the per-attempt timeout; nil or a non-positive
	// result keeps Policy.Timeout.
	RequestTimeout func() time.Duration
}

// Fetch implements Fetcher. Fields absent from the response keep their
// default values, and sample rates are clamped to [0,100].
func (f *HTTPFetcher) Fetch(ctx context.Context, clientKey string) (model.RemoteConfig, error) {
	endpoint, err := url.JoinPath(f.BaseURL, url.PathEscape(clientKey))
	if err != nil {
		return model.RemoteConfig{}, fmt.Errorf("remoteconfig: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.RemoteConfig{}, fmt.Errorf("remoteconfig: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.Version != "" {
		req.Header.Set("User-Agent", "kansoku/"+f.Version)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := f.Policy
	if f.RequestTimeout != nil {
		if d := f.RequestTimeout(); d > 0 {
			policy.Timeout = d
		}
	}
	body, err := transport.Do(ctx, client, req, policy, transport.Funcs{
		Failure: func(code int, msg string, isRetry bool) {
			logger.Debug("remoteconfig: fetch attempt failed",
				"status", code, "message", msg, "retrying", isRetry)
		},
	})
	if err != nil {
		return model.RemoteConfig{}, err
	}

	cfg := model.DefaultRemoteConfig()
	if err := json.Unmarshal(body, &cfg); err != nil {
		return model.RemoteConfig{}, fmt.Errorf("remoteconfig: decode response: %w", err)
	}
	cfg.SampleRate = clampRate(cfg.SampleRate)
	for site, rate := range cfg.LinkedSites {
		cfg.LinkedSites[site] = clampRate(rate)
	}
	return cfg, nil
}

func clampRate(r int) int {
	return min(max(r, 0), 100)
}
