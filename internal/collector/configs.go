package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ConfigSource looks up the remote configuration served to a client key.
type ConfigSource interface {
	Config(ctx context.Context, clientKey string) (model.RemoteConfig, bool, error)
}

// StaticConfigs serves configurations from memory. Safe for concurrent use.
type StaticConfigs struct {
	mu      sync.RWMutex
	configs map[string]model.RemoteConfig
}

// NewStaticConfigs copies configs into a new source.
func NewStaticConfigs(configs map[string]model.RemoteConfig) *StaticConfigs {
	s := &StaticConfigs{configs: make(map[string]model.RemoteConfig, len(configs))}
	for k, v := range configs {
		s.configs[k] = v.Clone()
	}
	return s
}

// LoadConfigFile reads a JSON object mapping client keys to configurations.
// Fields a configuration omits take the default values.
func LoadConfigFile(path string) (*StaticConfigs, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("collector: read config file: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("collector: parse config file: %w", err)
	}
	configs := make(map[string]model.RemoteConfig, len(raw))
	for key, body := range raw {
		if err := model.ValidateClientKey(key); err != nil {
			return nil, fmt.Errorf("collector: config file: %w", err)
		}
		cfg := model.DefaultRemoteConfig()
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("collector: config for %s: %w", key, err)
		}
		configs[key] = cfg
	}
	return NewStaticConfigs(configs), nil
}

// Config returns the configuration for clientKey.
func (s *StaticConfigs) Config(_ context.Context, clientKey string) (model.RemoteConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[clientKey]
	return cfg.Clone(), ok, nil
}

// Set replaces the configuration for clientKey.
func (s *StaticConfigs) Set(clientKey string, cfg model.RemoteConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[clientKey] = cfg.Clone()
}
