// genkey generates a client key and registers it in a collector config file.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go [-live] [-site form_abcde123] [-rate 100] [-file data/configs.json]
//
// The key is printed on stdout. The config file is the JSON object read by
// kansoku-collector via KANSOKU_COLLECTOR_CONFIG_FILE; it is created if
// missing and existing entries are kept.
package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/kansoku/internal/model"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func main() {
	live := pflag.Bool("live", false, "generate a key_live_ key instead of key_test_")
	site := pflag.String("site", "", "primary site ID for the generated config")
	rate := pflag.Int("rate", model.DefaultSampleRate, "sample rate 0-100 for the primary site")
	file := pflag.String("file", filepath.Join("data", "configs.json"), "collector config file to update")
	pflag.Parse()

	if err := run(*live, *site, *rate, *file); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(live bool, site string, rate int, path string) error {
	if site != "" {
		if err := model.ValidateSiteID(site); err != nil {
			return err
		}
	}
	if rate < 0 || rate > 100 {
		return fmt.Errorf("rate must be between 0 and 100")
	}

	key, err := newKey(live)
	if err != nil {
		return err
	}

	configs := map[string]model.RemoteConfig{}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &configs); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	cfg := model.DefaultRemoteConfig()
	cfg.SiteID = site
	cfg.SampleRate = rate
	configs[key] = cfg

	out, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode configs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Println(key)
	return nil
}

func newKey(live bool) (string, error) {
	prefix := "key_test_"
	if live {
		prefix = "key_live_"
	}
	buf := make([]byte, 24)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	key := prefix + string(buf)
	if err := model.ValidateClientKey(key); err != nil {
		return "", err
	}
	return key, nil
}
