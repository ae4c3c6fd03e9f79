// Package sampling decides, once per config application, whether each site
// is captured.
//
// Decisions are drawn from an injected random source so tests can seed it.
// Sites with a rate of 0 or 100 are decided without consuming a draw.
package sampling

import (
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Source is the slice of math/rand/v2's *rand.Rand the decider needs.
type Source interface {
	IntN(n int) int
}

// Decider holds the current per-site sampling decisions. Reads are lock-free;
// Rebuild and Update publish a new immutable snapshot.
type Decider struct {
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

type snapshot struct {
	primary   string
	decisions map[string]bool
}

// New returns a decider that samples every site until the first Rebuild.
func New(logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{logger: logger}
}

// Rebuild re-derives a decision for the primary site and every linked site
// in cfg. The primary site is drawn first, then linked sites in lexical
// order, so a seeded source gives the same result for the same config.
func (d *Decider) Rebuild(cfg model.RemoteConfig, rng Source) {
	decisions := make(map[string]bool, len(cfg.LinkedSites)+1)
	decisions[cfg.SiteID] = draw(cfg.SampleRate, rng)
	for _, site := range slices.Sorted(maps.Keys(cfg.LinkedSites)) {
		if site == cfg.SiteID {
			continue
		}
		decisions[site] = draw(cfg.LinkedSites[site], rng)
	}
	d.snap.Store(&snapshot{primary: cfg.SiteID, decisions: decisions})

	d.logger.Debug("sampling: decisions rebuilt",
		"primary_site", cfg.SiteID, "primary_sampled", decisions[cfg.SiteID], "sites", len(decisions))
}

// Update re-draws a single site's decision using rate, leaving the others
// untouched.
func (d *Decider) Update(siteID string, rate int, rng Source) {
	for {
		old := d.snap.Load()
		next := &snapshot{decisions: make(map[string]bool)}
		if old != nil {
			next.primary = old.primary
			maps.Copy(next.decisions, old.decisions)
		}
		next.decisions[siteID] = draw(rate, rng)
		if d.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsSampled reports whether events for siteID are captured. An empty siteID
// means the primary site. Sites without a decision are sampled.
func (d *Decider) IsSampled(siteID string) bool {
	s := d.snap.Load()
	if s == nil {
		return true
	}
	if siteID == "" {
		siteID = s.primary
	}
	sampled, ok := s.decisions[siteID]
	if !ok {
		return true
	}
	return sampled
}

// Decisions returns a copy of the current decisions, or nil before the first
// Rebuild.
func (d *Decider) Decisions() map[string]bool {
	s := d.snap.Load()
	if s == nil {
		return nil
	}
	return maps.Clone(s.decisions)
}

func draw(rate int, rng Source) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 100:
		return true
	default:
		return rng.IntN(100) < rate
	}
}
