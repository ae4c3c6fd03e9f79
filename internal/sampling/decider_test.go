package sampling

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

// countingSource records how many draws were taken.
type countingSource struct {
	r     *rand.Rand
	draws int
}

func (c *countingSource) IntN(n int) int {
	c.draws++
	return c.r.IntN(n)
}

func seeded(seed uint64) *countingSource {
	return &countingSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func cfg(rate int, linked map[string]int) model.RemoteConfig {
	c := model.DefaultRemoteConfig()
	c.SiteID = "form_abcde123"
	c.SampleRate = rate
	c.LinkedSites = linked
	return c
}

func TestEverythingSampledBeforeRebuild(t *testing.T) {
	d := New(nil)
	assert.True(t, d.IsSampled(""))
	assert.True(t, d.IsSampled("form_zzzzz999"))
	assert.Nil(t, d.Decisions())
}

func TestBoundaryRatesDoNotDraw(t *testing.T) {
	src := seeded(1)
	d := New(nil)
	d.Rebuild(cfg(0, map[string]int{"form_linkd001": 100, "form_linkd002": 0}), src)

	assert.Equal(t, 0, src.draws)
	assert.False(t, d.IsSampled(""))
	assert.False(t, d.IsSampled("form_abcde123"))
	assert.True(t, d.IsSampled("form_linkd001"))
	assert.False(t, d.IsSampled("form_linkd002"))
}

func TestUnknownSiteIsSampled(t *testing.T) {
	d := New(nil)
	d.Rebuild(cfg(0, nil), seeded(1))
	assert.True(t, d.IsSampled("form_other0001"))
}

func TestRebuildIsDeterministicForSeed(t *testing.T) {
	linked := map[string]int{"form_bbbbb002": 50, "form_aaaaa001": 50, "form_ccccc003": 50}

	a, b := New(nil), New(nil)
	srcA, srcB := seeded(42), seeded(42)
	a.Rebuild(cfg(50, linked), srcA)
	b.Rebuild(cfg(50, linked), srcB)

	assert.Equal(t, a.Decisions(), b.Decisions())
	assert.Equal(t, 4, srcA.draws, "one draw per partially sampled site")
}

func TestDrawOrderIsPrimaryThenSortedLinked(t *testing.T) {
	linked := map[string]int{"form_bbbbb002": 50, "form_aaaaa001": 50}
	src := seeded(7)
	d := New(nil)
	d.Rebuild(cfg(50, linked), src)

	ref := rand.New(rand.NewPCG(7, 7^0x9e3779b97f4a7c15))
	primary := ref.IntN(100) < 50
	first := ref.IntN(100) < 50
	second := ref.IntN(100) < 50

	got := d.Decisions()
	assert.Equal(t, primary, got["form_abcde123"])
	assert.Equal(t, first, got["form_aaaaa001"])
	assert.Equal(t, second, got["form_bbbbb002"])
}

func TestSampleRateApproximatesFraction(t *testing.T) {
	src := seeded(99)
	sampled := 0
	const runs = 10_000
	for range runs {
		d := New(nil)
		d.Rebuild(cfg(30, nil), src)
		if d.IsSampled("") {
			sampled++
		}
	}
	assert.InDelta(t, 0.30, float64(sampled)/runs, 0.02)
}

func TestUpdateChangesOneSite(t *testing.T) {
	d := New(nil)
	d.Rebuild(cfg(100, map[string]int{"form_linkd001": 100}), seeded(1))
	before := d.Decisions()

	d.Update("form_linkd001", 0, seeded(1))
	after := d.Decisions()

	require.Len(t, after, len(before))
	assert.True(t, after["form_abcde123"])
	assert.False(t, after["form_linkd001"])
	assert.True(t, before["form_linkd001"], "earlier snapshot copies are unaffected")
}
