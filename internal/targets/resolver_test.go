package targets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpulse/bookpulse/internal/config"
	"github.com/bookpulse/bookpulse/internal/tracker"
)

func declaredTargets() map[string]config.TargetConfig {
	return map[string]config.TargetConfig{
		"jiazi": {
			URL:      "https://example.test/jiazi",
			Strategy: "jiazi",
		},
		"yq": {
			URL:      "https://example.test/yq?page={page}",
			Channel:  "言情",
			MaxPages: 5,
			Strategy: "channel",
			RankID:   "yq-board",
			RankName: "言情频道",
		},
	}
}

func TestResolveSingle(t *testing.T) {
	t.Parallel()
	r := NewResolver(declaredTargets())

	got, err := r.Resolve("yq")
	require.NoError(t, err)
	require.Len(t, got, 1)

	target := got[0]
	assert.Equal(t, "yq", target.PageID)
	assert.Equal(t, "言情", target.Channel)
	assert.Equal(t, 5, target.MaxPages)
	assert.Equal(t, tracker.StrategyChannel, target.Strategy)
	assert.Equal(t, "yq-board", target.RankID)
	assert.Equal(t, "言情频道", target.RankName)
	assert.False(t, target.Hourly)
	assert.True(t, target.NeedsDetail())
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	r := NewResolver(declaredTargets())

	got, err := r.Resolve("jiazi")
	require.NoError(t, err)
	require.Len(t, got, 1)

	target := got[0]
	assert.Equal(t, 1, target.MaxPages, "unset max_pages defaults to a single page")
	assert.Equal(t, "jiazi", target.RankID, "rank id falls back to the page id")
	assert.Equal(t, "jiazi", target.RankName)
	assert.True(t, target.Hourly, "the jiazi board is hourly by definition")
	assert.False(t, target.NeedsDetail())
}

func TestResolveAll(t *testing.T) {
	t.Parallel()
	r := NewResolver(declaredTargets())

	got, err := r.Resolve(PageAll)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "jiazi", got[0].PageID, "all resolves in sorted page id order")
	assert.Equal(t, "yq", got[1].PageID)
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	r := NewResolver(declaredTargets())

	_, err := r.Resolve("nope")
	require.True(t, errors.Is(err, tracker.ErrConfigNotFound))
}

func TestResolveAllEmpty(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil)

	_, err := r.Resolve(PageAll)
	require.True(t, errors.Is(err, tracker.ErrConfigNotFound))
}

func TestPageIDs(t *testing.T) {
	t.Parallel()
	r := NewResolver(declaredTargets())
	assert.Equal(t, []string{"jiazi", "yq"}, r.PageIDs())
}
