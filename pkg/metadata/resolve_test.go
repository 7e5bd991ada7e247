package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

func parseTestIndex(t *testing.T) *ReleaseIndex {
	t.Helper()
	index, err := Parse(marshal(t, testIndex()))
	require.NoError(t, err)
	return index
}

func TestResolveExact(t *testing.T) {
	index := parseTestIndex(t)

	res, err := index.Resolve(Selector{Exact: "v1.10.0"}, probe.PlatformNative)
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", res.Tag)
	assert.Equal(t, probe.VersionFull, res.Version.Class)
	assert.ElementsMatch(t, []string{"full", "common"}, res.VariantNames())
}

func TestResolveExactMissing(t *testing.T) {
	index := parseTestIndex(t)

	_, err := index.Resolve(Selector{Exact: "v1.6.0"}, probe.PlatformNative)
	assert.ErrorIs(t, err, ErrNoMatchingRelease)
}

func TestResolveLatestStableSkipsCandidates(t *testing.T) {
	index := parseTestIndex(t)

	res, err := index.Resolve(Selector{Channel: ChannelStable}, probe.PlatformNative)
	require.NoError(t, err)
	assert.Equal(t, "v1.10.0", res.Tag)
}

func TestResolveLatestCandidateChannel(t *testing.T) {
	index := parseTestIndex(t)

	res, err := index.Resolve(Selector{Channel: ChannelCandidate}, probe.PlatformNative)
	require.NoError(t, err)
	assert.Equal(t, "v2.0.0-rc2", res.Tag)
}

func TestResolvePlatformNotShipped(t *testing.T) {
	index := parseTestIndex(t)

	// v2.0.0-rc2 only ships native firmware in the test fixture.
	_, err := index.Resolve(Selector{Exact: "v2.0.0-rc2"}, probe.PlatformBluepill)
	assert.ErrorIs(t, err, ErrPlatformNotFound)
}

func TestResolveStableChannelWithOnlyCandidates(t *testing.T) {
	doc := testIndex()
	releases := doc["releases"].(map[string]any)
	delete(releases, "v1.10.0")
	index, err := Parse(marshal(t, doc))
	require.NoError(t, err)

	_, err = index.Resolve(Selector{Channel: ChannelStable}, probe.PlatformNative)
	assert.ErrorIs(t, err, ErrNoMatchingRelease)
}

func TestAssetSelection(t *testing.T) {
	index := parseTestIndex(t)

	res, err := index.Resolve(Selector{Exact: "v1.10.0"}, probe.PlatformNative)
	require.NoError(t, err)

	// Two variants: an explicit name is required.
	_, err = res.Asset("")
	assert.Error(t, err)

	asset, err := res.Asset("common")
	require.NoError(t, err)
	assert.Equal(t, "blackmagic-native-common-v1_10_0.elf", asset.FileName)

	_, err = res.Asset("st-clones")
	assert.Error(t, err)

	// A single variant is selected implicitly.
	res, err = index.Resolve(Selector{Exact: "v1.10.0"}, probe.PlatformBluepill)
	require.NoError(t, err)
	asset, err = res.Asset("")
	require.NoError(t, err)
	assert.Equal(t, "blackmagic-bluepill-v1_10_0.bin", asset.FileName)
}
