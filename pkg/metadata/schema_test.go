package metadata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// testIndex builds a small but fully valid index document for tests to
// mutate before parsing.
func testIndex() map[string]any {
	return map[string]any{
		"version": 1,
		"releases": map[string]any{
			"v1.10.0": map[string]any{
				"includesBMDA": true,
				"firmware": map[string]any{
					"native": map[string]any{
						"full": map[string]any{
							"friendlyName": "Black Magic Debug for BMP (full)",
							"fileName":     "blackmagic-native-v1_10_0.elf",
							"uri":          "https://example.org/v1.10.0/blackmagic-native-v1_10_0.elf",
						},
						"common": map[string]any{
							"friendlyName": "Black Magic Debug for BMP (common targets)",
							"fileName":     "blackmagic-native-common-v1_10_0.elf",
							"uri":          "https://example.org/v1.10.0/blackmagic-native-common-v1_10_0.elf",
						},
					},
					"bluepill": map[string]any{
						"full": map[string]any{
							"friendlyName": "Black Magic Debug for Bluepill",
							"fileName":     "blackmagic-bluepill-v1_10_0.bin",
							"uri":          "https://example.org/v1.10.0/blackmagic-bluepill-v1_10_0.bin",
						},
					},
				},
				"bmda": map[string]any{
					"linux": map[string]any{
						"amd64": map[string]any{
							"fileName": "blackmagic",
							"uri":      "https://example.org/v1.10.0/bmda-linux-amd64.zip",
						},
					},
				},
			},
			"v2.0.0-rc2": map[string]any{
				"includesBMDA": false,
				"firmware": map[string]any{
					"native": map[string]any{
						"full": map[string]any{
							"friendlyName": "Black Magic Debug for BMP (full)",
							"fileName":     "blackmagic-native-v2_0_0-rc2.elf",
							"uri":          "https://example.org/v2.0.0-rc2/blackmagic-native-v2_0_0-rc2.elf",
						},
					},
				},
			},
		},
	}
}

func marshal(t *testing.T, doc map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestParseValidIndex(t *testing.T) {
	index, err := Parse(marshal(t, testIndex()))
	require.NoError(t, err)

	assert.Equal(t, 1, index.Version)
	assert.False(t, index.Stale)
	require.Contains(t, index.Releases, "v1.10.0")

	release := index.Releases["v1.10.0"]
	assert.True(t, release.IncludesBMDA)
	require.Contains(t, release.Firmware, probe.PlatformNative)
	assert.Len(t, release.Firmware[probe.PlatformNative], 2)

	locator, err := release.Locator("linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "blackmagic", locator.FileName)
}

func TestParseRejectsWrongVersion(t *testing.T) {
	doc := testIndex()
	doc["version"] = 2

	_, err := Parse(marshal(t, doc))
	require.ErrorIs(t, err, ErrSchemaVersion)
}

func TestParseRejectsBadReleaseKey(t *testing.T) {
	for _, key := range []string{"1.10.0", "v1.10", "v1.10.0-beta1", "latest"} {
		t.Run(key, func(t *testing.T) {
			doc := testIndex()
			releases := doc["releases"].(map[string]any)
			releases[key] = releases["v1.10.0"]

			_, err := Parse(marshal(t, doc))
			assert.Error(t, err)
		})
	}
}

func TestParseEnforcesBMDAInvariant(t *testing.T) {
	t.Run("flag without mapping", func(t *testing.T) {
		doc := testIndex()
		release := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)
		delete(release, "bmda")

		_, err := Parse(marshal(t, doc))
		assert.ErrorContains(t, err, "includesBMDA")
	})
	t.Run("mapping without flag", func(t *testing.T) {
		doc := testIndex()
		release := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)
		release["includesBMDA"] = false

		_, err := Parse(marshal(t, doc))
		assert.ErrorContains(t, err, "includesBMDA")
	})
}

func TestParseRejectsUnknownBMDATargets(t *testing.T) {
	doc := testIndex()
	release := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)
	release["bmda"] = map[string]any{
		"plan9": map[string]any{
			"amd64": map[string]any{"fileName": "blackmagic", "uri": "https://example.org/x.zip"},
		},
	}

	_, err := Parse(marshal(t, doc))
	assert.ErrorContains(t, err, "plan9")
}

func TestParseRejectsFileNameVersionMismatch(t *testing.T) {
	doc := testIndex()
	firmware := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)["firmware"].(map[string]any)
	asset := firmware["native"].(map[string]any)["full"].(map[string]any)
	asset["fileName"] = "blackmagic-native-v1_9_0.elf"

	_, err := Parse(marshal(t, doc))
	assert.ErrorContains(t, err, "v1.9.0")
}

func TestParseRejectsMalformedFileName(t *testing.T) {
	for _, name := range []string{
		"blackmagic-native-1_10_0.elf",
		"blackmagic-native-v1_10_0.hex",
		"native-v1_10_0.elf",
		"blackmagic-Native-v1_10_0.elf",
	} {
		t.Run(name, func(t *testing.T) {
			doc := testIndex()
			firmware := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)["firmware"].(map[string]any)
			asset := firmware["native"].(map[string]any)["full"].(map[string]any)
			asset["fileName"] = name

			_, err := Parse(marshal(t, doc))
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsUnknownPlatformKey(t *testing.T) {
	doc := testIndex()
	firmware := doc["releases"].(map[string]any)["v1.10.0"].(map[string]any)["firmware"].(map[string]any)
	firmware["frobnicator"] = firmware["bluepill"]

	_, err := Parse(marshal(t, doc))
	assert.Error(t, err)
}

func TestLocatorMissingHost(t *testing.T) {
	index, err := Parse(marshal(t, testIndex()))
	require.NoError(t, err)

	_, err = index.Releases["v1.10.0"].Locator("windows", "amd64")
	assert.ErrorIs(t, err, ErrBMDAUnavailable)

	_, err = index.Releases["v1.10.0"].Locator("linux", "aarch64")
	assert.ErrorIs(t, err, ErrBMDAUnavailable)
}
