package probe

import (
	"fmt"
	"strings"
)

// Platform identifies which probe hardware a firmware build targets.
// The set is closed: release metadata naming an unlisted platform is
// treated as corrupt.
type Platform int

const (
	Platform96bCarbon Platform = iota
	PlatformBlackpillF401CC
	PlatformBlackpillF401CE
	PlatformBlackpillF411CE
	PlatformBluepill
	PlatformCtxLink
	PlatformF072
	PlatformF3
	PlatformF4Discovery
	PlatformHydraBus
	PlatformLaunchpadICDI
	PlatformNative
	PlatformStlink
	PlatformStlinkv3
	PlatformSwlink
)

// platformNames maps platforms to the spelling used as metadata keys and
// in firmware file names.
var platformNames = map[Platform]string{
	Platform96bCarbon:       "96b_carbon",
	PlatformBlackpillF401CC: "blackpill-f401cc",
	PlatformBlackpillF401CE: "blackpill-f401ce",
	PlatformBlackpillF411CE: "blackpill-f411ce",
	PlatformBluepill:        "bluepill",
	PlatformCtxLink:         "ctxlink",
	PlatformF072:            "f072",
	PlatformF3:              "f3",
	PlatformF4Discovery:     "f4discovery",
	PlatformHydraBus:        "hydrabus",
	PlatformLaunchpadICDI:   "launchpad-icdi",
	PlatformNative:          "native",
	PlatformStlink:          "stlink",
	PlatformStlinkv3:        "stlinkv3",
	PlatformSwlink:          "swlink",
}

// platformDisplayNames holds the variant spellings probes embed in their
// USB product strings. These differ from the metadata spellings for
// historical reasons and must not be unified.
var platformDisplayNames = map[Platform]string{
	Platform96bCarbon:       "96b Carbon",
	PlatformBlackpillF401CC: "Blackpill-F401CC",
	PlatformBlackpillF401CE: "Blackpill-F401CE",
	PlatformBlackpillF411CE: "Blackpill-F411CE",
	PlatformBluepill:        "Bluepill",
	PlatformCtxLink:         "ctxLink",
	PlatformF072:            "F072-IF",
	PlatformF3:              "F3-IF",
	PlatformF4Discovery:     "F4Discovery",
	PlatformHydraBus:        "HydraBus",
	PlatformLaunchpadICDI:   "Launchpad ICDI",
	PlatformNative:          "Native",
	PlatformStlink:          "ST-Link/v2",
	PlatformStlinkv3:        "ST-Link v3",
	PlatformSwlink:          "SWLink",
}

// platformProductNames is the case-folded reverse of platformDisplayNames,
// used when parsing product strings.
var platformProductNames = func() map[string]Platform {
	m := make(map[string]Platform, len(platformDisplayNames))
	for platform, name := range platformDisplayNames {
		m[strings.ToLower(name)] = platform
	}
	return m
}()

var platformByName = func() map[string]Platform {
	m := make(map[string]Platform, len(platformNames))
	for platform, name := range platformNames {
		m[name] = platform
	}
	return m
}()

// ParsePlatform translates a metadata platform key to a Platform.
func ParsePlatform(name string) (Platform, error) {
	platform, ok := platformByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown probe platform %q", name)
	}
	return platform, nil
}

// PlatformFromProduct translates the variant spelling found in a probe's USB
// product string to a Platform.
func PlatformFromProduct(name string) (Platform, error) {
	platform, ok := platformProductNames[name]
	if !ok {
		return 0, fmt.Errorf("probe with unknown product variant %q", name)
	}
	return platform, nil
}

// ProductName is the spelling a probe of this platform embeds in its USB
// product string.
func (p Platform) ProductName() string {
	name, ok := platformDisplayNames[p]
	if !ok {
		return fmt.Sprintf("Platform(%d)", int(p))
	}
	return name
}

func (p Platform) String() string {
	name, ok := platformNames[p]
	if !ok {
		return fmt.Sprintf("Platform(%d)", int(p))
	}
	return name
}

// MarshalText lets Platform serve as a JSON map key in release metadata.
func (p Platform) MarshalText() ([]byte, error) {
	name, ok := platformNames[p]
	if !ok {
		return nil, fmt.Errorf("invalid platform value %d", int(p))
	}
	return []byte(name), nil
}

// UnmarshalText lets Platform serve as a JSON map key in release metadata.
func (p *Platform) UnmarshalText(text []byte) error {
	platform, err := ParsePlatform(string(text))
	if err != nil {
		return err
	}
	*p = platform
	return nil
}
