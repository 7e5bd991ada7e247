package metadata

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// SupportedVersion is the release-index schema version this engine
// understands. Any other value is rejected outright rather than guessed at.
const SupportedVersion = 1

// Closed sets of host OSes and CPU architectures BMDA is published for.
var (
	knownOS   = map[string]bool{"linux": true, "macos": true, "windows": true}
	knownArch = map[string]bool{"i386": true, "amd64": true, "aarch32": true, "aarch64": true}
)

var (
	// releaseTagPattern constrains release keys to vMAJOR.MINOR.PATCH[-rcN].
	releaseTagPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+(?:-rc\d+)?$`)
	// fileNamePattern constrains on-device firmware file names; the version
	// is captured so it can be checked against the enclosing release key.
	fileNamePattern = regexp.MustCompile(
		`^blackmagic-[0-9a-z_]+(?:-[0-9a-z_]+)*-v(\d+_\d+_\d+(?:-rc\d+)?)\.(?:elf|bin)$`)
)

// ReleaseIndex is the top-level release metadata document.
type ReleaseIndex struct {
	Version  int                `json:"version"`
	Releases map[string]Release `json:"releases"`

	// Stale is set by the store when the index was served from the local
	// cache because a refresh failed; it is not part of the document.
	Stale bool `json:"-"`
}

// Release describes one published firmware release across all platforms.
type Release struct {
	IncludesBMDA bool                                 `json:"includesBMDA"`
	Firmware     map[probe.Platform]FirmwareVariants  `json:"firmware"`
	BMDA         map[string]map[string]AssetLocator   `json:"bmda,omitempty"`
}

// FirmwareVariants maps a variant name (for example "full" or "common")
// to the downloadable asset for that build.
type FirmwareVariants map[string]FirmwareAsset

// FirmwareAsset is one downloadable firmware build. Digest is optional;
// when present the download is verified against it.
type FirmwareAsset struct {
	FriendlyName string        `json:"friendlyName"`
	FileName     string        `json:"fileName"`
	URI          string        `json:"uri"`
	Digest       digest.Digest `json:"digest,omitempty"`
}

// AssetLocator names a member inside a downloadable archive, used for BMDA
// binaries which ship zipped with their supporting files.
type AssetLocator struct {
	FileName string        `json:"fileName"`
	URI      string        `json:"uri"`
	Digest   digest.Digest `json:"digest,omitempty"`
}

// Parse decodes and validates a release-index document. Unknown top-level
// fields are ignored; missing required fields, a schema version other than
// SupportedVersion, or any malformed release entry is fatal.
func Parse(data []byte) (*ReleaseIndex, error) {
	var index ReleaseIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decoding release index: %w", err)
	}
	if err := index.Validate(); err != nil {
		return nil, err
	}
	return &index, nil
}

// Validate enforces the schema invariants that the decoder alone cannot:
// the version gate, the key patterns, and the two-way BMDA presence rule.
func (idx *ReleaseIndex) Validate() error {
	if idx.Version != SupportedVersion {
		return fmt.Errorf("%w: document version %d, supported version %d",
			ErrSchemaVersion, idx.Version, SupportedVersion)
	}
	if len(idx.Releases) == 0 {
		return fmt.Errorf("release index has no releases")
	}
	for tag, release := range idx.Releases {
		if !releaseTagPattern.MatchString(tag) {
			return fmt.Errorf("release key %q does not match v<major>.<minor>.<patch>[-rcN]", tag)
		}
		if err := release.validate(tag); err != nil {
			return fmt.Errorf("release %s: %w", tag, err)
		}
	}
	return nil
}

func (r Release) validate(tag string) error {
	// includesBMDA and the bmda mapping must agree in both directions.
	if r.IncludesBMDA && len(r.BMDA) == 0 {
		return fmt.Errorf("includesBMDA is set but no bmda mapping is present")
	}
	if !r.IncludesBMDA && len(r.BMDA) != 0 {
		return fmt.Errorf("bmda mapping present but includesBMDA is not set")
	}
	for osName, arches := range r.BMDA {
		if !knownOS[osName] {
			return fmt.Errorf("unknown BMDA target OS %q", osName)
		}
		for arch, locator := range arches {
			if !knownArch[arch] {
				return fmt.Errorf("unknown BMDA target architecture %q", arch)
			}
			if locator.FileName == "" || locator.URI == "" {
				return fmt.Errorf("BMDA locator for %s/%s is incomplete", osName, arch)
			}
		}
	}

	if len(r.Firmware) == 0 {
		return fmt.Errorf("release carries no firmware")
	}
	for platform, variants := range r.Firmware {
		if len(variants) == 0 {
			return fmt.Errorf("platform %s has no firmware variants", platform)
		}
		for variant, asset := range variants {
			if err := asset.validate(tag); err != nil {
				return fmt.Errorf("platform %s variant %s: %w", platform, variant, err)
			}
		}
	}
	return nil
}

func (a FirmwareAsset) validate(tag string) error {
	if a.FriendlyName == "" {
		return fmt.Errorf("asset has no friendly name")
	}
	if a.URI == "" {
		return fmt.Errorf("asset has no download URI")
	}
	match := fileNamePattern.FindStringSubmatch(a.FileName)
	if match == nil {
		return fmt.Errorf("file name %q does not match the firmware naming convention", a.FileName)
	}
	// The version encoded in the file name must agree with the release key:
	// blackmagic-native-v1_10_0.elf belongs to v1.10.0 and nothing else.
	encoded := "v" + strings.ReplaceAll(match[1], "_", ".")
	if encoded != tag {
		return fmt.Errorf("file name %q encodes version %s but belongs to release %s",
			a.FileName, encoded, tag)
	}
	if a.Digest != "" {
		if err := a.Digest.Validate(); err != nil {
			return fmt.Errorf("asset digest: %w", err)
		}
	}
	return nil
}

// Locator returns the BMDA archive locator for the given host OS and
// architecture.
func (r Release) Locator(osName, arch string) (AssetLocator, error) {
	arches, ok := r.BMDA[osName]
	if !ok {
		return AssetLocator{}, fmt.Errorf("%w: no BMDA build for OS %s", ErrBMDAUnavailable, osName)
	}
	locator, ok := arches[arch]
	if !ok {
		return AssetLocator{}, fmt.Errorf("%w: no BMDA build for %s/%s", ErrBMDAUnavailable, osName, arch)
	}
	return locator, nil
}
