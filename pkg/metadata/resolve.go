package metadata

import (
	"fmt"
	"sort"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// Channel selects which release kinds a latest-version query considers.
type Channel int

const (
	// ChannelStable resolves to the newest full release.
	ChannelStable Channel = iota
	// ChannelCandidate also admits release candidates.
	ChannelCandidate
)

func (c Channel) String() string {
	if c == ChannelCandidate {
		return "candidate"
	}
	return "stable"
}

// Selector names the release to resolve: an exact tag, or the latest
// release on a channel when Exact is empty.
type Selector struct {
	Exact   string
	Channel Channel
}

// Resolution is the outcome of resolving a selector against the index for
// one target platform.
type Resolution struct {
	Tag      string
	Version  probe.VersionNumber
	Release  Release
	Variants FirmwareVariants
}

// Asset picks a firmware variant from the resolution. An empty name is
// accepted when exactly one variant exists; otherwise the caller must
// choose.
func (r Resolution) Asset(variant string) (FirmwareAsset, error) {
	if variant == "" {
		if len(r.Variants) == 1 {
			for _, asset := range r.Variants {
				return asset, nil
			}
		}
		return FirmwareAsset{}, fmt.Errorf("release %s offers %d firmware variants, one must be chosen: %v",
			r.Tag, len(r.Variants), r.VariantNames())
	}
	asset, ok := r.Variants[variant]
	if !ok {
		return FirmwareAsset{}, fmt.Errorf("release %s has no firmware variant %q for this platform, available: %v",
			r.Tag, variant, r.VariantNames())
	}
	return asset, nil
}

// VariantNames lists the available variant names in stable order.
func (r Resolution) VariantNames() []string {
	names := make([]string, 0, len(r.Variants))
	for name := range r.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve finds the release the selector names and the firmware it carries
// for the given platform.
func (idx *ReleaseIndex) Resolve(sel Selector, platform probe.Platform) (Resolution, error) {
	var (
		tag     string
		release Release
		err     error
	)
	if sel.Exact != "" {
		tag, release, err = idx.exact(sel.Exact)
	} else {
		tag, release, err = idx.latest(sel.Channel)
	}
	if err != nil {
		return Resolution{}, err
	}

	variants, ok := release.Firmware[platform]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: release %s does not ship firmware for %s",
			ErrPlatformNotFound, tag, platform)
	}
	return Resolution{
		Tag:      tag,
		Version:  probe.ParseVersion(tag),
		Release:  release,
		Variants: variants,
	}, nil
}

func (idx *ReleaseIndex) exact(tag string) (string, Release, error) {
	release, ok := idx.Releases[tag]
	if !ok {
		return "", Release{}, fmt.Errorf("%w: index has no release %s", ErrNoMatchingRelease, tag)
	}
	return tag, release, nil
}

// latest scans the index for the newest release admitted by the channel.
// An unordered or tied pair of candidates is a malformed index and fails
// rather than picking arbitrarily.
func (idx *ReleaseIndex) latest(channel Channel) (string, Release, error) {
	var (
		bestTag     string
		bestVersion probe.VersionNumber
	)
	for tag := range idx.Releases {
		version := probe.ParseVersion(tag)
		if version.Class != probe.VersionFull {
			return "", Release{}, fmt.Errorf("release key %q is not a parseable version", tag)
		}
		if channel == ChannelStable && version.Parts.Kind != probe.KindRelease {
			continue
		}
		if bestTag == "" {
			bestTag, bestVersion = tag, version
			continue
		}
		cmp, ok := version.Compare(bestVersion)
		if !ok || cmp == 0 {
			return "", Release{}, fmt.Errorf("releases %s and %s cannot be ordered", tag, bestTag)
		}
		if cmp > 0 {
			bestTag, bestVersion = tag, version
		}
	}
	if bestTag == "" {
		return "", Release{}, fmt.Errorf("%w: index has no %s release", ErrNoMatchingRelease, channel)
	}
	return bestTag, idx.Releases[bestTag], nil
}
