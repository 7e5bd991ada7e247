package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionClass says how much structure a probe's reported version carries.
type VersionClass int

const (
	// VersionUnknown is reported by probes too old to embed a version at all.
	VersionUnknown VersionClass = iota
	// VersionInvalid marks a version string that failed to parse.
	VersionInvalid
	// VersionGitHash is a bare git hash with no release information.
	VersionGitHash
	// VersionFull is a fully structured version number.
	VersionFull
)

// VersionKind distinguishes the build kinds a full version can describe.
type VersionKind int

const (
	KindRelease VersionKind = iota
	KindReleaseCandidate
	KindDevelopment
)

// GitVersion carries the git-describe tail of a development build:
// the number of commits past the referenced release (or candidate)
// and the abbreviated hash.
type GitVersion struct {
	HasRC   bool
	RC      int
	Commits int
	Hash    string
}

// VersionParts is the decomposed form of a full version number such as
// v1.10.0, v2.0.0-rc2 or v1.10.0-rc1-1273-g2b1ce9aee-dirty.
type VersionParts struct {
	Major int
	Minor int
	Patch int
	Kind  VersionKind
	RC    int        // valid when Kind == KindReleaseCandidate
	Git   GitVersion // valid when Kind == KindDevelopment
	Dirty bool
}

// VersionNumber is the version reported by a probe or encoded in a release
// tag. Only Full versions order against each other; the other classes exist
// so identification can degrade without failing.
type VersionNumber struct {
	Class VersionClass
	Hash  string       // valid when Class == VersionGitHash
	Parts VersionParts // valid when Class == VersionFull
}

// ParseVersion classifies a version token from a product string or release
// tag. A leading 'g' marks a bare git hash, a leading 'v' a full version;
// anything else is invalid. The empty string means the probe reported no
// version.
func ParseVersion(value string) VersionNumber {
	switch {
	case value == "":
		return VersionNumber{Class: VersionUnknown}
	case strings.HasPrefix(value, "g"):
		return VersionNumber{Class: VersionGitHash, Hash: value[1:]}
	case strings.HasPrefix(value, "v"):
		parts, err := parseVersionParts(value[1:])
		if err != nil {
			return VersionNumber{Class: VersionInvalid}
		}
		return VersionNumber{Class: VersionFull, Parts: parts}
	default:
		return VersionNumber{Class: VersionInvalid}
	}
}

func parseNumber(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative version component %d", n)
	}
	return n, nil
}

func parseVersionParts(value string) (VersionParts, error) {
	var parts VersionParts
	var err error

	// The three numeric components come first, dot separated, with the
	// patch number terminated by the end of string or a '-'.
	majorStr, rest, _ := strings.Cut(value, ".")
	if parts.Major, err = parseNumber(majorStr); err != nil {
		return parts, err
	}
	minorStr, rest, _ := strings.Cut(rest, ".")
	if parts.Minor, err = parseNumber(minorStr); err != nil {
		return parts, err
	}
	patchStr, rest, _ := strings.Cut(rest, "-")
	if parts.Patch, err = parseNumber(patchStr); err != nil {
		return parts, err
	}

	// A trailing -dirty marker applies to whatever build kind precedes it.
	if rest == "dirty" {
		parts.Dirty = true
		rest = ""
	} else if trimmed, found := strings.CutSuffix(rest, "-dirty"); found {
		parts.Dirty = true
		rest = trimmed
	}

	// Next may come a release candidate number.
	hasRC := false
	rcNumber := 0
	if strings.HasPrefix(rest, "rc") {
		rcStr, tail, _ := strings.Cut(rest, "-")
		if rcNumber, err = parseNumber(rcStr[2:]); err != nil {
			return parts, err
		}
		hasRC = true
		rest = tail
	}

	// Anything still left must be a git-describe tail: <commits>-<hash>.
	switch {
	case rest != "":
		commitsStr, hash, found := strings.Cut(rest, "-")
		if !found || hash == "" {
			return parts, fmt.Errorf("invalid git version tail %q", rest)
		}
		commits, err := parseNumber(commitsStr)
		if err != nil {
			return parts, err
		}
		parts.Kind = KindDevelopment
		parts.Git = GitVersion{HasRC: hasRC, RC: rcNumber, Commits: commits, Hash: hash}
	case hasRC:
		parts.Kind = KindReleaseCandidate
		parts.RC = rcNumber
	default:
		parts.Kind = KindRelease
	}
	return parts, nil
}

func (p VersionParts) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d.%d.%d", p.Major, p.Minor, p.Patch)
	switch p.Kind {
	case KindReleaseCandidate:
		fmt.Fprintf(&sb, "-rc%d", p.RC)
	case KindDevelopment:
		if p.Git.HasRC {
			fmt.Fprintf(&sb, "-rc%d", p.Git.RC)
		}
		fmt.Fprintf(&sb, "-%d-%s", p.Git.Commits, p.Git.Hash)
	}
	if p.Dirty {
		sb.WriteString("-dirty")
	}
	return sb.String()
}

// String renders the version in the form it was parsed from, so that for
// any valid release tag ParseVersion(tag).String() == tag.
func (v VersionNumber) String() string {
	switch v.Class {
	case VersionUnknown:
		return ""
	case VersionGitHash:
		return "g" + v.Hash
	case VersionFull:
		return "v" + v.Parts.String()
	default:
		return "<invalid version>"
	}
}

// Compare orders two version numbers, returning <0, 0 or >0 in cmp and
// ok=false when the pair has no defined ordering. Unknown and invalid
// versions never order; git hashes only compare equal to themselves.
func (v VersionNumber) Compare(other VersionNumber) (cmp int, ok bool) {
	switch v.Class {
	case VersionGitHash:
		if other.Class == VersionGitHash && v.Hash == other.Hash {
			return 0, true
		}
		return 0, false
	case VersionFull:
		if other.Class != VersionFull {
			return 0, false
		}
		return v.Parts.compare(other.Parts)
	default:
		return 0, false
	}
}

func (p VersionParts) compare(other VersionParts) (int, bool) {
	if c := compareInt(p.Major, other.Major); c != 0 {
		return c, true
	}
	if c := compareInt(p.Minor, other.Minor); c != 0 {
		return c, true
	}
	if c := compareInt(p.Patch, other.Patch); c != 0 {
		return c, true
	}
	if c, ok := p.compareKind(other); !ok || c != 0 {
		return c, ok
	}
	// A dirty build of an otherwise equal version is the newer of the two.
	switch {
	case p.Dirty && !other.Dirty:
		return 1, true
	case !p.Dirty && other.Dirty:
		return -1, true
	default:
		return 0, true
	}
}

// compareKind is only meaningful between equal base version triples: a
// candidate precedes its release, and development builds follow the release
// or candidate they reference.
func (p VersionParts) compareKind(other VersionParts) (int, bool) {
	switch p.Kind {
	case KindRelease:
		switch other.Kind {
		case KindRelease:
			return 0, true
		case KindReleaseCandidate:
			return 1, true
		default:
			return -1, true
		}
	case KindReleaseCandidate:
		if other.Kind == KindReleaseCandidate {
			return compareInt(p.RC, other.RC), true
		}
		return -1, true
	default:
		if other.Kind == KindDevelopment {
			return p.Git.compare(other.Git)
		}
		return 1, true
	}
}

func (g GitVersion) compare(other GitVersion) (int, bool) {
	// Builds referencing different release candidates order by candidate;
	// a candidate-based build precedes a release-based one.
	switch {
	case g.HasRC && other.HasRC:
		if g.RC != other.RC {
			return compareInt(g.RC, other.RC), true
		}
	case g.HasRC:
		return -1, true
	case other.HasRC:
		return 1, true
	}
	if c := compareInt(g.Commits, other.Commits); c != 0 {
		return c, true
	}
	if g.Hash == other.Hash {
		return 0, true
	}
	return 0, false
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
