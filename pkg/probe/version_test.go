package probe

import "testing"

func TestParseVersionClasses(t *testing.T) {
	tests := []struct {
		input string
		class VersionClass
	}{
		{"", VersionUnknown},
		{"g2b1ce9aee", VersionGitHash},
		{"v1.10.0", VersionFull},
		{"v2.0.0-rc2", VersionFull},
		{"v1.10.0-1273-g2b1ce9aee", VersionFull},
		{"v1.10.0-rc1-40-gdeadbeef", VersionFull},
		{"v1.10.0-dirty", VersionFull},
		{"v1.10.0-1273-g2b1ce9aee-dirty", VersionFull},
		{"1.10.0", VersionInvalid},
		{"v1.10", VersionInvalid},
		{"vx.y.z", VersionInvalid},
		{"v1.10.0-rcX", VersionInvalid},
		{"v1.10.0-1273", VersionInvalid},
		{"banana", VersionInvalid},
	}
	for _, test := range tests {
		got := ParseVersion(test.input)
		if got.Class != test.class {
			t.Errorf("ParseVersion(%q).Class = %v, want %v", test.input, got.Class, test.class)
		}
	}
}

func TestParseVersionParts(t *testing.T) {
	tests := []struct {
		input string
		want  VersionParts
	}{
		{"v1.10.0", VersionParts{Major: 1, Minor: 10, Patch: 0, Kind: KindRelease}},
		{"v2.0.0-rc2", VersionParts{Major: 2, Minor: 0, Patch: 0, Kind: KindReleaseCandidate, RC: 2}},
		{"v1.10.0-dirty", VersionParts{Major: 1, Minor: 10, Patch: 0, Kind: KindRelease, Dirty: true}},
		{
			"v1.10.0-1273-g2b1ce9aee",
			VersionParts{Major: 1, Minor: 10, Patch: 0, Kind: KindDevelopment,
				Git: GitVersion{Commits: 1273, Hash: "g2b1ce9aee"}},
		},
		{
			"v2.0.0-rc1-40-gdeadbeef-dirty",
			VersionParts{Major: 2, Minor: 0, Patch: 0, Kind: KindDevelopment, Dirty: true,
				Git: GitVersion{HasRC: true, RC: 1, Commits: 40, Hash: "gdeadbeef"}},
		},
	}
	for _, test := range tests {
		got := ParseVersion(test.input)
		if got.Class != VersionFull {
			t.Fatalf("ParseVersion(%q).Class = %v, want VersionFull", test.input, got.Class)
		}
		if got.Parts != test.want {
			t.Errorf("ParseVersion(%q).Parts = %+v, want %+v", test.input, got.Parts, test.want)
		}
	}
}

func TestVersionRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"g2b1ce9aee",
		"v1.10.0",
		"v2.0.0-rc2",
		"v1.10.0-dirty",
		"v1.10.0-1273-g2b1ce9aee",
		"v2.0.0-rc1-40-gdeadbeef",
		"v2.0.0-rc1-40-gdeadbeef-dirty",
	}
	for _, input := range inputs {
		if got := ParseVersion(input).String(); got != input {
			t.Errorf("ParseVersion(%q).String() = %q", input, got)
		}
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		cmp  int
		ok   bool
	}{
		// Numeric ordering of the base triple.
		{"v1.10.0", "v1.9.1", 1, true},
		{"v1.10.0", "v2.0.0", -1, true},
		{"v1.10.0", "v1.10.0", 0, true},
		{"v1.10.0", "v1.10.1", -1, true},
		// A candidate precedes its release.
		{"v2.0.0-rc2", "v2.0.0", -1, true},
		{"v2.0.0-rc2", "v2.0.0-rc1", 1, true},
		// But a candidate for a newer version beats an older release.
		{"v2.0.0-rc1", "v1.10.0", 1, true},
		// Development builds follow the release they reference.
		{"v1.10.0-1273-g2b1ce9aee", "v1.10.0", 1, true},
		{"v1.10.0-1273-g2b1ce9aee", "v1.10.0-900-gcafef00d", 1, true},
		// A candidate-based development build precedes a release-based one.
		{"v2.0.0-rc1-40-gdeadbeef", "v2.0.0-10-gcafef00d", -1, true},
		{"v2.0.0-rc1-40-gdeadbeef", "v2.0.0-rc2-5-gcafef00d", -1, true},
		// Dirty trees are newer than clean ones at the same version.
		{"v1.10.0-dirty", "v1.10.0", 1, true},
		{"v1.10.0", "v1.10.0-dirty", -1, true},
		// Same commit count, different hashes: no defined order.
		{"v1.10.0-40-gdeadbeef", "v1.10.0-40-gcafef00d", 0, false},
		// Unknown, invalid and bare hashes only order in trivial cases.
		{"", "v1.10.0", 0, false},
		{"g2b1ce9aee", "v1.10.0", 0, false},
		{"g2b1ce9aee", "g2b1ce9aee", 0, true},
		{"g2b1ce9aee", "gcafef00d", 0, false},
	}
	for _, test := range tests {
		a, b := ParseVersion(test.a), ParseVersion(test.b)
		cmp, ok := a.Compare(b)
		if cmp != test.cmp || ok != test.ok {
			t.Errorf("Compare(%q, %q) = (%d, %v), want (%d, %v)",
				test.a, test.b, cmp, ok, test.cmp, test.ok)
		}
		if !test.ok {
			continue
		}
		// Ordering must be antisymmetric.
		back, ok := b.Compare(a)
		if !ok || back != -cmp {
			t.Errorf("Compare(%q, %q) = (%d, %v), want (%d, true)",
				test.b, test.a, back, ok, -cmp)
		}
	}
}
