package probe

import "testing"

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		product  string
		platform Platform
		version  string
		class    VersionClass
	}{
		{"Black Magic Probe", PlatformNative, "", VersionUnknown},
		{"Black Magic Probe v1.10.0", PlatformNative, "v1.10.0", VersionFull},
		{"Black Magic Probe v2.0.0-rc2", PlatformNative, "v2.0.0-rc2", VersionFull},
		{"Black Magic Probe (ST-Link/v2) v1.10.0", PlatformStlink, "v1.10.0", VersionFull},
		{"Black Magic Probe (ST-Link v3) v1.10.0", PlatformStlinkv3, "v1.10.0", VersionFull},
		{"Black Magic Probe (96b Carbon) v1.8.0", Platform96bCarbon, "v1.8.0", VersionFull},
		{"Black Magic Probe (F072-IF) v1.10.0", PlatformF072, "v1.10.0", VersionFull},
		{"Black Magic Probe (Launchpad ICDI) v1.10.0", PlatformLaunchpadICDI, "v1.10.0", VersionFull},
		{"Black Magic Probe (HydraBus) v1.10.0-1273-g2b1ce9aee", PlatformHydraBus,
			"v1.10.0-1273-g2b1ce9aee", VersionFull},
		{"Black Magic Probe g2b1ce9aee", PlatformNative, "g2b1ce9aee", VersionGitHash},
	}
	for _, test := range tests {
		id, err := ParseIdentity(test.product)
		if err != nil {
			t.Errorf("ParseIdentity(%q): %v", test.product, err)
			continue
		}
		if id.Platform != test.platform {
			t.Errorf("ParseIdentity(%q).Platform = %v, want %v", test.product, id.Platform, test.platform)
		}
		if id.Version.Class != test.class {
			t.Errorf("ParseIdentity(%q).Version.Class = %v, want %v", test.product, id.Version.Class, test.class)
		}
		if got := id.Version.String(); got != test.version {
			t.Errorf("ParseIdentity(%q).Version = %q, want %q", test.product, got, test.version)
		}
	}
}

func TestParseIdentityErrors(t *testing.T) {
	tests := []string{
		"STM32 BOOTLOADER",
		"Black Magic Probe (ST-Link/v2 v1.10.0",
		"Black Magic Probe ST-Link/v2) v1.10.0",
		"Black Magic Probe )ST-Link/v2( v1.10.0",
		"Black Magic Probe (Frobnicator) v1.10.0",
	}
	for _, product := range tests {
		if _, err := ParseIdentity(product); err == nil {
			t.Errorf("ParseIdentity(%q) succeeded, want error", product)
		}
	}
}

func TestIdentityString(t *testing.T) {
	tests := []string{
		"Black Magic Probe",
		"Black Magic Probe v1.10.0",
		"Black Magic Probe (st-link/v2) v2.0.0-rc2",
	}
	for _, want := range tests {
		id, err := ParseIdentity(want)
		if err != nil {
			t.Fatalf("ParseIdentity(%q): %v", want, err)
		}
		got := id.String()
		parsed, err := ParseIdentity(got)
		if err != nil {
			t.Errorf("Identity %q renders unparseable string %q: %v", want, got, err)
			continue
		}
		if parsed != id {
			t.Errorf("round trip of %q changed identity: %+v != %+v", want, parsed, id)
		}
	}
}
