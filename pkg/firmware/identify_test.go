package firmware

import (
	"bytes"
	"testing"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// flashImage embeds the given strings NUL-terminated into an erased-flash
// buffer at arbitrary offsets, the way rodata ends up in a readback.
func flashImage(strs ...string) []byte {
	buf := bytes.Repeat([]byte{0xff}, 256)
	offset := 64
	for _, s := range strs {
		copy(buf[offset:], s)
		buf[offset+len(s)] = 0
		offset += len(s) + 17
	}
	return buf
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name     string
		image    []byte
		platform probe.Platform
		version  string
		ok       bool
	}{
		{
			"native release",
			flashImage("Black Magic Probe v1.10.0"),
			probe.PlatformNative, "v1.10.0", true,
		},
		{
			"variant firmware",
			flashImage("usb strings", "Black Magic Probe (ST-Link/v2) v2.0.0-rc2"),
			probe.PlatformStlink, "v2.0.0-rc2", true,
		},
		{
			"old firmware without version",
			flashImage("Black Magic Probe"),
			probe.PlatformNative, "", true,
		},
		{
			"marker in help text then real string",
			flashImage("Black Magic Probe firmware update instructions!", "Black Magic Probe v1.9.1"),
			probe.PlatformNative, "v1.9.1", true,
		},
		{"erased flash", bytes.Repeat([]byte{0xff}, 256), 0, "", false},
		{"zeroed flash", make([]byte, 256), 0, "", false},
		{"no marker", flashImage("some other firmware"), 0, "", false},
		{"empty", nil, 0, "", false},
	}
	for _, test := range tests {
		id, ok := Identify(test.image)
		if ok != test.ok {
			t.Errorf("%s: Identify ok = %v, want %v", test.name, ok, test.ok)
			continue
		}
		if !ok {
			continue
		}
		if id.Platform != test.platform {
			t.Errorf("%s: platform = %v, want %v", test.name, id.Platform, test.platform)
		}
		if got := id.Version.String(); got != test.version {
			t.Errorf("%s: version = %q, want %q", test.name, got, test.version)
		}
	}
}
