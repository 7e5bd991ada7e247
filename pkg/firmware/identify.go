package firmware

import (
	"bytes"
	"strings"

	"github.com/blackmagic-debug/bmputil/pkg/probe"
)

// maxProductLength bounds the printable run scanned after a product string
// marker. Real product strings are well under this.
const maxProductLength = 96

// Identify recovers the firmware's identity from a raw image by locating
// the embedded USB product string. This is how a probe sitting in its
// bootloader gets identified: the application is not running, so the only
// source of truth is the flash content itself.
//
// ok is false when no parseable product string exists, which is what an
// erased or corrupt flash looks like.
func Identify(data []byte) (probe.Identity, bool) {
	marker := []byte(probe.ProductString)
	for offset := 0; ; {
		idx := bytes.Index(data[offset:], marker)
		if idx < 0 {
			return probe.Identity{}, false
		}
		start := offset + idx
		candidate := strings.TrimRight(printableRun(data[start:]), " ")
		// Reject candidates whose version field does not parse; stray text
		// mentioning the probe by name would otherwise match.
		if id, err := probe.ParseIdentity(candidate); err == nil && id.Version.Class != probe.VersionInvalid {
			return id, true
		}
		// The firmware may embed the marker more than once, for example in
		// help text; keep scanning past this occurrence.
		offset = start + len(marker)
	}
}

// printableRun returns the longest printable ASCII prefix of data, capped
// at maxProductLength.
func printableRun(data []byte) string {
	limit := len(data)
	if limit > maxProductLength {
		limit = maxProductLength
	}
	end := 0
	for end < limit && data[end] >= 0x20 && data[end] < 0x7f {
		end++
	}
	return string(data[:end])
}
