package dfu

import "testing"

// The bmRequestType encodings are fixed by USB 2.0 §9.3 table 9-2: class
// requests target the interface recipient, and the functional descriptor
// is fetched with a standard GET_DESCRIPTOR (request type bits zero).
func TestControlRequestTypes(t *testing.T) {
	cases := []struct {
		name string
		got  uint8
		want uint8
	}{
		{"standard IN", uint8(requestTypeStandardIn), 0x81},
		{"class OUT", uint8(requestTypeClassOut), 0x21},
		{"class IN", uint8(requestTypeClassIn), 0xa1},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s request type = %#02x, want %#02x", tc.name, tc.got, tc.want)
		}
	}
}
