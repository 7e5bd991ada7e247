package probe

import (
	"fmt"
	"strings"
)

// ProductString is the prefix every Black Magic Probe reports in its USB
// product descriptor.
const ProductString = "Black Magic Probe"

// Identity is the platform and firmware version a probe reports, either
// through its product string or recovered from a firmware image.
type Identity struct {
	Platform Platform
	Version  VersionNumber
}

// ParseIdentity extracts platform and version from a probe product string.
//
// Product strings take one of the following forms:
//
//	Recent: Black Magic Probe v2.0.0-rc2
//	      : Black Magic Probe (ST-Link/v2) v1.10.0-1273-g2b1ce9aee
//	   Old: Black Magic Probe
//
// The parenthesised variant is absent on native hardware, and the oldest
// firmware reports no version at all.
func ParseIdentity(product string) (Identity, error) {
	if !strings.HasPrefix(product, ProductString) {
		return Identity{}, fmt.Errorf("product string %q does not start with %q", product, ProductString)
	}
	// The bare product string is an old native probe with an unknown version.
	if product == ProductString {
		return Identity{Platform: PlatformNative, Version: VersionNumber{Class: VersionUnknown}}, nil
	}

	tail := product[len(ProductString):]
	variant, err := parseVariant(tail)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing probe variant: %w", err)
	}
	platform, err := PlatformFromProduct(strings.ToLower(variant))
	if err != nil {
		return Identity{}, err
	}

	version, err := parseVersionToken(tail)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing probe version: %w", err)
	}
	return Identity{Platform: platform, Version: ParseVersion(version)}, nil
}

// parseVariant pulls the parenthesised variant name out of the product
// string tail, defaulting to native when no parentheses are present.
func parseVariant(tail string) (string, error) {
	opening := strings.IndexByte(tail, '(')
	closing := strings.IndexByte(tail, ')')
	switch {
	case opening < 0 && closing < 0:
		return "native", nil
	case opening >= 0 && closing >= 0:
		if opening > closing {
			return "", fmt.Errorf("'(' found after ')' in %q", tail)
		}
		return tail[opening+1 : closing], nil
	default:
		return "", fmt.Errorf("unmatched parenthesis in %q", tail)
	}
}

// parseVersionToken takes everything after the last space as the version.
func parseVersionToken(tail string) (string, error) {
	idx := strings.LastIndexByte(tail, ' ')
	if idx < 0 {
		return "", fmt.Errorf("product string tail %q has no version field", tail)
	}
	version := tail[idx+1:]
	if strings.TrimSpace(version) == "" {
		return "", fmt.Errorf("product string version field is empty")
	}
	return version, nil
}

// String renders the identity the way a probe would report it.
func (id Identity) String() string {
	var sb strings.Builder
	sb.WriteString(ProductString)
	if id.Platform != PlatformNative {
		fmt.Fprintf(&sb, " (%s)", id.Platform.ProductName())
	}
	if version := id.Version.String(); version != "" {
		sb.WriteByte(' ')
		sb.WriteString(version)
	}
	return sb.String()
}
