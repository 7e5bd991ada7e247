package metadata

import "errors"

var (
	// ErrSchemaVersion means the index document declares a schema version
	// this engine does not understand.
	ErrSchemaVersion = errors.New("unsupported release index version")

	// ErrNoCache means no cached index exists for the configured source.
	ErrNoCache = errors.New("no cached release index")

	// ErrNoMatchingRelease means no release satisfied the selector.
	ErrNoMatchingRelease = errors.New("no matching release")

	// ErrPlatformNotFound means the resolved release has no firmware for
	// the requested platform.
	ErrPlatformNotFound = errors.New("release has no firmware for platform")

	// ErrBMDAUnavailable means the release has no BMDA build for the
	// requested host.
	ErrBMDAUnavailable = errors.New("no BMDA build available")
)
