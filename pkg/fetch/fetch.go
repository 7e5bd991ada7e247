// Package fetch downloads release assets and verifies their integrity
// before anything downstream is allowed to see the bytes.
package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

const (
	downloadAttempts = 3
	downloadDelay    = time.Second
)

// ErrMemberNotFound means the requested file is not inside the archive.
var ErrMemberNotFound = errors.New("archive member not found")

// IntegrityError means a downloaded asset did not hash to its published
// digest. The content is discarded and the download is never retried: a
// digest mismatch is tampering or corruption at the source, not a
// transient network fault.
type IntegrityError struct {
	URI  string
	Want digest.Digest
	Got  digest.Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: want %s, got %s", e.URI, e.Want, e.Got)
}

// Fetcher downloads assets over HTTP with bounded retries on transient
// failures.
type Fetcher struct {
	client *http.Client
	clock  clock.Clock
}

// New builds a fetcher. A nil client uses http.DefaultClient.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, clock: clock.WallClock}
}

// Fetch downloads the asset at uri. When want is non-empty the downloaded
// bytes are verified against it and an *IntegrityError is returned on
// mismatch.
func (f *Fetcher) Fetch(ctx context.Context, uri string, want digest.Digest) ([]byte, error) {
	var body []byte
	err := retry.Call(retry.CallArgs{
		Clock:    f.clock,
		Attempts: downloadAttempts,
		Delay:    downloadDelay,
		Stop:     ctx.Done(),
		IsFatalError: func(err error) bool {
			var status *statusError
			if errors.As(err, &status) {
				return status.code < 500
			}
			return false
		},
		Func: func() error {
			var err error
			body, err = f.fetchOnce(ctx, uri)
			return err
		},
		NotifyFunc: func(lastErr error, attempt int) {
			log.Debugf("download attempt %d for %s failed: %v", attempt, uri, lastErr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", uri, err)
	}
	log.Debugf("downloaded %s (%s)", uri, humanize.IBytes(uint64(len(body))))

	if want != "" {
		if err := want.Validate(); err != nil {
			return nil, fmt.Errorf("published digest for %s is malformed: %w", uri, err)
		}
		if got := want.Algorithm().FromBytes(body); got != want {
			return nil, &IntegrityError{URI: uri, Want: want, Got: got}
		}
	}
	return body, nil
}

// FetchMember downloads a zip archive and extracts a single member from
// it. The digest, when given, covers the archive, so verification happens
// before extraction.
func (f *Fetcher) FetchMember(ctx context.Context, uri, member string, want digest.Digest) ([]byte, error) {
	archive, err := f.Fetch(ctx, uri, want)
	if err != nil {
		return nil, err
	}
	return ExtractMember(archive, member)
}

// ExtractMember pulls one file out of an in-memory zip archive.
func ExtractMember(archive []byte, member string) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	for _, file := range reader.File {
		if file.Name != member {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("opening archive member %s: %w", member, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading archive member %s: %w", member, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, member)
}

func (f *Fetcher) fetchOnce(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d %s", e.code, http.StatusText(e.code))
}
