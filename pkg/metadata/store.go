package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

// DefaultSource is where the Black Magic Debug project publishes its
// release index.
const DefaultSource = "https://summon.black-magic.org/metadata.json"

const (
	fetchAttempts = 3
	fetchDelay    = 500 * time.Millisecond
)

// Store fetches the release index over HTTP and keeps a validated copy on
// disk so resolution keeps working when the network does not.
type Store struct {
	source string
	dir    string
	client *http.Client
	clock  clock.Clock
}

// NewStore builds a store for the given index URL, caching under dir.
// A nil client uses http.DefaultClient.
func NewStore(source, dir string, client *http.Client) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{source: source, dir: dir, client: client, clock: clock.WallClock}
}

// cachePath keys the cache file on the source URL so indexes from
// different servers never collide.
func (s *Store) cachePath() string {
	key := digest.FromString(s.source).Encoded()
	return filepath.Join(s.dir, key[:16]+".json")
}

// Fetch returns the current release index. It revalidates the cached copy
// against the server with a conditional request, falls back to the cache
// (marked Stale) when the refresh fails, and fails only when neither the
// network nor the cache can produce a valid index.
func (s *Store) Fetch(ctx context.Context) (*ReleaseIndex, error) {
	cached, _ := os.ReadFile(s.cachePath())

	body, notModified, err := s.download(ctx, cached)
	if err != nil {
		if cached == nil {
			return nil, fmt.Errorf("fetching release index: %w", err)
		}
		index, parseErr := Parse(cached)
		if parseErr != nil {
			return nil, fmt.Errorf("fetching release index: %w (stale cache also unusable: %v)", err, parseErr)
		}
		log.Warnf("release index refresh failed, using stale cache: %v", err)
		index.Stale = true
		return index, nil
	}

	if notModified {
		if cached == nil {
			return nil, errors.New("server returned 304 for an unconditional request")
		}
		index, parseErr := Parse(cached)
		if parseErr != nil {
			// The server said our copy is current but it does not validate;
			// drop it and fetch a full copy.
			log.Warnf("cached release index is corrupt, refetching: %v", parseErr)
			if err := os.Remove(s.cachePath()); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("discarding corrupt cache: %w", err)
			}
			return s.Fetch(ctx)
		}
		return index, nil
	}

	index, err := Parse(body)
	if err != nil {
		// Never cache a document that failed validation.
		return nil, err
	}
	if err := s.writeCache(body); err != nil {
		log.Warnf("caching release index: %v", err)
	}
	return index, nil
}

// LoadCached returns the cached index without touching the network. The
// result is always marked Stale; ErrNoCache means nothing was ever cached.
func (s *Store) LoadCached() (*ReleaseIndex, error) {
	data, err := os.ReadFile(s.cachePath())
	if os.IsNotExist(err) {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached release index: %w", err)
	}
	index, err := Parse(data)
	if err != nil {
		return nil, err
	}
	index.Stale = true
	return index, nil
}

// download performs the conditional GET, retrying transient failures.
// notModified is true when the server confirmed the cached copy via 304.
func (s *Store) download(ctx context.Context, cached []byte) (body []byte, notModified bool, err error) {
	err = retry.Call(retry.CallArgs{
		Clock:    s.clock,
		Attempts: fetchAttempts,
		Delay:    fetchDelay,
		Stop:     ctx.Done(),
		IsFatalError: func(err error) bool {
			var status *statusError
			// Only server-side failures are worth retrying.
			if errors.As(err, &status) {
				return status.code < 500
			}
			return false
		},
		Func: func() error {
			body, notModified, err = s.downloadOnce(ctx, cached)
			return err
		},
		NotifyFunc: func(lastErr error, attempt int) {
			log.Debugf("release index fetch attempt %d failed: %v", attempt, lastErr)
		},
	})
	return body, notModified, err
}

func (s *Store) downloadOnce(ctx context.Context, cached []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source, nil)
	if err != nil {
		return nil, false, err
	}
	if cached != nil {
		// The server publishes the index's SHA256 as its ETag, so the
		// validator can be recomputed locally from the cached bytes.
		req.Header.Set("If-None-Match", `"`+digest.FromBytes(cached).Encoded()+`"`)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("reading release index body: %w", err)
		}
		return body, false, nil
	case http.StatusNotModified:
		return nil, true, nil
	default:
		return nil, false, &statusError{code: resp.StatusCode}
	}
}

// writeCache lands the index atomically so a crash mid-write can never
// leave a truncated cache behind.
func (s *Store) writeCache(data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "metadata-*.json.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.cachePath())
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("release index server returned %d %s", e.code, http.StatusText(e.code))
}
