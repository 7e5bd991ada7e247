package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchVerifiesDigest(t *testing.T) {
	payload := []byte("firmware image bytes")
	var requests atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(payload)
	}))
	t.Cleanup(ts.Close)
	fetcher := New(ts.Client())

	body, err := fetcher.Fetch(context.Background(), ts.URL, digest.FromBytes(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, body)

	// A wrong digest discards the content and never retries.
	requests.Store(0)
	body, err = fetcher.Fetch(context.Background(), ts.URL, digest.FromString("something else"))
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Nil(t, body)
	assert.EqualValues(t, 1, requests.Load())
}

func TestFetchWithoutDigest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("unverified"))
	}))
	t.Cleanup(ts.Close)

	body, err := New(ts.Client()).Fetch(context.Background(), ts.URL, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("unverified"), body)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var requests atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("eventually"))
	}))
	t.Cleanup(ts.Close)

	body, err := New(ts.Client()).Fetch(context.Background(), ts.URL, "")
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually"), body)
	assert.EqualValues(t, 3, requests.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	_, err := New(ts.Client()).Fetch(context.Background(), ts.URL, "")
	assert.Error(t, err)
	assert.EqualValues(t, 1, requests.Load())
}

func zipArchive(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestFetchMember(t *testing.T) {
	archive := zipArchive(t, map[string][]byte{
		"blackmagic":  []byte("bmda binary"),
		"LICENSE.txt": []byte("license text"),
	})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	t.Cleanup(ts.Close)
	fetcher := New(ts.Client())

	data, err := fetcher.FetchMember(context.Background(), ts.URL, "blackmagic", digest.FromBytes(archive))
	require.NoError(t, err)
	assert.Equal(t, []byte("bmda binary"), data)

	_, err = fetcher.FetchMember(context.Background(), ts.URL, "missing", "")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestExtractMemberRejectsGarbage(t *testing.T) {
	_, err := ExtractMember([]byte("not a zip archive"), "anything")
	assert.Error(t, err)
}
